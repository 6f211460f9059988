package realtime

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/metrics"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// ErrInvalidChannel is returned for a subscription to an unknown channel.
var ErrInvalidChannel = errors.New("invalid channel")

// Client is one subscriber. Messages are queued on a bounded buffer that a
// single writer drains; a full buffer drops the message.
type Client struct {
	ID          string
	Fingerprint string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a subscriber with a send buffer of size buf.
func NewClient(fingerprint string, buf int) *Client {
	if buf <= 0 {
		buf = 64
	}
	return &Client{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		send:        make(chan []byte, buf),
		done:        make(chan struct{}),
	}
}

// Send is the client's outbound queue.
func (c *Client) Send() <-chan []byte { return c.send }

// Done is closed once the client has been removed from its hub.
func (c *Client) Done() <-chan struct{} { return c.done }

// enqueue never blocks. It reports false when the message was dropped.
func (c *Client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		metrics.DroppedMessages.Inc()
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// HubStats describes this instance's subscribers.
type HubStats struct {
	Connections int            `json:"connections"`
	Channels    map[string]int `json:"channels"`
}

// Hub tracks channel membership for the connections of this instance.
type Hub struct {
	log zerolog.Logger

	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
	clients  map[*Client]map[string]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:      log.With().Str("component", "hub").Logger(),
		channels: make(map[string]map[*Client]struct{}),
		clients:  make(map[*Client]map[string]struct{}),
	}
}

// ValidChannel reports whether name is global, rankings, stats or a
// well-formed item channel.
func ValidChannel(name string) bool {
	switch name {
	case model.ChannelGlobal, model.ChannelRankings, model.ChannelStats:
		return true
	}
	id, ok := model.ItemFromChannel(name)
	if !ok {
		return false
	}
	_, msg := middleware.ValidateItemID(id)
	return msg == ""
}

// Register adds a client with no subscriptions.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.clients[c] = make(map[string]struct{})
	}
	h.mu.Unlock()
}

// Subscribe joins c to channel, registering c if needed.
func (h *Hub) Subscribe(c *Client, channel string) error {
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clients[c]
	if !ok {
		subs = make(map[string]struct{})
		h.clients[c] = subs
	}
	subs[channel] = struct{}{}

	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*Client]struct{})
		h.channels[channel] = members
	}
	members[c] = struct{}{}
	return nil
}

// Unsubscribe removes c from channel.
func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, channel)
}

func (h *Hub) leave(c *Client, channel string) {
	if subs, ok := h.clients[c]; ok {
		delete(subs, channel)
	}
	if members, ok := h.channels[channel]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Remove drops c from every channel and closes it.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	for channel := range h.clients[c] {
		h.leave(c, channel)
	}
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Dispatch queues ev's payload once for every client subscribed to any of
// its channels and returns how many clients it was queued for.
func (h *Hub) Dispatch(ev model.Event) int {
	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for _, channel := range ev.Channels {
		for c := range h.channels[channel] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for c := range targets {
		if c.enqueue(ev.Payload) {
			delivered++
		}
	}
	return delivered
}

// Broadcast queues payload for every client.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(payload)
	}
}

// CloseAll removes every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]map[string]struct{})
	h.channels = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
	h.log.Info().Int("clients", len(clients)).Msg("closed all clients")
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := HubStats{Connections: len(h.clients), Channels: make(map[string]int, len(h.channels))}
	for name, members := range h.channels {
		st.Channels[name] = len(members)
	}
	return st
}
