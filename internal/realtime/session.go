package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/metrics"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
	"github.com/Taimoorkn/llm-popularity-tracker/pkg/hash"
)

// VoteSubmitter applies votes sent over a connection.
type VoteSubmitter interface {
	Submit(ctx context.Context, req model.VoteRequest) (*model.VoteResult, error)
}

// StateReader serves resync and stats requests.
type StateReader interface {
	Resync(ctx context.Context, fingerprint string) (*model.ResyncResponse, error)
	StatsView(ctx context.Context) (*model.StatsResponse, error)
	Aggregate(ctx context.Context, itemID string) (model.Aggregate, error)
}

// Limiter rejects connection attempts over the connect limit.
type Limiter interface {
	Check(ctx context.Context, action, key string) error
}

// Restrictions reports fingerprints blocked by the fraud engine.
type Restrictions interface {
	IsRestricted(ctx context.Context, fingerprint string) bool
}

// Options tune connection liveness and buffering.
type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

// Server upgrades HTTP requests to websocket sessions and runs the
// client protocol on top of a Hub.
type Server struct {
	hub          *Hub
	votes        VoteSubmitter
	state        StateReader
	limiter      Limiter
	restrictions Restrictions
	opts         Options
	upgrader     websocket.FastHTTPUpgrader
	log          zerolog.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewServer(hub *Hub, votes VoteSubmitter, state StateReader, limiter Limiter, restrictions Restrictions,
	opts Options, log zerolog.Logger) *Server {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}
	return &Server{
		hub:          hub,
		votes:        votes,
		state:        state,
		limiter:      limiter,
		restrictions: restrictions,
		opts:         opts,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

// Handler admits a connection and upgrades it. The fingerprint comes from
// the fingerprint query parameter or the X-Fingerprint header.
func (s *Server) Handler() fiber.Handler {
	return func(c fiber.Ctx) error {
		if !websocket.FastHTTPIsWebSocketUpgrade(c.RequestCtx()) {
			return middleware.ErrorResponse(c, fiber.StatusUpgradeRequired, "upgrade_required", "websocket upgrade required")
		}
		if s.isClosing() {
			return middleware.ErrorResponse(c, fiber.StatusServiceUnavailable, model.KindTransient, "server shutting down")
		}

		raw := c.Query("fingerprint")
		if raw == "" {
			raw = c.Get("X-Fingerprint")
		}
		fp, msg := middleware.ValidateFingerprint(raw)
		if msg != "" {
			return middleware.WriteError(c, model.Validationf("%s", msg))
		}

		ctx := c.Context()
		if s.restrictions != nil && s.restrictions.IsRestricted(ctx, fp) {
			return middleware.WriteError(c, fmt.Errorf("%w: fingerprint temporarily restricted", model.ErrSuspiciousActivity))
		}
		if s.limiter != nil {
			if err := s.limiter.Check(ctx, middleware.ActionConnect, fp); err != nil {
				return middleware.WriteError(c, err)
			}
		}

		// The fiber ctx is recycled once this handler returns.
		meta := model.VoteMetadata{IP: c.IP(), UserAgent: c.Get(fiber.HeaderUserAgent)}
		return s.upgrader.Upgrade(c.RequestCtx(), func(conn *websocket.Conn) {
			s.serve(conn, fp, meta)
		})
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) serve(conn *websocket.Conn, fp string, meta model.VoteMetadata) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	client := NewClient(fp, s.opts.SendBuffer)
	s.hub.Register(client)
	_ = s.hub.Subscribe(client, model.ChannelGlobal)
	metrics.WSConnections.Inc()

	log := s.log.With().Str("conn", client.ID[:8]).Str("fingerprint", hash.ForLog(fp)).Logger()
	log.Debug().Msg("connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.hub.Remove(client)
		metrics.WSConnections.Dec()
		conn.Close()
		log.Debug().Msg("disconnected")
	}()

	s.sendInitial(ctx, client)

	writeDone := make(chan struct{})
	go func() {
		s.writePump(conn, client)
		close(writeDone)
	}()

	s.readPump(ctx, conn, client, meta, log)
	s.hub.Remove(client)
	<-writeDone
}

func (s *Server) sendInitial(ctx context.Context, c *Client) {
	data, err := s.state.Resync(ctx, c.Fingerprint)
	if err != nil {
		s.sendError(c, err)
		return
	}
	s.send(c, initialDataMessage{Type: model.EventInitialData, ConnectionID: c.ID, Data: data})
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, c *Client, meta model.VoteMetadata, log zerolog.Logger) {
	conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		s.handleMessage(ctx, c, meta, raw)
	}
}

// writePump is the only writer on conn. When the client is removed it
// flushes what is queued and sends a close frame.
func (s *Server) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := s.write(conn, websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Done():
			s.drain(conn, c)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(s.opts.WriteWait))
			return
		}
	}
}

func (s *Server) drain(conn *websocket.Conn, c *Client) {
	for {
		select {
		case msg := <-c.send:
			if err := s.write(conn, websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, typ int, msg []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	return conn.WriteMessage(typ, msg)
}

func (s *Server) handleMessage(ctx context.Context, c *Client, meta model.VoteMetadata, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.WSMessages.WithLabelValues("malformed").Inc()
		s.sendError(c, model.Validationf("malformed message"))
		return
	}

	switch msg.Type {
	case msgSubscribe, msgUnsubscribe, msgVote, msgSync, msgGetStats, msgPing:
		metrics.WSMessages.WithLabelValues(msg.Type).Inc()
	default:
		metrics.WSMessages.WithLabelValues("unknown").Inc()
	}

	switch msg.Type {
	case msgSubscribe:
		channel := msg.channel()
		if err := s.hub.Subscribe(c, channel); err != nil {
			s.sendError(c, model.Validationf("invalid channel %q", channel))
			return
		}
		s.sendSubscribed(ctx, c, channel)

	case msgUnsubscribe:
		channel := msg.channel()
		s.hub.Unsubscribe(c, channel)
		s.send(c, subscriptionMessage{Type: model.EventUnsubscribed, Channel: channel})

	case msgVote:
		s.handleVote(ctx, c, meta, msg)

	case msgSync:
		data, err := s.state.Resync(ctx, c.Fingerprint)
		if err != nil {
			s.sendError(c, err)
			return
		}
		s.send(c, syncDataMessage{Type: model.EventSyncData, Data: data, Timestamp: time.Now().UTC()})

	case msgGetStats:
		view, err := s.state.StatsView(ctx)
		if err != nil {
			s.sendError(c, err)
			return
		}
		s.send(c, statsMessage{
			Type:        model.EventStats,
			Stats:       view.Stats,
			Rankings:    view.Rankings,
			Connections: s.hub.Stats(),
			Timestamp:   time.Now().UTC(),
		})

	case msgPing:
		s.send(c, pongMessage{Type: model.EventPong, ServerTime: time.Now().UTC()})

	default:
		s.sendError(c, model.Validationf("unknown message type %q", msg.Type))
	}
}

// sendSubscribed acknowledges a subscription with the channel's current
// state. A snapshot that cannot be read is left out; the next update carries
// the state anyway.
func (s *Server) sendSubscribed(ctx context.Context, c *Client, channel string) {
	ack := subscriptionMessage{Type: model.EventSubscribed, Channel: channel}

	if itemID, ok := model.ItemFromChannel(channel); ok {
		agg, err := s.state.Aggregate(ctx, itemID)
		switch {
		case errors.Is(err, model.ErrUnknownItem):
			s.hub.Unsubscribe(c, channel)
			s.sendError(c, err)
			return
		case err != nil:
			s.log.Warn().Err(err).Str("channel", channel).Msg("subscription snapshot failed")
		default:
			dto := agg.DTO()
			ack.ItemID, ack.Aggregate = itemID, &dto
		}
	} else if channel == model.ChannelRankings || channel == model.ChannelStats {
		view, err := s.state.StatsView(ctx)
		if err != nil {
			s.log.Warn().Err(err).Str("channel", channel).Msg("subscription snapshot failed")
		} else if channel == model.ChannelRankings {
			ack.Rankings = view.Rankings
		} else {
			ack.Stats = view.Stats
		}
	}
	s.send(c, ack)
}

func (s *Server) handleVote(ctx context.Context, c *Client, meta model.VoteMetadata, msg clientMessage) {
	res, err := s.votes.Submit(ctx, model.VoteRequest{
		Fingerprint: c.Fingerprint,
		ItemID:      msg.ItemID,
		Value:       msg.VoteValue,
		Metadata:    &meta,
	})
	if err != nil {
		kind, text, retry := middleware.PublicError(err)
		s.send(c, voteErrorMessage{
			Type:      model.EventVoteError,
			RequestID: msg.RequestID,
			ItemID:    msg.ItemID,
			Error:     errorBody{Code: kind, Message: text, RetryAfterSeconds: retry},
		})
		return
	}
	s.send(c, voteConfirmedMessage{
		Type:      model.EventVoteConfirmed,
		RequestID: msg.RequestID,
		ItemID:    msg.ItemID,
		Result:    res,
	})
}

func (s *Server) send(c *Client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("encode message")
		return
	}
	c.enqueue(b)
}

func (s *Server) sendError(c *Client, err error) {
	kind, text, retry := middleware.PublicError(err)
	s.send(c, errorMessage{
		Type:  model.EventError,
		Error: errorBody{Code: kind, Message: text, RetryAfterSeconds: retry},
	})
}

// Shutdown tells every client the server is going away, closes all
// connections and waits for their sessions to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	b, err := json.Marshal(shutdownMessage{
		Type:      model.EventShutdown,
		Message:   "Server is shutting down, reconnect shortly",
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		s.hub.Broadcast(b)
	}
	s.hub.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
