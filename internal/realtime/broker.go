package realtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/metrics"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// EventsChannel is the Redis pub/sub channel every instance listens on.
const EventsChannel = "llmvote:events"

const publishTimeout = 500 * time.Millisecond

// Broker carries events to the hubs of every instance. With Redis, events
// are published once and each instance, this one included, dispatches them
// from its subscription. Without Redis, or while the subscription is down,
// events are dispatched to the local hub only.
type Broker struct {
	rdb *redis.Client
	hub *Hub
	id  string
	log zerolog.Logger

	subscribed atomic.Bool
}

// NewBroker creates a broker over rdb, which may be nil.
func NewBroker(rdb *redis.Client, hub *Hub, log zerolog.Logger) *Broker {
	id := uuid.NewString()
	return &Broker{
		rdb: rdb,
		hub: hub,
		id:  id,
		log: log.With().Str("component", "broker").Str("instance", id[:8]).Logger(),
	}
}

// ID identifies this instance in event envelopes.
func (b *Broker) ID() string { return b.id }

// Ready reports whether the Redis subscription is live.
func (b *Broker) Ready() bool { return b.subscribed.Load() }

// Publish fans ev out. It never fails the caller; a Redis error is counted
// and the event still reaches local subscribers.
func (b *Broker) Publish(ctx context.Context, ev model.Event) {
	if b.rdb == nil {
		b.hub.Dispatch(ev)
		return
	}

	ev.Origin = b.id
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Str("type", ev.Type).Msg("encode event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.rdb.Publish(ctx, EventsChannel, data).Err(); err != nil {
		metrics.PropagationFailures.Inc()
		b.log.Warn().Err(err).Str("type", ev.Type).Msg("publish failed, dispatching locally")
		b.hub.Dispatch(ev)
		return
	}
	if !b.subscribed.Load() {
		// Our own subscription would not see it.
		b.hub.Dispatch(ev)
	}
}

// Run dispatches events from the Redis subscription until ctx is
// cancelled. go-redis reconnects and resubscribes on its own.
func (b *Broker) Run(ctx context.Context) error {
	if b.rdb == nil {
		<-ctx.Done()
		return nil
	}

	sub := b.rdb.Subscribe(ctx, EventsChannel)
	defer sub.Close()
	defer b.subscribed.Store(false)

	ch := sub.ChannelWithSubscriptions()
	b.log.Info().Str("channel", EventsChannel).Msg("subscribing")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				b.subscribed.Store(m.Kind == "subscribe")
				b.log.Info().Str("kind", m.Kind).Msg("subscription changed")
			case *redis.Message:
				b.deliver(m.Payload)
			}
		}
	}
}

func (b *Broker) deliver(payload string) {
	var ev model.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.log.Warn().Err(err).Msg("dropping undecodable event")
		return
	}
	b.hub.Dispatch(ev)
}
