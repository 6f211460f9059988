package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/metrics"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// StatsWorker batches ranking and stats rebuilds. If 50 votes land within one
// window it rebuilds once and broadcasts one rankingsUpdate and one
// statsUpdate.
type StatsWorker struct {
	sync   *SyncService
	pub    Publisher
	window time.Duration
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{} // items changed since the last rebuild
}

// NewStatsWorker creates a rebuild worker flushing every window.
func NewStatsWorker(syncSvc *SyncService, pub Publisher, window time.Duration, log zerolog.Logger) *StatsWorker {
	if window <= 0 {
		window = time.Second
	}
	return &StatsWorker{
		sync:    syncSvc,
		pub:     pub,
		window:  window,
		log:     log.With().Str("component", "stats-worker").Logger(),
		pending: make(map[string]struct{}),
	}
}

// Notify marks an item as changed. Never blocks.
func (w *StatsWorker) Notify(itemID string) {
	w.mu.Lock()
	w.pending[itemID] = struct{}{}
	w.mu.Unlock()
}

// Start flushes pending work every window until ctx is cancelled.
func (w *StatsWorker) Start(ctx context.Context) {
	w.log.Info().Dur("window", w.window).Msg("starting")

	ticker := time.NewTicker(w.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush(ctx)
		case <-ctx.Done():
			// Final flush so the cache reflects the last votes.
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			w.flush(fctx)
			cancel()
			w.log.Info().Msg("stopping")
			return
		}
	}
}

// flush drains the pending set and rebuilds once.
func (w *StatsWorker) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	changed := len(w.pending)
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	start := time.Now()
	rankings, stats, err := w.sync.Refresh(ctx)
	metrics.StatsRebuildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.log.Error().Err(err).Int("items", changed).Msg("rebuild failed")
		return
	}

	if w.pub != nil {
		now := time.Now().UTC()
		if ev, err := model.NewRankingsUpdateEvent(rankings, now); err == nil {
			w.pub.Publish(ctx, ev)
		}
		if ev, err := model.NewStatsUpdateEvent(stats, now); err == nil {
			w.pub.Publish(ctx, ev)
		}
	}

	w.log.Debug().
		Int("items", changed).
		Int64("total_votes", stats.TotalVotes).
		Dur("took", time.Since(start)).
		Msg("rankings and stats rebuilt")
}
