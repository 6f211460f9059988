package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/repository"
)

// RollupWorker is a periodic job that summarises the vote audit log into
// hourly and daily buckets.
type RollupWorker struct {
	store    repository.Store
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
	stopCh   chan struct{}
}

// NewRollupWorker creates a worker that ticks every interval.
func NewRollupWorker(store repository.Store, interval time.Duration, log zerolog.Logger) *RollupWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RollupWorker{
		store:    store,
		interval: interval,
		log:      log.With().Str("component", "rollup-worker").Logger(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start runs one tick immediately, then every interval.
func (w *RollupWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("starting")

	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			w.log.Info().Msg("stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.log.Info().Msg("stopping (stop signal)")
			return
		}
	}
}

// Stop signals the worker to stop.
func (w *RollupWorker) Stop() {
	close(w.stopCh)
}

// tick recomputes the current and previous bucket of each granularity. The
// previous bucket catches events committed just before the boundary.
func (w *RollupWorker) tick(ctx context.Context) {
	start := time.Now()
	now := w.now().UTC()

	var rows int64
	for _, g := range []string{model.GranularityHour, model.GranularityDay} {
		since := model.Truncate(g, now)
		if g == model.GranularityDay {
			since = since.AddDate(0, 0, -1)
		} else {
			since = since.Add(-time.Hour)
		}

		n, err := w.store.RefreshRollups(ctx, g, since)
		if err != nil {
			w.log.Error().Err(err).Str("granularity", g).Msg("refresh rollups")
			continue
		}
		rows += n
	}

	w.log.Debug().Int64("rows", rows).Dur("took", time.Since(start).Round(time.Millisecond)).Msg("tick complete")
}
