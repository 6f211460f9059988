// Command reconcile recomputes every item aggregate from the live votes,
// repairs any counters that drifted and drops the cached views built on them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/config"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/db"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/repository"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/service"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "abort if the rebuild takes longer than this")
	jsonOut := flag.Bool("json", false, "print drifted items as JSON on stdout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		middleware.InitLogger("info", "llm-reconcile")
		middleware.Logger.Fatal().Err(err).Msg("invalid configuration")
	}
	middleware.InitLogger(cfg.LogLevel, "llm-reconcile")
	log := middleware.Logger

	if cfg.StoreBackend != config.StorePostgres {
		log.Fatal().Str("store", cfg.StoreBackend).Msg("reconcile needs the postgres store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2, Name: "reconcile"}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	store := repository.NewPGStore(pool, nil, 0)

	start := time.Now()
	drifts, err := store.RebuildAggregates(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("rebuild failed")
	}

	for _, d := range drifts {
		log.Warn().
			Str("item_id", d.ItemID).
			Int64("stored_total", d.Stored.Total).
			Int64("actual_total", d.Actual.Total).
			Int64("stored_positive", d.Stored.Positive).
			Int64("actual_positive", d.Actual.Positive).
			Int64("stored_negative", d.Stored.Negative).
			Int64("actual_negative", d.Actual.Negative).
			Msg("aggregate drift repaired")
	}

	rdb := service.NewRedisClient(cfg.RedisURL, log)
	cache := service.NewCacheService(rdb, service.CacheOptions{}, log)
	defer cache.Close()

	ids := make([]string, 0, len(drifts))
	for _, d := range drifts {
		ids = append(ids, d.ItemID)
	}
	cache.InvalidateAggregates(ctx, ids...)

	log.Info().Int("drifted", len(drifts)).Dur("duration", time.Since(start)).Msg("reconcile complete")

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(drifts); err != nil {
			log.Fatal().Err(err).Msg("encode report")
		}
	}
}
