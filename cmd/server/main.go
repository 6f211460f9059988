package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/config"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/db"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/handler"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/metrics"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/realtime"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/repository"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/router"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/service"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		middleware.InitLogger("info", "llm-tracker")
		middleware.Logger.Fatal().Err(err).Msg("invalid configuration")
	}

	middleware.InitLogger(cfg.LogLevel, "llm-tracker")
	log := middleware.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, primary, closeStore := openStore(ctx, cfg)
	defer closeStore()

	metrics.Register(primary)

	rdb := service.NewRedisClient(cfg.RedisURL, log)
	cache := service.NewCacheService(rdb, service.CacheOptions{
		AggregateTTL: cfg.AggregateCacheTTL,
		StatsTTL:     cfg.StatsCacheTTL,
		UserVotesTTL: cfg.UserVotesCacheTTL,
		LocalTTL:     cfg.LocalCacheTTL,
		LocalSize:    cfg.LocalCacheSize,
	}, log)
	defer cache.Close()

	limiter := middleware.NewRateLimiter(rdb, map[string]middleware.Limit{
		middleware.ActionVote:    {Max: cfg.VoteRateLimit, Window: cfg.RateLimitWindow},
		middleware.ActionSync:    {Max: cfg.SyncRateLimit, Window: cfg.RateLimitWindow},
		middleware.ActionStats:   {Max: cfg.StatsRateLimit, Window: cfg.RateLimitWindow},
		middleware.ActionConnect: {Max: cfg.ConnectRateLimit, Window: cfg.RateLimitWindow},
	}, log)

	hub := realtime.NewHub(log)
	broker := realtime.NewBroker(rdb, hub, log)

	fraud := service.NewFraudService(cache, log)
	syncSvc := service.NewSyncService(store, cache, fraud, limiter, log)
	statsWorker := service.NewStatsWorker(syncSvc, broker, cfg.StatsBatchWindow, log)
	rollupWorker := service.NewRollupWorker(store, cfg.RollupInterval, log)
	voteSvc := service.NewVoteService(store, cache, fraud, limiter, broker, statsWorker, service.VoteOptions{
		TxTimeout:           cfg.VoteTxTimeout,
		MaxAttempts:         cfg.VoteMaxAttempts,
		BlockThreshold:      cfg.FraudBlockThreshold,
		RestrictionDuration: cfg.RestrictionDuration,
		IPHashSalt:          cfg.IPHashSalt,
	}, log)

	ws := realtime.NewServer(hub, voteSvc, syncSvc, limiter, cache, realtime.Options{
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
		SendBuffer:   cfg.WSSendBuffer,
	}, log)

	app := fiber.New(fiber.Config{
		AppName:      "LLM Popularity Tracker",
		ServerHeader: "llm-tracker",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  2 * time.Minute,
	})
	router.Setup(app, &router.Handlers{
		Vote:   handler.NewVoteHandler(voteSvc),
		Sync:   handler.NewSyncHandler(syncSvc),
		Stats:  handler.NewStatsHandler(syncSvc),
		Item:   handler.NewItemHandler(syncSvc),
		Health: handler.NewHealthHandler(store, rdb, version),
		WS:     ws.Handler(),
	}, limiter, cfg.CORSOrigins)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broker.Run(gctx) })
	g.Go(func() error { statsWorker.Start(gctx); return nil })
	g.Go(func() error { rollupWorker.Start(gctx); return nil })
	g.Go(func() error { limiter.Run(gctx); return nil })
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Environment).Str("store", cfg.StoreBackend).
			Str("instance", broker.ID()).Msg("server starting")
		return app.Listen(":"+cfg.Port, fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ws.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("websocket sessions did not drain in time")
		}
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// openStore connects the configured backend. For postgres it creates the
// schema, seeds items and opens any read replicas.
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, *pgxpool.Pool, func()) {
	log := middleware.Logger

	if cfg.StoreBackend == config.StoreMemory {
		log.Warn().Msg("using in-memory store, votes are lost on restart")
		return repository.NewMemoryStore(db.DefaultItems()), nil, func() {}
	}

	primary, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Name:     "primary",
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := db.CreateSchema(ctx, primary); err != nil {
		log.Fatal().Err(err).Msg("failed to create schema")
	}
	if cfg.SeedItems {
		n, err := db.SeedItems(ctx, primary, db.DefaultItems())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to seed items")
		}
		log.Info().Int("inserted", n).Msg("items seeded")
	}

	var replicas []*pgxpool.Pool
	for _, url := range cfg.DatabaseReadURLs {
		r, err := db.NewPool(ctx, url, db.PoolOptions{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Name:     "replica",
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("read replica unavailable, skipping")
			continue
		}
		replicas = append(replicas, r)
	}

	closeAll := func() {
		for _, r := range replicas {
			r.Close()
		}
		primary.Close()
	}
	return repository.NewPGStore(primary, replicas, cfg.VoteTxTimeout/2), primary, closeAll
}
