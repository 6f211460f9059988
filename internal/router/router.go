package router

import (
	"github.com/gofiber/fiber/v3"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/handler"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
)

// Handlers holds all handler instances needed by the router.
type Handlers struct {
	Vote   *handler.VoteHandler
	Sync   *handler.SyncHandler
	Stats  *handler.StatsHandler
	Item   *handler.ItemHandler
	Health *handler.HealthHandler
	// WS upgrades /ws to the real-time channel. Nil disables it.
	WS fiber.Handler
}

// Setup configures the middleware stack and all API routes on the given Fiber app.
// Votes and resyncs are limited per fingerprint inside the services; the read
// endpoints are limited per IP here.
func Setup(app *fiber.App, h *Handlers, limiter *middleware.RateLimiter, corsOrigins string) {
	// Middleware stack (order matters)
	app.Use(recoverer.New())
	app.Use(middleware.NewRequestLogger())
	app.Use(middleware.NewCORS(corsOrigins))
	app.Use(handler.MetricsMiddleware())

	app.Get("/health/live", h.Health.Live)
	app.Get("/health/ready", h.Health.Ready)
	app.Get("/metrics", handler.MetricsHandler())

	readLimit := limiter.Handler(middleware.ActionStats, middleware.KeyByIP)

	api := app.Group("/api")

	// Vote routes
	api.Post("/votes", h.Vote.Submit)
	api.Post("/votes/sync", h.Sync.Resync)
	api.Get("/votes", readLimit, h.Sync.PublicVotes)

	// Stats routes
	api.Get("/stats", readLimit, h.Stats.GetStats)
	api.Get("/stats/rollups", readLimit, h.Stats.Rollups)

	// Item routes
	api.Get("/items", readLimit, h.Item.List)
	api.Get("/items/:itemId", readLimit, h.Item.Get)

	if h.WS != nil {
		app.Get("/ws", h.WS)
	}
}
