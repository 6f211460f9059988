package handler

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/repository"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/service"
)

type StatsHandler struct {
	svc *service.SyncService
}

func NewStatsHandler(svc *service.SyncService) *StatsHandler {
	return &StatsHandler{svc: svc}
}

// GetStats handles GET /api/stats
func (h *StatsHandler) GetStats(c fiber.Ctx) error {
	stats, err := h.svc.StatsView(c.Context())
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(stats)
}

// Rollups handles GET /api/stats/rollups?granularity=hour|day&since=RFC3339&itemId=&limit=
func (h *StatsHandler) Rollups(c fiber.Ctx) error {
	f := repository.RollupFilter{
		Granularity: fiber.Query[string](c, "granularity"),
		ItemID:      fiber.Query[string](c, "itemId"),
		Limit:       fiber.Query[int](c, "limit"),
	}

	if sinceStr := fiber.Query[string](c, "since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return middleware.ErrorResponse(c, fiber.StatusBadRequest, model.KindValidation,
				"since must be a valid RFC3339 timestamp")
		}
		f.Since = since
	}

	rollups, err := h.svc.Rollups(c.Context(), f)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(fiber.Map{
		"granularity": f.Granularity,
		"rollups":     rollups,
	})
}
