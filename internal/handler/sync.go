package handler

import (
	"github.com/gofiber/fiber/v3"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/service"
)

type SyncHandler struct {
	svc *service.SyncService
}

func NewSyncHandler(svc *service.SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

type resyncRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// Resync handles POST /api/votes/sync
func (h *SyncHandler) Resync(c fiber.Ctx) error {
	var req resyncRequest
	if err := c.Bind().JSON(&req); err != nil {
		return middleware.ErrorResponse(c, fiber.StatusBadRequest, model.KindValidation, "Invalid request body")
	}

	resp, err := h.svc.Resync(c.Context(), req.Fingerprint)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(resp)
}

// PublicVotes handles GET /api/votes
func (h *SyncHandler) PublicVotes(c fiber.Ctx) error {
	resp, err := h.svc.PublicVotes(c.Context())
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(resp)
}
