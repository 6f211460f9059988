package handler

import (
	"github.com/gofiber/fiber/v3"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/service"
)

type VoteHandler struct {
	svc *service.VoteService
}

func NewVoteHandler(svc *service.VoteService) *VoteHandler {
	return &VoteHandler{svc: svc}
}

// Submit handles POST /api/votes
func (h *VoteHandler) Submit(c fiber.Ctx) error {
	var req model.VoteRequest
	if err := c.Bind().JSON(&req); err != nil {
		return middleware.ErrorResponse(c, fiber.StatusBadRequest, model.KindValidation, "Invalid request body")
	}

	// The client IP is always the one we observed, never the one sent.
	meta := model.VoteMetadata{IP: c.IP(), UserAgent: c.Get(fiber.HeaderUserAgent)}
	if req.Metadata != nil && req.Metadata.UserAgent != "" {
		meta.UserAgent = req.Metadata.UserAgent
	}
	req.Metadata = &meta

	resp, err := h.svc.Submit(c.Context(), req)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(resp)
}
