package handler

import (
	"github.com/gofiber/fiber/v3"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/service"
)

type ItemHandler struct {
	svc *service.SyncService
}

func NewItemHandler(svc *service.SyncService) *ItemHandler {
	return &ItemHandler{svc: svc}
}

// List handles GET /api/items
func (h *ItemHandler) List(c fiber.Ctx) error {
	items, err := h.svc.Items(c.Context())
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(fiber.Map{"items": items})
}

// Get handles GET /api/items/:itemId
func (h *ItemHandler) Get(c fiber.Ctx) error {
	item, err := h.svc.Item(c.Context(), c.Params("itemId"))
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(item)
}
