package swap

import (
	"github.com/gofiber/fiber/v3"
)

// SetupRoutes настраивает маршруты для API обменов.
// gate отсекает изменяющие запросы заблокированных пользователей.
func (s *Service) SetupRoutes(router fiber.Router, auth, gate fiber.Handler) {
	api := router.Group("/api/swaps", auth, gate)

	api.Post("/", s.CreateSwap)
	api.Get("/", s.GetMySwaps)
	api.Get("/:id", s.GetSwap)

	api.Post("/:id/respond", s.RespondSwap)
	api.Post("/:id/complete", s.CompleteSwap)
	api.Post("/:id/report", s.ReportSwap)
	api.Post("/:id/cancel", s.CancelSwap)
	api.Put("/:id/archive", s.ArchiveSwap)
}
