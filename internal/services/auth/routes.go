package auth

import (
	"github.com/gofiber/fiber/v3"
)

// SetupRoutes регистрирует маршруты в Fiber
func (s *AuthService) SetupRoutes(router fiber.Router, auth fiber.Handler) {
	router.Post("/api/auth/telegram", s.TelegramAuthHandler)

	// Защищенные маршруты
	router.Get("/api/profile", auth, s.Profile)
}
