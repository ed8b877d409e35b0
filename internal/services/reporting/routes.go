package reporting

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/middleware"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// GetMyFlag возвращает актуальное состояние блокировки текущего пользователя
func (s *Service) GetMyFlag(c fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	ctx, cancel := middleware.RequestContext()
	defer cancel()

	state, err := s.FlagState(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Пользователь не найден"})
		}
		s.log.Error("ошибка чтения блокировки", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка базы данных"})
	}
	return c.JSON(state)
}

// SetupRoutes настраивает маршруты состояния блокировки
func (s *Service) SetupRoutes(router fiber.Router, auth fiber.Handler) {
	api := router.Group("/api/users/me", auth)
	api.Get("/flag", s.GetMyFlag)
}
