package middleware

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// FlagGate не пускает к изменяющим операциям пользователей с действующей блокировкой.
// Ставится после AuthMiddleware.
func FlagGate(users store.UserRepository, now func() time.Time) fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead {
			return c.Next()
		}

		userID := UserID(c)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
		}

		ctx, cancel := RequestContext()
		defer cancel()

		u, err := users.FindByID(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не найден"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка базы данных"})
		}
		if u.IsSuspended(now()) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":        "Аккаунт временно заблокирован",
				"flaggedUntil": u.FlaggedUntil,
			})
		}
		return c.Next()
	}
}
