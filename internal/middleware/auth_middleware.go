package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/bookswap-api/internal/utils"
)

// requestTimeout - предел на обращения к хранилищу из одного запроса
const requestTimeout = 5 * time.Second

// AuthMiddleware создаёт middleware для проверки JWT
func AuthMiddleware(jwtService *utils.JWTService) fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing authorization header",
			})
		}

		// Проверяем Bearer токен
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}

		userID, err := jwtService.ExtractUserID(parts[1])
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		if _, err = uuid.Parse(userID); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid user ID",
			})
		}

		c.Locals("userID", userID)
		return c.Next()
	}
}

// UserID возвращает ID пользователя, положенный AuthMiddleware
func UserID(c fiber.Ctx) string {
	id, _ := c.Locals("userID").(string)
	return id
}

// RequestContext возвращает контекст с таймаутом для обращений к хранилищу
func RequestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}
