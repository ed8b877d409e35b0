package chat

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/middleware"
	"github.com/rajivgeraev/bookswap-api/internal/services/swap"
)

// GetUnread возвращает счётчики непрочитанного по обменам
func (s *ChatService) GetUnread(c fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	ctx, cancel := middleware.RequestContext()
	defer cancel()

	counts, err := s.Unread(ctx, userID)
	if err != nil {
		return s.replyError(c, err)
	}
	return c.JSON(fiber.Map{"unread": counts, "total": counts.Total()})
}

// GetChatMessages возвращает сообщения обмена
func (s *ChatService) GetChatMessages(c fiber.Ctx) error {
	ctx, cancel := middleware.RequestContext()
	defer cancel()

	msgs, err := s.ListMessages(ctx, c.Params("id"), middleware.UserID(c))
	if err != nil {
		return s.replyError(c, err)
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

// PostMessage отправляет сообщение в чат обмена
func (s *ChatService) PostMessage(c fiber.Ctx) error {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	ctx, cancel := middleware.RequestContext()
	defer cancel()

	m, err := s.SendMessage(ctx, c.Params("id"), middleware.UserID(c), body.Text)
	if err != nil {
		return s.replyError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": m, "success": true})
}

func (s *ChatService) replyError(c fiber.Ctx, err error) error {
	if errors.Is(err, ErrChatClosed) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	if errors.Is(err, ErrMessageTooLong) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	code := swap.HTTPStatus(err)
	if code == fiber.StatusInternalServerError {
		s.log.Error("ошибка чата", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(code).JSON(fiber.Map{"error": "Ошибка базы данных"})
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// SetupRoutes настраивает маршруты для API чатов
func (s *ChatService) SetupRoutes(router fiber.Router, auth, gate fiber.Handler) {
	api := router.Group("/api/chats", auth, gate)

	api.Get("/unread", s.GetUnread)
	api.Get("/:id/messages", s.GetChatMessages)
	api.Post("/:id/messages", s.PostMessage)
}
