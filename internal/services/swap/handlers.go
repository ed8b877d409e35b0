package swap

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/middleware"
	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// CreateSwap создаёт предложение обмена
func (s *Service) CreateSwap(c fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	var in ProposeInput
	if err := c.Bind().Body(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}
	in.From = userID

	ctx, cancel := middleware.RequestContext()
	defer cancel()

	p, err := s.Propose(ctx, in)
	if err != nil {
		return s.replyError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

// GetMySwaps возвращает обмены пользователя.
// ?role=incoming|outgoing, ?status=..., ?archived=true
func (s *Service) GetMySwaps(c fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	f := store.ProposalFilter{
		UserID: userID,
		Status: models.SwapStatus(c.Query("status")),
	}
	switch c.Query("role", "all") {
	case "incoming":
		f.Role = models.RoleTo
	case "outgoing":
		f.Role = models.RoleFrom
	case "all":
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверное значение role"})
	}
	f.IncludeArchived, _ = strconv.ParseBool(c.Query("archived", "false"))
	f.Limit, _ = strconv.Atoi(c.Query("limit", "50"))

	ctx, cancel := middleware.RequestContext()
	defer cancel()

	swaps, err := s.List(ctx, f)
	if err != nil {
		return s.replyError(c, err)
	}
	return c.JSON(fiber.Map{"swaps": swaps})
}

// GetSwap возвращает одно предложение
func (s *Service) GetSwap(c fiber.Ctx) error {
	ctx, cancel := middleware.RequestContext()
	defer cancel()

	p, err := s.Get(ctx, c.Params("id"), middleware.UserID(c))
	if err != nil {
		return s.replyError(c, err)
	}
	return c.JSON(p)
}

// RespondSwap - ответ получателя: {"decision": "accept"|"decline", "message": "..."}
func (s *Service) RespondSwap(c fiber.Ctx) error {
	var body struct {
		Decision Decision `json:"decision"`
		Message  string   `json:"message"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	ctx, cancel := middleware.RequestContext()
	defer cancel()

	p, err := s.Respond(ctx, c.Params("id"), middleware.UserID(c), body.Decision, body.Message)
	if err != nil {
		return s.replyError(c, err)
	}
	return c.JSON(p)
}

// CompleteSwap - подтверждение обмена участником
func (s *Service) CompleteSwap(c fiber.Ctx) error {
	ctx, cancel := middleware.RequestContext()
	defer cancel()

	p, err := s.MarkCompleted(ctx, c.Params("id"), middleware.UserID(c))
	if err != nil {
		return s.replyError(c, err)
	}
	return c.JSON(p)
}

// ArchiveSwap - {"archived": true|false}
func (s *Service) ArchiveSwap(c fiber.Ctx) error {
	var body struct {
		Archived *bool `json:"archived"`
	}
	if err := c.Bind().Body(&body); err != nil || body.Archived == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Необходимо указать archived"})
	}

	ctx, cancel := middleware.RequestContext()
	defer cancel()

	p, err := s.Archive(ctx, c.Params("id"), middleware.UserID(c), *body.Archived)
	if err != nil {
		return s.replyError(c, err)
	}
	return c.JSON(p)
}

// ReportSwap - жалоба на второго участника
func (s *Service) ReportSwap(c fiber.Ctx) error {
	ctx, cancel := middleware.RequestContext()
	defer cancel()

	p, err := s.Report(ctx, c.Params("id"), middleware.UserID(c))
	if err != nil {
		return s.replyError(c, err)
	}
	return c.JSON(p)
}

// CancelSwap - отзыв предложения отправителем
func (s *Service) CancelSwap(c fiber.Ctx) error {
	ctx, cancel := middleware.RequestContext()
	defer cancel()

	p, err := s.Cancel(ctx, c.Params("id"), middleware.UserID(c))
	if err != nil {
		return s.replyError(c, err)
	}
	return c.JSON(p)
}

func (s *Service) replyError(c fiber.Ctx, err error) error {
	code := HTTPStatus(err)
	if code == fiber.StatusInternalServerError {
		s.log.Error("ошибка обработки обмена", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(code).JSON(fiber.Map{"error": "Ошибка базы данных"})
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
