package auth

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	initdata "github.com/telegram-mini-apps/init-data-golang"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/config"
	"github.com/rajivgeraev/bookswap-api/internal/middleware"
	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
	"github.com/rajivgeraev/bookswap-api/internal/utils"
)

// initDataTTL - сколько живут данные запуска Mini App
const initDataTTL = 24 * time.Hour

// AuthService – структура для обработки авторизации
type AuthService struct {
	cfg        *config.Config
	users      store.UserRepository
	jwtService *utils.JWTService
	log        *zap.Logger
}

// NewAuthService – конструктор AuthService
func NewAuthService(cfg *config.Config, users store.UserRepository, jwtService *utils.JWTService, log *zap.Logger) *AuthService {
	return &AuthService{
		cfg:        cfg,
		users:      users,
		jwtService: jwtService,
		log:        log.Named("auth"),
	}
}

// Login находит или заводит пользователя по данным Telegram и выдаёт JWT
func (s *AuthService) Login(ctx context.Context, tg initdata.User) (*models.User, string, error) {
	user, err := s.users.FindOrCreateByTelegram(ctx, &models.User{
		ID:         uuid.NewString(),
		TelegramID: tg.ID,
		Username:   tg.Username,
		FirstName:  tg.FirstName,
		LastName:   tg.LastName,
		AvatarURL:  tg.PhotoURL,
	})
	if err != nil {
		return nil, "", err
	}

	token, err := s.jwtService.GenerateToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// TelegramAuthHandler проверяет initData, создает JWT и возвращает его
func (s *AuthService) TelegramAuthHandler(c fiber.Ctx) error {
	var payload struct {
		InitData string `json:"init_data"`
	}

	if err := c.Bind().Body(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	}

	// Проверяем initData
	if err := initdata.Validate(payload.InitData, s.cfg.TelegramBotToken, initDataTTL); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid Telegram data"})
	}

	// Парсим данные
	data, err := initdata.Parse(payload.InitData)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Failed to parse initData"})
	}

	ctx, cancel := middleware.RequestContext()
	defer cancel()

	user, token, err := s.Login(ctx, data.User)
	if err != nil {
		s.log.Error("ошибка авторизации", zap.Int64("telegram_id", data.User.ID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to generate JWT"})
	}

	return c.JSON(fiber.Map{
		"token": token,
		"user":  user,
	})
}

// Profile возвращает текущего пользователя вместе с состоянием модерации
func (s *AuthService) Profile(c fiber.Ctx) error {
	ctx, cancel := middleware.RequestContext()
	defer cancel()

	user, err := s.users.FindByID(ctx, middleware.UserID(c))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Пользователь не найден"})
	}
	return c.JSON(fiber.Map{
		"user":      user,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
