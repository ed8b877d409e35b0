package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL - срок жизни токена
const tokenTTL = 24 * time.Hour

// JWTService отвечает за создание и валидацию JWT токенов
type JWTService struct {
	secretKey string
	now       func() time.Time
}

// NewJWTService создаёт новый экземпляр JWTService
func NewJWTService(secretKey string) *JWTService {
	return &JWTService{secretKey: secretKey, now: time.Now}
}

// GenerateToken создаёт JWT токен с ID пользователя
func (s *JWTService) GenerateToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     s.now().Add(tokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secretKey))
}

// ValidateToken проверяет JWT токен
func (s *JWTService) ValidateToken(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("неожиданный метод подписи: %v", token.Header["alg"])
		}
		return []byte(s.secretKey), nil
	}, jwt.WithTimeFunc(s.now))
}

// ExtractUserID проверяет токен и возвращает ID пользователя
func (s *JWTService) ExtractUserID(tokenString string) (string, error) {
	token, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("недействительный токен")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", errors.New("в токене нет user_id")
	}
	return userID, nil
}
