package swap

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// Виды ошибок обменов. Сравнивать через errors.Is.
var (
	ErrNotFound          = errors.New("предложение обмена не найдено")
	ErrForbidden         = errors.New("действие недоступно этому пользователю")
	ErrInvalidState      = errors.New("переход недопустим в текущем статусе")
	ErrAlreadyResolved   = errors.New("предложение уже рассмотрено")
	ErrDuplicateProposal = errors.New("для этой пары книг уже есть активное предложение")
	ErrBookUnavailable   = errors.New("книга недоступна для обмена")
	ErrMissingField      = errors.New("не заполнены обязательные поля")
)

// fromStore переводит ошибки хранилища в виды ошибок обменов.
// onPrecondition - вид, которым становится проигранная условная запись.
func fromStore(err error, onPrecondition error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrDuplicateProposal
	case errors.Is(err, store.ErrPrecondition):
		return onPrecondition
	}
	return err
}

func missing(fields ...string) error {
	return fmt.Errorf("%w: %v", ErrMissingField, fields)
}

// HTTPStatus возвращает HTTP-код для ошибки обмена
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrDuplicateProposal):
		return fiber.StatusConflict
	case errors.Is(err, ErrBookUnavailable):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, ErrMissingField):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}
