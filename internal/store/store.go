// Package store описывает хранилище книг, пользователей и обменов.
//
// Хранилище не даёт транзакций между документами: каждая операция изменения
// атомарна в пределах одной записи и, где это важно, условна (compare-and-swap
// по текущему статусу). Реализации: memory, db (Postgres), db/mgo (MongoDB).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rajivgeraev/bookswap-api/internal/models"
)

var (
	// ErrNotFound - запись не существует
	ErrNotFound = errors.New("store: not found")
	// ErrConflict - нарушена уникальность (например, активная пара книг уже занята)
	ErrConflict = errors.New("store: conflict")
	// ErrPrecondition - условная запись не применена, состояние уже изменилось
	ErrPrecondition = errors.New("store: precondition failed")
)

// Guard - условие, которое должно выполняться на момент записи
type Guard struct {
	Statuses      []models.SwapStatus
	FromCompleted *bool
	ToCompleted   *bool
	// UpdatedBefore - запись не менялась с этого момента (нулевое значение - без проверки)
	UpdatedBefore time.Time
}

// Matches проверяет условие на текущем состоянии записи
func (g Guard) Matches(p *models.SwapProposal) bool {
	if len(g.Statuses) > 0 {
		ok := false
		for _, s := range g.Statuses {
			if p.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if g.FromCompleted != nil && p.FromCompleted != *g.FromCompleted {
		return false
	}
	if g.ToCompleted != nil && p.ToCompleted != *g.ToCompleted {
		return false
	}
	if !g.UpdatedBefore.IsZero() && !p.UpdatedAt.Before(g.UpdatedBefore) {
		return false
	}
	return true
}

// InStatus - условие на один из статусов
func InStatus(statuses ...models.SwapStatus) Guard {
	return Guard{Statuses: statuses}
}

// ProposalPatch - узкое изменение предложения: пишутся только заданные поля
type ProposalPatch struct {
	Status        *models.SwapStatus
	ToAccepted    *bool
	ToMessage     *string
	FromCompleted *bool
	ToCompleted   *bool
	FromArchived  *bool
	ToArchived    *bool
	AcceptedAt    *time.Time
	CompletedAt   *time.Time
	ReportedAt    *time.Time
	CancelledAt   *time.Time
	ExpiredAt     *time.Time
	UpdatedAt     time.Time
}

// Apply применяет изменение к записи в памяти
func (p ProposalPatch) Apply(sp *models.SwapProposal) {
	if p.Status != nil {
		sp.Status = *p.Status
	}
	if p.ToAccepted != nil {
		sp.ToAccepted = *p.ToAccepted
	}
	if p.ToMessage != nil {
		sp.ToMessage = *p.ToMessage
	}
	if p.FromCompleted != nil {
		sp.FromCompleted = *p.FromCompleted
	}
	if p.ToCompleted != nil {
		sp.ToCompleted = *p.ToCompleted
	}
	if p.FromArchived != nil {
		sp.FromArchived = *p.FromArchived
	}
	if p.ToArchived != nil {
		sp.ToArchived = *p.ToArchived
	}
	if p.AcceptedAt != nil {
		sp.AcceptedAt = timePtr(*p.AcceptedAt)
	}
	if p.CompletedAt != nil {
		sp.CompletedAt = timePtr(*p.CompletedAt)
	}
	if p.ReportedAt != nil {
		sp.ReportedAt = timePtr(*p.ReportedAt)
	}
	if p.CancelledAt != nil {
		sp.CancelledAt = timePtr(*p.CancelledAt)
	}
	if p.ExpiredAt != nil {
		sp.ExpiredAt = timePtr(*p.ExpiredAt)
	}
	if !p.UpdatedAt.IsZero() {
		sp.UpdatedAt = p.UpdatedAt
	}
}

// ProposalFilter - выборка обменов пользователя
type ProposalFilter struct {
	UserID          string
	Role            models.Role // пусто - обе роли
	Status          models.SwapStatus
	IncludeArchived bool
	Limit           int
}

// BookRepository - операции над книгами, нужные обменам
type BookRepository interface {
	Create(ctx context.Context, b *models.Book) error
	FindByID(ctx context.Context, id string) (*models.Book, error)
	// UpdateStatus меняет статус, только если текущий входит в from (пустой from - любой).
	// Возвращает false, если книга уже в целевом статусе или условие не выполнено.
	UpdateStatus(ctx context.Context, id string, to models.BookStatus, from ...models.BookStatus) (bool, error)
	// UpdateOwner переводит книгу новому владельцу, только если текущий владелец - fromOwner
	UpdateOwner(ctx context.Context, id, fromOwner, toOwner string) (bool, error)
	// UpdateStatusByOwner массово меняет статус всех книг владельца из from в to
	UpdateStatusByOwner(ctx context.Context, ownerID string, to models.BookStatus, from ...models.BookStatus) (int, error)
}

// UserRepository - операции над пользователями
type UserRepository interface {
	Create(ctx context.Context, u *models.User) error
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindOrCreateByTelegram(ctx context.Context, u *models.User) (*models.User, error)
	IncrementReportCount(ctx context.Context, id string) (int, error)
	// Flag ставит флаг, только если пользователь ещё не помечен
	Flag(ctx context.Context, id string, until time.Time) (bool, error)
	// Unflag снимает флаг, только если окно истекло к моменту now
	Unflag(ctx context.Context, id string, now time.Time) (bool, error)
	ListFlaggedUntil(ctx context.Context, now time.Time) ([]models.User, error)
	IncrementUnread(ctx context.Context, userID, proposalID string) error
	ResetUnread(ctx context.Context, userID, proposalID string) error
	DeleteUnread(ctx context.Context, userID, proposalID string) error
}

// ProposalRepository - операции над предложениями обмена
type ProposalRepository interface {
	// Create возвращает ErrConflict, если для пары книг уже есть активное предложение
	Create(ctx context.Context, p *models.SwapProposal) error
	FindByID(ctx context.Context, id string) (*models.SwapProposal, error)
	FindActiveByPair(ctx context.Context, bookA, bookB string) (*models.SwapProposal, error)
	List(ctx context.Context, f ProposalFilter) ([]models.SwapProposal, error)
	ListPendingByBook(ctx context.Context, bookID string) ([]models.SwapProposal, error)
	ListStale(ctx context.Context, statuses []models.SwapStatus, updatedBefore time.Time) ([]models.SwapProposal, error)
	ListExpiredBefore(ctx context.Context, before time.Time) ([]models.SwapProposal, error)
	// Update применяет patch, только если запись удовлетворяет guard.
	// ErrNotFound - записи нет, ErrPrecondition - условие не выполнено.
	Update(ctx context.Context, id string, guard Guard, patch ProposalPatch) (*models.SwapProposal, error)
	// Delete удаляет запись, только если она удовлетворяет guard
	Delete(ctx context.Context, id string, guard Guard) error
	CountCreatedBetween(ctx context.Context, from, to time.Time) (map[models.SwapStatus]int, error)
}

// MessageRepository - сообщения чатов обменов
type MessageRepository interface {
	Create(ctx context.Context, m *models.Message) error
	ListByProposal(ctx context.Context, proposalID string, limit int) ([]models.Message, error)
	DeleteByProposal(ctx context.Context, proposalID string) (int, error)
}

// MetricsRepository - суточные срезы
type MetricsRepository interface {
	UpsertDaily(ctx context.Context, m *models.DailyMetrics) error
}

// Store объединяет репозитории одного хранилища
type Store struct {
	Books     BookRepository
	Users     UserRepository
	Proposals ProposalRepository
	Messages  MessageRepository
	Metrics   MetricsRepository

	closer func(context.Context) error
}

// New собирает Store из репозиториев
func New(books BookRepository, users UserRepository, proposals ProposalRepository,
	messages MessageRepository, metrics MetricsRepository, closer func(context.Context) error) *Store {
	return &Store{
		Books:     books,
		Users:     users,
		Proposals: proposals,
		Messages:  messages,
		Metrics:   metrics,
		closer:    closer,
	}
}

// Close освобождает соединения хранилища
func (s *Store) Close(ctx context.Context) error {
	if s.closer == nil {
		return nil
	}
	return s.closer(ctx)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
