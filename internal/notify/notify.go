// Package notify доставляет структурированные уведомления о событиях обменов.
//
// Ядро передаёт только факты (тип, получатели, ID обмена, статус, данные);
// человекочитаемый текст формируют потребители.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Типы событий
const (
	EventSwapProposed   = "swap.proposed"
	EventSwapAccepted   = "swap.accepted"
	EventSwapDeclined   = "swap.declined"
	EventSwapCompleted  = "swap.completed"
	EventSwapReported   = "swap.reported"
	EventSwapCancelled  = "swap.cancelled"
	EventSwapExpired    = "swap.expired"
	EventUserFlagged    = "user.flagged"
	EventUserUnflagged  = "user.unflagged"
	EventMessageCreated = "message.created"
	EventSweepCompleted = "maintenance.sweep.completed"
)

// Notification - одно уведомление
type Notification struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Recipients []string       `json:"recipients,omitempty"`
	ProposalID string         `json:"proposalId,omitempty"`
	Status     string         `json:"status,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// New создаёт уведомление с новым ID
func New(kind string, occurredAt time.Time, recipients ...string) Notification {
	return Notification{
		ID:         uuid.NewString(),
		Type:       kind,
		Recipients: recipients,
		OccurredAt: occurredAt,
	}
}

// Dispatcher отправляет уведомления дальше
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Multi рассылает уведомление всем получателям и собирает ошибки
type Multi []Dispatcher

// Dispatch реализует Dispatcher
func (m Multi) Dispatch(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Dispatch(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop ничего не делает
type Nop struct{}

// Dispatch реализует Dispatcher
func (Nop) Dispatch(context.Context, Notification) error { return nil }

// Recorder запоминает уведомления, используется в тестах
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

// Dispatch реализует Dispatcher
func (r *Recorder) Dispatch(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent возвращает копию отправленных уведомлений
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// OfType возвращает уведомления заданного типа
func (r *Recorder) OfType(kind string) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}
