package swap

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/notify"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// StaleStatuses - статусы, которые обход разбирает по давности
var StaleStatuses = []models.SwapStatus{
	models.SwapPending,
	models.SwapAccepted,
	models.SwapReported,
	models.SwapCancelled,
	models.SwapDeclined,
}

// Action - чем закончился разбор предложения
type Action string

const (
	ActionExpired Action = "expired"
	ActionDeleted Action = "deleted"
	// ActionSkipped - предложение изменилось после выборки, запись не применена
	ActionSkipped Action = "skipped"
)

// Resolution - результат разбора одного предложения
type Resolution struct {
	Action        Action
	BooksRestored int
}

// ResolveStale разбирает давно не менявшееся предложение по его статусу.
// Условие записи включает и статус, и отсутствие изменений после p.UpdatedAt,
// поэтому параллельное действие пользователя побеждает обход.
//
// reported удаляется без перехода в expired: книги освобождаются, запись
// и её чат стираются.
func (s *Service) ResolveStale(ctx context.Context, p *models.SwapProposal) (Resolution, error) {
	switch p.Status {
	case models.SwapReported:
		return s.resolveReported(ctx, p)
	case models.SwapCancelled:
		return s.deleteProposal(ctx, p, models.SwapCancelled)
	case models.SwapPending, models.SwapAccepted, models.SwapDeclined:
		return s.Expire(ctx, p)
	}
	return Resolution{}, fmt.Errorf("статус %q не разбирается обходом", p.Status)
}

// Expire переводит предложение в expired. Для принятого обмена книги
// сначала возвращаются из booked в available, и только после этого
// меняется статус: при ошибке предложение остаётся давним и следующий обход
// повторяет разбор. pending и declined книг не касаются.
func (s *Service) Expire(ctx context.Context, p *models.SwapProposal) (Resolution, error) {
	tr, moves := BookTransitionFor(p.Status, models.SwapExpired)
	var released []string
	if moves {
		var err error
		released, err = s.releaseBooks(ctx, p, tr, false)
		if err != nil {
			s.undoRelease(ctx, p, tr, released)
			return Resolution{}, pkgerrors.Wrapf(err, "release books of %s", p.ID)
		}
	}

	now := s.now()
	status := models.SwapExpired
	updated, err := s.store.Proposals.Update(ctx, p.ID, staleGuard(p),
		store.ProposalPatch{Status: &status, ExpiredAt: &now, UpdatedAt: now})
	if errors.Is(err, store.ErrPrecondition) || errors.Is(err, store.ErrNotFound) {
		s.undoRelease(ctx, p, tr, released)
		return Resolution{Action: ActionSkipped}, nil
	}
	if err != nil {
		s.undoRelease(ctx, p, tr, released)
		return Resolution{}, pkgerrors.Wrapf(err, "expire %s", p.ID)
	}

	if p.Status.IsActive() {
		s.notify(ctx, updated, notify.EventSwapExpired, updated.From, updated.To)
	}
	return Resolution{Action: ActionExpired, BooksRestored: len(released)}, nil
}

// resolveReported освобождает книги и удаляет запись, только если все книги
// освобождены. Книги владельца с действующей блокировкой остаются в reported
// до снятия блокировки.
func (s *Service) resolveReported(ctx context.Context, p *models.SwapProposal) (Resolution, error) {
	tr, _ := BookTransitionFor(models.SwapReported, models.SwapExpired)
	released, err := s.releaseBooks(ctx, p, tr, true)
	if err != nil {
		s.undoRelease(ctx, p, tr, released)
		return Resolution{}, err
	}

	res, err := s.deleteProposal(ctx, p, models.SwapReported)
	if res.Action != ActionDeleted {
		s.undoRelease(ctx, p, tr, released)
		return res, err
	}
	res.BooksRestored = len(released)
	return res, err
}

// releaseBooks переводит книги обмена по tr. Отсутствующая книга и книга,
// уже не в исходном статусе, ошибкой не считаются. Возвращает книги, статус
// которых изменён, в том числе при ошибке.
func (s *Service) releaseBooks(ctx context.Context, p *models.SwapProposal, tr BookTransition, keepFlagged bool) ([]string, error) {
	var released []string
	for _, bookID := range p.Books() {
		book, err := s.store.Books.FindByID(ctx, bookID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return released, pkgerrors.Wrapf(err, "load book %s", bookID)
		}
		if keepFlagged {
			owner, err := s.store.Users.FindByID(ctx, book.UserID)
			if err == nil && owner.IsFlagged {
				s.log.Debug("книга заблокированного владельца остаётся в карантине",
					zap.String("book_id", bookID), zap.String("user_id", owner.ID))
				continue
			}
		}
		ok, err := s.coupler.ApplyBook(ctx, bookID, tr)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, bookID)
		}
	}
	return released, nil
}

// undoRelease возвращает освобождённые книги в исходный статус, если
// изменение предложения не состоялось
func (s *Service) undoRelease(ctx context.Context, p *models.SwapProposal, tr BookTransition, released []string) {
	if len(released) == 0 {
		return
	}
	back := BookTransition{To: tr.From[0], From: []models.BookStatus{tr.To}}
	for _, bookID := range released {
		if _, err := s.coupler.ApplyBook(ctx, bookID, back); err != nil {
			s.log.Error("не удалось вернуть статус книги", zap.String("proposal_id", p.ID),
				zap.String("book_id", bookID), zap.Error(err))
		}
	}
	s.reconcile(ctx, p.ID, p.Status)
}

func (s *Service) deleteProposal(ctx context.Context, p *models.SwapProposal, status models.SwapStatus) (Resolution, error) {
	err := s.store.Proposals.Delete(ctx, p.ID, store.Guard{
		Statuses:      []models.SwapStatus{status},
		UpdatedBefore: p.UpdatedAt.Add(1),
	})
	if errors.Is(err, store.ErrPrecondition) || errors.Is(err, store.ErrNotFound) {
		return Resolution{Action: ActionSkipped}, nil
	}
	if err != nil {
		return Resolution{}, pkgerrors.Wrapf(err, "delete %s", p.ID)
	}
	return Resolution{Action: ActionDeleted}, s.CleanupArtifacts(ctx, p)
}

// Purge окончательно удаляет предложение в статусе expired вместе с чатом
func (s *Service) Purge(ctx context.Context, p *models.SwapProposal) (bool, error) {
	res, err := s.deleteProposal(ctx, p, models.SwapExpired)
	return res.Action == ActionDeleted, err
}

// CleanupArtifacts удаляет сообщения обмена и счётчики непрочитанного у участников
func (s *Service) CleanupArtifacts(ctx context.Context, p *models.SwapProposal) error {
	var errs []error
	if _, err := s.store.Messages.DeleteByProposal(ctx, p.ID); err != nil {
		errs = append(errs, pkgerrors.Wrapf(err, "delete messages of %s", p.ID))
	}
	for _, userID := range []string{p.From, p.To} {
		err := s.store.Users.DeleteUnread(ctx, userID, p.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, pkgerrors.Wrapf(err, "delete unread of %s", userID))
		}
	}
	return errors.Join(errs...)
}

// staleGuard - запись применяется, только если предложение всё ещё в том
// статусе и с той же отметкой изменения, что и при выборке
func staleGuard(p *models.SwapProposal) store.Guard {
	return store.Guard{
		Statuses:      []models.SwapStatus{p.Status},
		UpdatedBefore: p.UpdatedAt.Add(1),
	}
}
