package swap

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// BookTransition - статус, который должны принять книги обмена, и статусы,
// из которых переход допустим
type BookTransition struct {
	To   models.BookStatus
	From []models.BookStatus
}

// BookTransitionFor сопоставляет переход обмена prev -> next со статусом книг.
// false - переход обмена книги не затрагивает.
func BookTransitionFor(prev, next models.SwapStatus) (BookTransition, bool) {
	switch next {
	case models.SwapAccepted:
		return BookTransition{To: models.BookBooked, From: []models.BookStatus{models.BookAvailable}}, true
	case models.SwapCompleted:
		return BookTransition{To: models.BookSwapped, From: []models.BookStatus{models.BookBooked}}, true
	case models.SwapReported:
		return BookTransition{To: models.BookReported, From: []models.BookStatus{models.BookBooked}}, true
	case models.SwapExpired, models.SwapDeclined, models.SwapCancelled:
		switch prev {
		case models.SwapAccepted:
			return BookTransition{To: models.BookAvailable, From: []models.BookStatus{models.BookBooked}}, true
		case models.SwapReported:
			return BookTransition{To: models.BookAvailable, From: []models.BookStatus{models.BookReported}}, true
		}
	}
	return BookTransition{}, false
}

// Coupler приводит статусы книг в соответствие со статусом обмена.
// Каждая книга обновляется отдельной условной записью; повторный вызов безопасен.
type Coupler struct {
	books store.BookRepository
	log   *zap.Logger
}

// NewCoupler создаёт Coupler
func NewCoupler(books store.BookRepository, log *zap.Logger) *Coupler {
	return &Coupler{books: books, log: log}
}

// Apply применяет переход prev -> next к обеим книгам обмена. При завершении
// сначала передаёт владение: offeredBook -> to, requestedBook -> from.
// Возвращает число книг, статус которых изменился. Ошибка по одной книге не
// останавливает обработку второй.
func (c *Coupler) Apply(ctx context.Context, p *models.SwapProposal, prev, next models.SwapStatus) (int, error) {
	tr, ok := BookTransitionFor(prev, next)
	if !ok {
		return 0, nil
	}

	var errs []error
	if next == models.SwapCompleted {
		if err := c.transferOwnership(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}

	changed := 0
	for _, bookID := range p.Books() {
		ok, err := c.ApplyBook(ctx, bookID, tr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

// ApplyBook переводит одну книгу; false - книга уже в целевом статусе или занята иначе
func (c *Coupler) ApplyBook(ctx context.Context, bookID string, tr BookTransition) (bool, error) {
	ok, err := c.books.UpdateStatus(ctx, bookID, tr.To, tr.From...)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "book %s -> %s", bookID, tr.To)
	}
	if !ok {
		c.log.Debug("статус книги не изменён",
			zap.String("book_id", bookID), zap.String("to", string(tr.To)))
	}
	return ok, nil
}

func (c *Coupler) transferOwnership(ctx context.Context, p *models.SwapProposal) error {
	var errs []error
	moves := []struct{ book, from, to string }{
		{p.OfferedBook, p.From, p.To},
		{p.RequestedBook, p.To, p.From},
	}
	for _, m := range moves {
		if _, err := c.books.UpdateOwner(ctx, m.book, m.from, m.to); err != nil {
			errs = append(errs, pkgerrors.Wrapf(err, "transfer book %s", m.book))
		}
	}
	return errors.Join(errs...)
}
