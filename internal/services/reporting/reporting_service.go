// Package reporting ведёт учёт жалоб, блокирует пользователей по порогу
// и снимает блокировку по истечении окна.
package reporting

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/notify"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// Policy - порог жалоб и длительность блокировки
type Policy struct {
	Threshold    int
	FlagDuration time.Duration
}

// DefaultPolicy: пять жалоб, блокировка на семь дней
func DefaultPolicy() Policy {
	return Policy{Threshold: 5, FlagDuration: 7 * 24 * time.Hour}
}

// quarantinable - статусы книг, которые уходят в карантин при блокировке
var quarantinable = []models.BookStatus{models.BookAvailable, models.BookBooked, models.BookSwapped}

// ReportOutcome - результат учёта жалобы
type ReportOutcome struct {
	ReportedCount int
	Flagged       bool // блокировка поставлена этой жалобой
	Quarantined   int
}

// Recovery - результат снятия блокировки
type Recovery struct {
	Unflagged     bool
	BooksRestored int
}

// FlagState - состояние блокировки для клиента
type FlagState struct {
	IsFlagged     bool       `json:"isFlagged"`
	FlaggedUntil  *time.Time `json:"flaggedUntil"`
	ReportedCount int        `json:"reportedCount"`
	Suspended     bool       `json:"suspended"`
}

// Service - подсистема жалоб и блокировок
type Service struct {
	users    store.UserRepository
	books    store.BookRepository
	policy   Policy
	notifier notify.Dispatcher
	log      *zap.Logger
	now      func() time.Time
}

// Option настраивает Service
type Option func(*Service)

// WithPolicy задаёт порог и окно блокировки
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithNotifier задаёт диспетчер уведомлений
func WithNotifier(d notify.Dispatcher) Option {
	return func(s *Service) { s.notifier = d }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт Service
func NewService(st *store.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		users:    st.Users,
		books:    st.Books,
		policy:   DefaultPolicy(),
		notifier: notify.Nop{},
		log:      log.Named("reporting"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordReport засчитывает жалобу на пользователя. При достижении порога
// пользователь блокируется (только если ещё не заблокирован), а все его книги
// уходят в карантин.
func (s *Service) RecordReport(ctx context.Context, userID string) (ReportOutcome, error) {
	count, err := s.users.IncrementReportCount(ctx, userID)
	if err != nil {
		return ReportOutcome{}, errors.Wrap(err, "increment report count")
	}
	out := ReportOutcome{ReportedCount: count}
	if count < s.policy.Threshold {
		return out, nil
	}

	now := s.now()
	until := now.Add(s.policy.FlagDuration)
	flagged, err := s.users.Flag(ctx, userID, until)
	if err != nil {
		return out, errors.Wrap(err, "flag user")
	}
	out.Flagged = flagged

	n, err := s.Quarantine(ctx, userID)
	out.Quarantined = n
	if err != nil {
		return out, err
	}

	if flagged {
		s.log.Info("пользователь заблокирован",
			zap.String("user_id", userID), zap.Int("reported_count", count),
			zap.Time("flagged_until", until), zap.Int("books_quarantined", n))
		note := notify.New(notify.EventUserFlagged, now, userID)
		note.Data = map[string]any{"flaggedUntil": until, "reportedCount": count}
		s.dispatch(ctx, note)
	}
	return out, nil
}

// Quarantine переводит все не удалённые книги пользователя в reported
func (s *Service) Quarantine(ctx context.Context, userID string) (int, error) {
	n, err := s.books.UpdateStatusByOwner(ctx, userID, models.BookReported, quarantinable...)
	if err != nil {
		return n, errors.Wrap(err, "quarantine books")
	}
	return n, nil
}

// Recover снимает блокировку, если окно истекло к текущему моменту.
// Сначала возвращает книги из карантина, затем условно снимает флаг: если
// снятие флага не удалось, следующий обход повторит обе операции.
func (s *Service) Recover(ctx context.Context, u *models.User) (Recovery, error) {
	now := s.now()
	if !u.CanRecover(now) {
		return Recovery{}, nil
	}

	restored, err := s.books.UpdateStatusByOwner(ctx, u.ID, models.BookAvailable, models.BookReported)
	if err != nil {
		return Recovery{}, errors.Wrap(err, "restore books")
	}
	unflagged, err := s.users.Unflag(ctx, u.ID, now)
	if err != nil {
		return Recovery{BooksRestored: restored}, errors.Wrap(err, "unflag user")
	}
	if unflagged {
		s.log.Info("блокировка снята",
			zap.String("user_id", u.ID), zap.Int("books_restored", restored))
		s.dispatch(ctx, notify.New(notify.EventUserUnflagged, now, u.ID))
	}
	return Recovery{Unflagged: unflagged, BooksRestored: restored}, nil
}

// FlagState читает состояние блокировки. Блокировку не снимает, даже если
// окно уже истекло: это делает только обход обслуживания.
func (s *Service) FlagState(ctx context.Context, userID string) (FlagState, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return FlagState{}, err
	}
	return FlagState{
		IsFlagged:     u.IsFlagged,
		FlaggedUntil:  u.FlaggedUntil,
		ReportedCount: u.ReportedCount,
		Suspended:     u.IsSuspended(s.now()),
	}, nil
}

func (s *Service) dispatch(ctx context.Context, n notify.Notification) {
	if err := s.notifier.Dispatch(ctx, n); err != nil {
		s.log.Warn("не удалось отправить уведомление", zap.String("type", n.Type), zap.Error(err))
	}
}
