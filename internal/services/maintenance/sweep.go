// Package maintenance - периодический обход: разбор давних обменов, снятие
// истёкших блокировок, очистка старых записей и суточный срез.
package maintenance

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rajivgeraev/bookswap-api/internal/lock"
	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/notify"
	"github.com/rajivgeraev/bookswap-api/internal/services/reporting"
	"github.com/rajivgeraev/bookswap-api/internal/services/swap"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

const lockKey = "maintenance:sweep"

// ErrSweepInProgress - обход уже выполняется в другом месте
var ErrSweepInProgress = errors.New("maintenance: sweep already running")

// Config - окна обхода
type Config struct {
	StaleAfter       time.Duration
	ExpiredRetention time.Duration
	Timeout          time.Duration
}

// DefaultConfig: 7 дней до разбора, 30 дней хранения expired
func DefaultConfig() Config {
	return Config{
		StaleAfter:       7 * 24 * time.Hour,
		ExpiredRetention: 30 * 24 * time.Hour,
		Timeout:          10 * time.Minute,
	}
}

// Summary - итог одного обхода
type Summary struct {
	StaleResolved  int                  `json:"staleResolved"`
	Expired        int                  `json:"expired"`
	Deleted        int                  `json:"deleted"`
	UsersUnflagged int                  `json:"usersUnflagged"`
	BooksRestored  int                  `json:"booksRestored"`
	Purged         int                  `json:"purged"`
	RecordErrors   int                  `json:"recordErrors"`
	StartedAt      time.Time            `json:"startedAt"`
	Duration       time.Duration        `json:"duration"`
	Metrics        *models.DailyMetrics `json:"metrics,omitempty"`
}

// Changes - сколько записей изменил обход
func (s Summary) Changes() int {
	return s.StaleResolved + s.UsersUnflagged + s.BooksRestored + s.Purged
}

func (s Summary) fields() map[string]any {
	return map[string]any{
		"staleResolved":  s.StaleResolved,
		"expired":        s.Expired,
		"deleted":        s.Deleted,
		"usersUnflagged": s.UsersUnflagged,
		"booksRestored":  s.BooksRestored,
		"purged":         s.Purged,
		"recordErrors":   s.RecordErrors,
		"startedAt":      s.StartedAt,
		"duration":       s.Duration.String(),
	}
}

// Sweeper выполняет обход. Одновременно в процессе идёт не больше одного
// обхода; между процессами - через Locker.
type Sweeper struct {
	store    *store.Store
	swaps    *swap.Service
	reports  *reporting.Service
	locker   lock.Locker
	notifier notify.Dispatcher
	log      *zap.Logger
	now      func() time.Time
	cfg      Config

	group singleflight.Group
}

// Option настраивает Sweeper
type Option func(*Sweeper)

// WithConfig задаёт окна обхода
func WithConfig(cfg Config) Option {
	return func(s *Sweeper) { s.cfg = cfg }
}

// WithLocker задаёт блокировку между процессами
func WithLocker(l lock.Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithNotifier задаёт диспетчер для итогового уведомления
func WithNotifier(d notify.Dispatcher) Option {
	return func(s *Sweeper) { s.notifier = d }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper создаёт Sweeper
func NewSweeper(st *store.Store, swaps *swap.Service, reports *reporting.Service, log *zap.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    st,
		swaps:    swaps,
		reports:  reports,
		locker:   lock.NewLocalLocker(),
		notifier: notify.Nop{},
		log:      log.Named("maintenance"),
		now:      time.Now,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run выполняет обход. Параллельные вызовы в одном процессе получают
// результат одного и того же обхода.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	v, err, _ := s.group.Do(lockKey, func() (interface{}, error) {
		return s.run(ctx)
	})
	sum, _ := v.(Summary)
	return sum, err
}

func (s *Sweeper) run(ctx context.Context) (Summary, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	ttl := s.cfg.Timeout
	if ttl <= 0 {
		ttl = time.Hour
	}
	release, err := s.locker.Acquire(ctx, lockKey, ttl)
	if errors.Is(err, lock.ErrLocked) {
		return Summary{}, ErrSweepInProgress
	}
	if err != nil {
		return Summary{}, pkgerrors.Wrap(err, "acquire sweep lock")
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			s.log.Warn("не удалось снять блокировку обхода", zap.Error(err))
		}
	}()

	started := time.Now()
	now := s.now()
	sum := Summary{StartedAt: now}

	passes := []struct {
		name string
		fn   func(context.Context, time.Time, *Summary) error
	}{
		{"stale", s.resolveStale},
		{"unflag", s.unflagRecovered},
		{"purge", s.purgeExpired},
	}
	for _, p := range passes {
		if err := p.fn(ctx, now, &sum); err != nil {
			sum.Duration = time.Since(started)
			s.log.Error("обход прерван", zap.String("pass", p.name), zap.Error(err))
			return sum, pkgerrors.Wrapf(err, "sweep pass %s", p.name)
		}
	}
	s.snapshotMetrics(ctx, now, &sum)
	sum.Duration = time.Since(started)

	s.log.Info("обход завершён",
		zap.Int("stale_resolved", sum.StaleResolved),
		zap.Int("expired", sum.Expired),
		zap.Int("deleted", sum.Deleted),
		zap.Int("users_unflagged", sum.UsersUnflagged),
		zap.Int("books_restored", sum.BooksRestored),
		zap.Int("purged", sum.Purged),
		zap.Int("record_errors", sum.RecordErrors),
		zap.Duration("duration", sum.Duration),
	)
	note := notify.New(notify.EventSweepCompleted, now)
	note.Data = sum.fields()
	if err := s.notifier.Dispatch(ctx, note); err != nil {
		s.log.Warn("не удалось отправить итог обхода", zap.Error(err))
	}
	return sum, nil
}

func (s *Sweeper) resolveStale(ctx context.Context, now time.Time, sum *Summary) error {
	stale, err := s.store.Proposals.ListStale(ctx, swap.StaleStatuses, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		return err
	}
	for i := range stale {
		p := &stale[i]
		res, err := s.swaps.ResolveStale(ctx, p)
		switch res.Action {
		case swap.ActionExpired:
			sum.Expired++
			sum.StaleResolved++
		case swap.ActionDeleted:
			sum.Deleted++
			sum.StaleResolved++
		}
		sum.BooksRestored += res.BooksRestored
		if err != nil {
			sum.RecordErrors++
			s.log.Warn("ошибка разбора предложения",
				zap.String("proposal_id", p.ID), zap.String("status", string(p.Status)), zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sweeper) unflagRecovered(ctx context.Context, now time.Time, sum *Summary) error {
	users, err := s.store.Users.ListFlaggedUntil(ctx, now)
	if err != nil {
		return err
	}
	for i := range users {
		u := &users[i]
		res, err := s.reports.Recover(ctx, u)
		if res.Unflagged {
			sum.UsersUnflagged++
		}
		sum.BooksRestored += res.BooksRestored
		if err != nil {
			sum.RecordErrors++
			s.log.Warn("ошибка снятия блокировки", zap.String("user_id", u.ID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sweeper) purgeExpired(ctx context.Context, now time.Time, sum *Summary) error {
	expired, err := s.store.Proposals.ListExpiredBefore(ctx, now.Add(-s.cfg.ExpiredRetention))
	if err != nil {
		return err
	}
	for i := range expired {
		p := &expired[i]
		purged, err := s.swaps.Purge(ctx, p)
		if purged {
			sum.Purged++
		}
		if err != nil {
			sum.RecordErrors++
			s.log.Warn("ошибка удаления предложения", zap.String("proposal_id", p.ID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// snapshotMetrics сохраняет срез за предыдущие сутки UTC. Запись по дате
// перезаписывается, поэтому повторный обход её не дублирует.
func (s *Sweeper) snapshotMetrics(ctx context.Context, now time.Time, sum *Summary) {
	end := now.UTC().Truncate(24 * time.Hour)
	start := end.Add(-24 * time.Hour)

	counts, err := s.store.Proposals.CountCreatedBetween(ctx, start, end)
	if err != nil {
		s.log.Warn("не удалось посчитать метрики", zap.Error(err))
		return
	}
	m := &models.DailyMetrics{
		Day:       start.Format("2006-01-02"),
		ByStatus:  make(map[string]int, len(counts)),
		CreatedAt: now,
	}
	for status, n := range counts {
		m.ByStatus[string(status)] = n
		m.ProposalsCreated += n
	}
	if err := s.store.Metrics.UpsertDaily(ctx, m); err != nil {
		s.log.Warn("не удалось сохранить метрики", zap.String("day", m.Day), zap.Error(err))
		return
	}
	sum.Metrics = m
}
