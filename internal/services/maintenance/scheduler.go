package maintenance

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler запускает обход по cron-расписанию. Тик, пришедший во время
// незавершённого обхода, пропускается.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	log     *zap.Logger
	entry   cron.EntryID
}

// NewScheduler создаёт планировщик для расписания вида "0 3 * * *"
func NewScheduler(schedule string, sweeper *Sweeper, log *zap.Logger) (*Scheduler, error) {
	log = log.Named("scheduler")
	cl := cronLogger{log.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &Scheduler{cron: c, sweeper: sweeper, log: log}

	id, err := c.AddFunc(schedule, s.tick)
	if err != nil {
		return nil, err
	}
	s.entry = id
	return s, nil
}

func (s *Scheduler) tick() {
	_, err := s.sweeper.Run(context.Background())
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.log.Info("обход уже выполняется, тик пропущен")
	case err != nil:
		// следующий тик начнёт обход заново
		s.log.Error("обход завершился ошибкой", zap.Error(err))
	}
}

// Start запускает планировщик в фоне
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("планировщик обхода запущен", zap.Time("next", s.cron.Entry(s.entry).Next))
}

// Stop останавливает планировщик; контекст завершается, когда текущий обход закончен
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// cronLogger - адаптер zap для cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
