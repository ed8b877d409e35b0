package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogDispatcher пишет уведомления в лог
type LogDispatcher struct {
	log *zap.Logger
}

// NewLogDispatcher создаёт LogDispatcher
func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.Named("notify")}
}

// Dispatch реализует Dispatcher
func (d *LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.log.Info("уведомление",
		zap.String("id", n.ID),
		zap.String("type", n.Type),
		zap.Strings("recipients", n.Recipients),
		zap.String("proposal_id", n.ProposalID),
		zap.String("status", n.Status),
		zap.Any("data", n.Data),
	)
	return nil
}
