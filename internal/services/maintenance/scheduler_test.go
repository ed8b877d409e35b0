package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/notify"
)

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	e := newEnv(t)
	_, err := NewScheduler("every day", e.sweeper, zap.NewNop())
	assert.Error(t, err)
}

func TestSchedulerTickRunsSweep(t *testing.T) {
	e := newEnv(t)
	s, err := NewScheduler("0 3 * * *", e.sweeper, zap.NewNop())
	require.NoError(t, err)

	s.Start()
	s.tick()
	<-s.Stop().Done()

	assert.Len(t, e.rec.OfType(notify.EventSweepCompleted), 1)
}

func TestSchedulerTickToleratesLockedSweep(t *testing.T) {
	e := newEnv(t)
	release, err := e.locker.Acquire(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	s, err := NewScheduler("@every 1h", e.sweeper, zap.NewNop())
	require.NoError(t, err)
	s.tick()
	assert.Empty(t, e.rec.OfType(notify.EventSweepCompleted))
}
