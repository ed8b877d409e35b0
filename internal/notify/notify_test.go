package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakePublisher) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

type failing struct{}

func (failing) Dispatch(context.Context, Notification) error { return errors.New("boom") }

func TestNATSDispatcherPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	d := newNATSDispatcher(pub, "bookswap.")

	n := New(EventSwapAccepted, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "alice")
	n.ProposalID = "p1"
	n.Status = "accepted"
	require.NoError(t, d.Dispatch(context.Background(), n))

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "bookswap.swap.accepted", msg.Subject)
	assert.Equal(t, n.ID, msg.Header.Get("Nats-Msg-Id"))

	var got Notification
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, n.ProposalID, got.ProposalID)
	assert.Equal(t, []string{"alice"}, got.Recipients)
}

func TestNATSDispatcherWrapsErrors(t *testing.T) {
	d := newNATSDispatcher(&fakePublisher{err: nats.ErrConnectionClosed}, "")
	err := d.Dispatch(context.Background(), New(EventSwapDeclined, time.Now()))
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
	assert.Equal(t, "swap.declined", d.Subject(EventSwapDeclined))
}

func TestMultiDeliversToAll(t *testing.T) {
	rec := &Recorder{}
	m := Multi{failing{}, nil, rec, NewLogDispatcher(zap.NewNop())}

	err := m.Dispatch(context.Background(), New(EventUserFlagged, time.Now(), "bob"))
	assert.Error(t, err)
	assert.Len(t, rec.OfType(EventUserFlagged), 1)
	assert.Empty(t, rec.OfType(EventUserUnflagged))
}
