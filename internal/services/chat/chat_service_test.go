package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/notify"
	"github.com/rajivgeraev/bookswap-api/internal/services/swap"
	"github.com/rajivgeraev/bookswap-api/internal/store"
	"github.com/rajivgeraev/bookswap-api/internal/store/memory"
)

func setup(t *testing.T, status models.SwapStatus) (*ChatService, *store.Store, *notify.Recorder) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	for _, u := range []string{"alice", "bob", "carol"} {
		require.NoError(t, st.Users.Create(ctx, &models.User{ID: u}))
	}
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.Proposals.Create(ctx, &models.SwapProposal{
		ID: "p1", From: "alice", To: "bob", OfferedBook: "x", RequestedBook: "y",
		FromAccepted: true, Status: status, CreatedAt: now, UpdatedAt: now,
	}))
	rec := &notify.Recorder{}
	svc := NewChatService(st, zap.NewNop(), WithNotifier(rec), WithClock(func() time.Time { return now }))
	return svc, st, rec
}

func TestSendMessageCountsUnreadForCounterparty(t *testing.T) {
	svc, st, rec := setup(t, models.SwapAccepted)
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "p1", "alice", "  when do we meet? ")
	require.NoError(t, err)
	m, err := svc.SendMessage(ctx, "p1", "alice", "tomorrow?")
	require.NoError(t, err)
	assert.Equal(t, "p1", m.ProposalID)

	bob, _ := st.Users.FindByID(ctx, "bob")
	assert.Equal(t, 2, bob.UnreadCounts.Get("p1"))
	alice, _ := st.Users.FindByID(ctx, "alice")
	assert.Zero(t, alice.UnreadCounts.Get("p1"))

	sent := rec.OfType(notify.EventMessageCreated)
	require.Len(t, sent, 2)
	assert.Equal(t, []string{"bob"}, sent[0].Recipients)

	msgs, err := svc.ListMessages(ctx, "p1", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "tomorrow?", msgs[0].Text)
	assert.Equal(t, "when do we meet?", msgs[1].Text)

	bob, _ = st.Users.FindByID(ctx, "bob")
	assert.Zero(t, bob.UnreadCounts.Get("p1"))
}

func TestSendMessageAuthorization(t *testing.T) {
	ctx := context.Background()

	svc, _, _ := setup(t, models.SwapPending)
	_, err := svc.SendMessage(ctx, "p1", "alice", "hi")
	assert.ErrorIs(t, err, ErrChatClosed)

	svc, _, _ = setup(t, models.SwapCompleted)
	_, err = svc.SendMessage(ctx, "p1", "bob", "thanks")
	assert.NoError(t, err)
	_, err = svc.SendMessage(ctx, "p1", "carol", "hi")
	assert.ErrorIs(t, err, swap.ErrForbidden)
	_, err = svc.SendMessage(ctx, "nope", "bob", "hi")
	assert.ErrorIs(t, err, swap.ErrNotFound)
	_, err = svc.SendMessage(ctx, "p1", "bob", "   ")
	assert.ErrorIs(t, err, swap.ErrMissingField)
}

func TestSendMessageLengthLimit(t *testing.T) {
	svc, st, _ := setup(t, models.SwapAccepted)
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "p1", "alice", strings.Repeat("я", maxTextLen))
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, "p1", "alice", strings.Repeat("я", maxTextLen+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)
	assert.NotErrorIs(t, err, swap.ErrMissingField)

	bob, _ := st.Users.FindByID(ctx, "bob")
	assert.Equal(t, 1, bob.UnreadCounts.Get("p1"))
}

func TestHTTPPostMessageStatusCodes(t *testing.T) {
	svc, _, _ := setup(t, models.SwapAccepted)
	app := fiber.New()
	auth := func(c fiber.Ctx) error {
		c.Locals("userID", c.Get("X-User"))
		return c.Next()
	}
	gate := func(c fiber.Ctx) error { return c.Next() }
	svc.SetupRoutes(app, auth, gate)

	post := func(text string) int {
		body := `{"text":"` + text + `"}`
		req := httptest.NewRequest(http.MethodPost, "/api/chats/p1/messages", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User", "alice")
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusCreated, post("hello"))
	assert.Equal(t, fiber.StatusBadRequest, post("  "))
	assert.Equal(t, fiber.StatusUnprocessableEntity, post(strings.Repeat("a", maxTextLen+1)))
}

func TestHistoryReadableAfterClose(t *testing.T) {
	svc, _, _ := setup(t, models.SwapReported)
	msgs, err := svc.ListMessages(context.Background(), "p1", "alice")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = svc.ListMessages(context.Background(), "p1", "carol")
	assert.ErrorIs(t, err, swap.ErrForbidden)
}
