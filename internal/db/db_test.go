package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

func TestGuardAndPatchSQL(t *testing.T) {
	yes := true
	status := models.SwapCompleted
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q := &query{}
	sets := q.patchSQL(store.ProposalPatch{Status: &status, CompletedAt: &at, UpdatedAt: at})
	conds := q.guardSQL(store.Guard{
		Statuses:      []models.SwapStatus{models.SwapAccepted},
		FromCompleted: &yes,
		UpdatedBefore: at,
	})

	assert.Equal(t, []string{"status = $1", "completed_at = $2", "updated_at = $3"}, sets)
	assert.Equal(t, []string{
		"status = ANY($4::text[])",
		"from_completed = $5",
		"updated_at < $6",
	}, conds)
	require.Len(t, q.args, 6)
	assert.Equal(t, []string{"accepted"}, q.args[3])
}

// testStore подключается к TEST_DATABASE_URL; без неё тест пропускается
func testStore(t *testing.T) *store.Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL не задан")
	}
	st, err := Open(context.Background(), url, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func TestProposalRepoConditionalWrites(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	bookA, bookB := uuid.NewString(), uuid.NewString()
	p := &models.SwapProposal{
		ID: uuid.NewString(), From: uuid.NewString(), To: uuid.NewString(),
		OfferedBook: bookA, RequestedBook: bookB,
		FromAccepted: true, Status: models.SwapPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.Proposals.Create(ctx, p))

	mirror := *p
	mirror.ID = uuid.NewString()
	mirror.OfferedBook, mirror.RequestedBook = bookB, bookA
	assert.ErrorIs(t, st.Proposals.Create(ctx, &mirror), store.ErrConflict)

	found, err := st.Proposals.FindActiveByPair(ctx, bookB, bookA)
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)

	accepted := models.SwapAccepted
	updated, err := st.Proposals.Update(ctx, p.ID, store.InStatus(models.SwapPending),
		store.ProposalPatch{Status: &accepted, AcceptedAt: &now, UpdatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, models.SwapAccepted, updated.Status)

	_, err = st.Proposals.Update(ctx, p.ID, store.InStatus(models.SwapPending),
		store.ProposalPatch{Status: &accepted, UpdatedAt: now})
	assert.ErrorIs(t, err, store.ErrPrecondition)

	_, err = st.Proposals.Update(ctx, uuid.NewString(), store.InStatus(models.SwapPending),
		store.ProposalPatch{Status: &accepted, UpdatedAt: now})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.Proposals.Delete(ctx, p.ID, store.InStatus(models.SwapAccepted)))
	_, err = st.Proposals.FindByID(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUserRepoUnreadAndFlag(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id := uuid.NewString()
	require.NoError(t, st.Users.Create(ctx, &models.User{ID: id}))
	require.NoError(t, st.Users.IncrementUnread(ctx, id, "p1"))
	require.NoError(t, st.Users.IncrementUnread(ctx, id, "p1"))

	u, err := st.Users.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, u.UnreadCounts.Get("p1"))

	require.NoError(t, st.Users.ResetUnread(ctx, id, "p1"))
	u, _ = st.Users.FindByID(ctx, id)
	assert.Zero(t, u.UnreadCounts.Get("p1"))

	ok, err := st.Users.Flag(ctx, id, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.Users.Flag(ctx, id, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.Users.Unflag(ctx, id, now)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = st.Users.Flag(ctx, uuid.NewString(), now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
