package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

func seedProposal(t *testing.T, s *store.Store, id, offered, requested string, status models.SwapStatus, created time.Time) {
	t.Helper()
	require.NoError(t, s.Proposals.Create(context.Background(), &models.SwapProposal{
		ID: id, From: "alice", To: "bob",
		OfferedBook: offered, RequestedBook: requested,
		FromAccepted: true, Status: status,
		CreatedAt: created, UpdatedAt: created,
	}))
}

func TestProposalCreateRejectsActivePair(t *testing.T) {
	s := New()
	now := time.Now()
	seedProposal(t, s, "p1", "x", "y", models.SwapPending, now)

	err := s.Proposals.Create(context.Background(), &models.SwapProposal{
		ID: "p2", OfferedBook: "y", RequestedBook: "x", Status: models.SwapPending,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	// терминальные не мешают
	status := models.SwapDeclined
	_, err = s.Proposals.Update(context.Background(), "p1", store.InStatus(models.SwapPending), store.ProposalPatch{Status: &status})
	require.NoError(t, err)
	seedProposal(t, s, "p3", "y", "x", models.SwapPending, now)
}

func TestProposalUpdateIsConditional(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedProposal(t, s, "p1", "x", "y", models.SwapPending, time.Now())

	accepted := models.SwapAccepted
	declined := models.SwapDeclined

	got, err := s.Proposals.Update(ctx, "p1", store.InStatus(models.SwapPending), store.ProposalPatch{Status: &accepted})
	require.NoError(t, err)
	assert.Equal(t, models.SwapAccepted, got.Status)

	_, err = s.Proposals.Update(ctx, "p1", store.InStatus(models.SwapPending), store.ProposalPatch{Status: &declined})
	assert.ErrorIs(t, err, store.ErrPrecondition)

	_, err = s.Proposals.Update(ctx, "missing", store.Guard{}, store.ProposalPatch{Status: &declined})
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.Proposals.Delete(ctx, "p1", store.InStatus(models.SwapCancelled)), store.ErrPrecondition)
	assert.NoError(t, s.Proposals.Delete(ctx, "p1", store.InStatus(models.SwapAccepted)))
	assert.ErrorIs(t, s.Proposals.Delete(ctx, "p1", store.Guard{}), store.ErrNotFound)
}

func TestProposalReadsAreCopies(t *testing.T) {
	s := New()
	seedProposal(t, s, "p1", "x", "y", models.SwapPending, time.Now())

	p, err := s.Proposals.FindByID(context.Background(), "p1")
	require.NoError(t, err)
	p.Status = models.SwapCompleted

	again, err := s.Proposals.FindByID(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.SwapPending, again.Status)
}

func TestProposalQueries(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	seedProposal(t, s, "old", "a", "b", models.SwapPending, base)
	seedProposal(t, s, "new", "a", "c", models.SwapPending, base.Add(10*24*time.Hour))
	seedProposal(t, s, "done", "d", "e", models.SwapDeclined, base)

	pending, err := s.Proposals.ListPendingByBook(ctx, "a")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "new", pending[0].ID)

	stale, err := s.Proposals.ListStale(ctx, []models.SwapStatus{models.SwapPending, models.SwapDeclined}, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	incoming, err := s.Proposals.List(ctx, store.ProposalFilter{UserID: "bob", Role: models.RoleTo, Status: models.SwapPending})
	require.NoError(t, err)
	assert.Len(t, incoming, 2)

	none, err := s.Proposals.List(ctx, store.ProposalFilter{UserID: "bob", Role: models.RoleFrom})
	require.NoError(t, err)
	assert.Empty(t, none)

	counts, err := s.Proposals.CountCreatedBetween(ctx, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.SwapPending])
	assert.Equal(t, 1, counts[models.SwapDeclined])
}

func TestBookUpdateStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Books.Create(ctx, &models.Book{ID: "x", UserID: "alice", Status: models.BookAvailable}))

	ok, err := s.Books.UpdateStatus(ctx, "x", models.BookBooked, models.BookAvailable)
	require.NoError(t, err)
	assert.True(t, ok)

	// уже в целевом статусе
	ok, err = s.Books.UpdateStatus(ctx, "x", models.BookBooked, models.BookAvailable)
	require.NoError(t, err)
	assert.False(t, ok)

	// исходный статус не подходит
	ok, err = s.Books.UpdateStatus(ctx, "x", models.BookSwapped, models.BookReported)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Books.UpdateStatus(ctx, "missing", models.BookBooked)
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err = s.Books.UpdateOwner(ctx, "x", "bob", "carol")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Books.UpdateOwner(ctx, "x", "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUserFlagLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Users.Create(ctx, &models.User{ID: "bob"}))

	n, err := s.Users.IncrementReportCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.Users.Flag(ctx, "bob", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Users.Flag(ctx, "bob", now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Users.Unflag(ctx, "bob", now)
	require.NoError(t, err)
	assert.False(t, ok, "window not over yet")

	due, err := s.Users.ListFlaggedUntil(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err = s.Users.Unflag(ctx, "bob", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	u, err := s.Users.FindByID(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, u.IsFlagged)
	assert.Zero(t, u.ReportedCount)
	assert.Nil(t, u.FlaggedUntil)
}

func TestUnreadCounters(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Users.Create(ctx, &models.User{ID: "bob"}))

	require.NoError(t, s.Users.IncrementUnread(ctx, "bob", "p1"))
	require.NoError(t, s.Users.IncrementUnread(ctx, "bob", "p1"))
	require.NoError(t, s.Users.IncrementUnread(ctx, "bob", "p2"))

	u, _ := s.Users.FindByID(ctx, "bob")
	assert.Equal(t, 2, u.UnreadCounts.Get("p1"))
	assert.Equal(t, 3, u.UnreadCounts.Total())

	require.NoError(t, s.Users.ResetUnread(ctx, "bob", "p1"))
	require.NoError(t, s.Users.DeleteUnread(ctx, "bob", "p2"))
	u, _ = s.Users.FindByID(ctx, "bob")
	assert.Equal(t, models.UnreadCounters{"p1": 0}, u.UnreadCounts)

	assert.ErrorIs(t, s.Users.IncrementUnread(ctx, "nobody", "p1"), store.ErrNotFound)
}

func TestMessagesNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.Messages.Create(ctx, &models.Message{ID: text, ProposalID: "p1", Text: text}))
	}

	msgs, err := s.Messages.ListByProposal(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Text)

	n, err := s.Messages.DeleteByProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
