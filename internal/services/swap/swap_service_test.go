package swap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/notify"
	"github.com/rajivgeraev/bookswap-api/internal/services/reporting"
	"github.com/rajivgeraev/bookswap-api/internal/store"
	"github.com/rajivgeraev/bookswap-api/internal/store/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	st    *store.Store
	svc   *Service
	rec   *notify.Recorder
	clock *clock
}

// alice владеет x, bob - y, carol - z
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	clk := &clock{t: time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)}
	rec := &notify.Recorder{}

	for _, u := range []string{"alice", "bob", "carol"} {
		require.NoError(t, st.Users.Create(ctx, &models.User{ID: u}))
	}
	for book, owner := range map[string]string{"x": "alice", "y": "bob", "z": "carol"} {
		addBook(t, st, book, owner)
	}

	reports := reporting.NewService(st, zap.NewNop(),
		reporting.WithClock(clk.Now), reporting.WithNotifier(rec))
	svc := NewService(st, reports, zap.NewNop(), WithClock(clk.Now), WithNotifier(rec))
	return &fixture{st: st, svc: svc, rec: rec, clock: clk}
}

func addBook(t *testing.T, st *store.Store, id, owner string) {
	t.Helper()
	require.NoError(t, st.Books.Create(context.Background(), &models.Book{
		ID: id, UserID: owner, CreatedBy: owner, Title: "book " + id, Status: models.BookAvailable,
	}))
}

func (f *fixture) book(t *testing.T, id string) *models.Book {
	t.Helper()
	b, err := f.st.Books.FindByID(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) user(t *testing.T, id string) *models.User {
	t.Helper()
	u, err := f.st.Users.FindByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (f *fixture) propose(t *testing.T, from, offered, requested string) *models.SwapProposal {
	t.Helper()
	p, err := f.svc.Propose(context.Background(), ProposeInput{From: from, OfferedBook: offered, RequestedBook: requested, Message: "hi"})
	require.NoError(t, err)
	return p
}

func (f *fixture) accepted(t *testing.T) *models.SwapProposal {
	t.Helper()
	p := f.propose(t, "alice", "x", "y")
	p, err := f.svc.Respond(context.Background(), p.ID, "bob", DecisionAccept, "")
	require.NoError(t, err)
	return p
}

func TestProposeCreatesPending(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t, "alice", "x", "y")

	assert.Equal(t, models.SwapPending, p.Status)
	assert.Equal(t, "bob", p.To)
	assert.True(t, p.FromAccepted)
	assert.False(t, p.ToAccepted)
	assert.Equal(t, "hi", p.FromMessage)
	assert.Equal(t, f.clock.Now(), p.CreatedAt)

	sent := f.rec.OfType(notify.EventSwapProposed)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"bob"}, sent[0].Recipients)
	assert.Equal(t, p.ID, sent[0].ProposalID)

	// книги при pending не бронируются
	assert.Equal(t, models.BookAvailable, f.book(t, "x").Status)
	assert.Equal(t, models.BookAvailable, f.book(t, "y").Status)
}

func TestProposeRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.propose(t, "alice", "x", "y")

	addBook(t, f.st, "gone", "bob")
	addBook(t, f.st, "w", "alice")
	_, err := f.st.Books.UpdateStatus(ctx, "gone", models.BookDeleted)
	require.NoError(t, err)

	cases := []struct {
		name string
		in   ProposeInput
		want error
	}{
		{"same pair", ProposeInput{From: "alice", OfferedBook: "x", RequestedBook: "y"}, ErrDuplicateProposal},
		{"same pair reversed", ProposeInput{From: "bob", OfferedBook: "y", RequestedBook: "x"}, ErrDuplicateProposal},
		{"missing book", ProposeInput{From: "alice", OfferedBook: "x"}, ErrMissingField},
		{"missing actor", ProposeInput{OfferedBook: "x", RequestedBook: "z"}, ErrMissingField},
		{"unknown book", ProposeInput{From: "alice", OfferedBook: "x", RequestedBook: "nope"}, ErrBookUnavailable},
		{"deleted book", ProposeInput{From: "alice", OfferedBook: "x", RequestedBook: "gone"}, ErrBookUnavailable},
		{"same book", ProposeInput{From: "alice", OfferedBook: "x", RequestedBook: "x"}, ErrBookUnavailable},
		{"not owner", ProposeInput{From: "alice", OfferedBook: "y", RequestedBook: "z"}, ErrBookUnavailable},
		{"wrong recipient", ProposeInput{From: "alice", To: "bob", OfferedBook: "x", RequestedBook: "z"}, ErrBookUnavailable},
		{"own books", ProposeInput{From: "alice", OfferedBook: "x", RequestedBook: "w"}, ErrBookUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Propose(ctx, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestScenarioDecline(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t, "alice", "x", "y")

	p, err := f.svc.Respond(context.Background(), p.ID, "bob", DecisionDecline, "no thanks")
	require.NoError(t, err)
	assert.Equal(t, models.SwapDeclined, p.Status)
	assert.Equal(t, "no thanks", p.ToMessage)
	assert.False(t, p.ToAccepted)

	x, y := f.book(t, "x"), f.book(t, "y")
	assert.Equal(t, "alice", x.UserID)
	assert.Equal(t, models.BookAvailable, x.Status)
	assert.Equal(t, "bob", y.UserID)
	assert.Equal(t, models.BookAvailable, y.Status)

	// пара снова свободна
	f.propose(t, "alice", "x", "y")
}

func TestScenarioAcceptAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.accepted(t)

	assert.Equal(t, models.SwapAccepted, p.Status)
	assert.True(t, p.ToAccepted)
	require.NotNil(t, p.AcceptedAt)
	assert.Equal(t, models.BookBooked, f.book(t, "x").Status)
	assert.Equal(t, models.BookBooked, f.book(t, "y").Status)

	p, err := f.svc.MarkCompleted(ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SwapAccepted, p.Status)
	assert.True(t, p.FromCompleted)
	assert.False(t, p.ToCompleted)
	assert.Equal(t, "alice", f.book(t, "x").UserID)

	// повторная отметка той же стороной ничего не меняет
	p, err = f.svc.MarkCompleted(ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SwapAccepted, p.Status)

	p, err = f.svc.MarkCompleted(ctx, p.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.SwapCompleted, p.Status)
	require.NotNil(t, p.CompletedAt)

	x, y := f.book(t, "x"), f.book(t, "y")
	assert.Equal(t, "bob", x.UserID)
	assert.Equal(t, "alice", x.CreatedBy)
	assert.Equal(t, models.BookSwapped, x.Status)
	assert.Equal(t, "alice", y.UserID)
	assert.Equal(t, models.BookSwapped, y.Status)

	_, err = f.svc.MarkCompleted(ctx, p.ID, "bob")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Len(t, f.rec.OfType(notify.EventSwapCompleted), 1)
}

func TestMarkCompletedRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.propose(t, "alice", "x", "y")

	_, err := f.svc.MarkCompleted(ctx, pending.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.MarkCompleted(ctx, pending.ID, "carol")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.MarkCompleted(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentCompletionTransfersOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		p := f.accepted(t)

		var wg sync.WaitGroup
		for _, actor := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(actor string) {
				defer wg.Done()
				_, err := f.svc.MarkCompleted(context.Background(), p.ID, actor)
				assert.NoError(t, err)
			}(actor)
		}
		wg.Wait()

		got, err := f.st.Proposals.FindByID(context.Background(), p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SwapCompleted, got.Status)
		assert.Equal(t, "bob", f.book(t, "x").UserID)
		assert.Equal(t, "alice", f.book(t, "y").UserID)
		assert.Len(t, f.rec.OfType(notify.EventSwapCompleted), 1)
	}
}

func TestAcceptDeclinesCompeting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addBook(t, f.st, "w", "alice")

	target := f.propose(t, "alice", "x", "y")
	sameRequested := f.propose(t, "carol", "z", "y")
	sameOffered := f.propose(t, "alice", "x", "z")
	unrelated := f.propose(t, "alice", "w", "z")

	_, err := f.svc.Respond(ctx, target.ID, "bob", DecisionAccept, "deal")
	require.NoError(t, err)

	for id, want := range map[string]models.SwapStatus{
		sameRequested.ID: models.SwapDeclined,
		sameOffered.ID:   models.SwapDeclined,
		unrelated.ID:     models.SwapPending,
	} {
		got, err := f.st.Proposals.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	declined := f.rec.OfType(notify.EventSwapDeclined)
	require.Len(t, declined, 2)
	assert.Equal(t, target.ID, declined[0].Data["acceptedProposalId"])
	assert.Equal(t, models.BookAvailable, f.book(t, "z").Status)
}

func TestDeclineCompetingSkipsResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.accepted(t)

	// вызов на уже разобранных данных ничего не делает
	assert.Zero(t, f.svc.DeclineCompeting(ctx, target))
}

func TestRespondRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.propose(t, "alice", "x", "y")

	_, err := f.svc.Respond(ctx, p.ID, "alice", DecisionAccept, "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Respond(ctx, p.ID, "bob", Decision("maybe"), "")
	assert.ErrorIs(t, err, ErrMissingField)
	_, err = f.svc.Respond(ctx, "missing", "bob", DecisionAccept, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Respond(ctx, p.ID, "bob", DecisionDecline, "")
	require.NoError(t, err)
	_, err = f.svc.Respond(ctx, p.ID, "bob", DecisionAccept, "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestAcceptRequiresAvailableBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.propose(t, "alice", "x", "y")
	_, err := f.st.Books.UpdateStatus(ctx, "x", models.BookReported)
	require.NoError(t, err)

	_, err = f.svc.Respond(ctx, p.ID, "bob", DecisionAccept, "")
	assert.ErrorIs(t, err, ErrBookUnavailable)

	got, _ := f.st.Proposals.FindByID(ctx, p.ID)
	assert.Equal(t, models.SwapPending, got.Status)
}

func TestConcurrentRespondSingleWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		p := f.propose(t, "alice", "x", "y")

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			wins   int
			losses int
		)
		for _, d := range []Decision{DecisionAccept, DecisionDecline, DecisionAccept} {
			wg.Add(1)
			go func(d Decision) {
				defer wg.Done()
				_, err := f.svc.Respond(context.Background(), p.ID, "bob", d, "")
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else {
					assert.ErrorIs(t, err, ErrAlreadyResolved)
					losses++
				}
			}(d)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 2, losses)
	}
}

// rendezvousProposals задерживает перевод в accepted, пока его не начнут
// все ожидаемые вызовы
type rendezvousProposals struct {
	store.ProposalRepository
	arrived *sync.WaitGroup
}

func (r rendezvousProposals) Update(ctx context.Context, id string, guard store.Guard, patch store.ProposalPatch) (*models.SwapProposal, error) {
	if patch.Status != nil && *patch.Status == models.SwapAccepted {
		r.arrived.Done()
		r.arrived.Wait()
	}
	return r.ProposalRepository.Update(ctx, id, guard, patch)
}

func TestConcurrentAcceptsSharingBookClaimItOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.propose(t, "alice", "x", "y")
	b := f.propose(t, "carol", "z", "x")

	arrived := &sync.WaitGroup{}
	arrived.Add(2)
	f.st.Proposals = rendezvousProposals{ProposalRepository: f.st.Proposals, arrived: arrived}

	errs := make(map[string]error, 2)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, p := range []*models.SwapProposal{a, b} {
		wg.Add(1)
		go func(p *models.SwapProposal) {
			defer wg.Done()
			_, err := f.svc.Respond(ctx, p.ID, p.To, DecisionAccept, "")
			mu.Lock()
			errs[p.ID] = err
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	winner, loser := a, b
	if errs[a.ID] != nil {
		winner, loser = b, a
	}
	require.NoError(t, errs[winner.ID])
	assert.ErrorIs(t, errs[loser.ID], ErrBookUnavailable)

	got, err := f.st.Proposals.FindByID(ctx, winner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapAccepted, got.Status)
	got, err = f.st.Proposals.FindByID(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapDeclined, got.Status)

	for _, id := range winner.Books() {
		assert.Equal(t, models.BookBooked, f.book(t, id).Status, id)
	}
	for _, id := range loser.Books() {
		if id != "x" {
			assert.Equal(t, models.BookAvailable, f.book(t, id).Status, id)
		}
	}

	declined := f.rec.OfType(notify.EventSwapDeclined)
	require.Len(t, declined, 1)
	assert.Equal(t, loser.ID, declined[0].ProposalID)
	assert.Equal(t, "book_committed", declined[0].Data["reason"])
	assert.Len(t, f.rec.OfType(notify.EventSwapAccepted), 1)
}

func TestArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.accepted(t)

	_, err := f.svc.Archive(ctx, p.ID, "alice", true)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.MarkCompleted(ctx, p.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.MarkCompleted(ctx, p.ID, "bob")
	require.NoError(t, err)

	_, err = f.svc.Archive(ctx, p.ID, "carol", true)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Archive(ctx, p.ID, "alice", true)
	require.NoError(t, err)
	assert.True(t, got.FromArchived)
	assert.False(t, got.ToArchived)
	assert.Equal(t, models.SwapCompleted, got.Status)

	hidden, err := f.svc.List(ctx, store.ProposalFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, hidden)
	visible, err := f.svc.List(ctx, store.ProposalFilter{UserID: "bob"})
	require.NoError(t, err)
	assert.Len(t, visible, 1)
	all, err := f.svc.List(ctx, store.ProposalFilter{UserID: "alice", IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	got, err = f.svc.Archive(ctx, p.ID, "alice", false)
	require.NoError(t, err)
	assert.False(t, got.FromArchived)
}

func TestReportIncrementsCounterparty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.accepted(t)

	got, err := f.svc.Report(ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SwapReported, got.Status)
	require.NotNil(t, got.ReportedAt)

	assert.Equal(t, 1, f.user(t, "bob").ReportedCount)
	assert.Equal(t, 0, f.user(t, "alice").ReportedCount)
	assert.False(t, f.user(t, "bob").IsFlagged)
	assert.Equal(t, models.BookReported, f.book(t, "x").Status)
	assert.Equal(t, models.BookReported, f.book(t, "y").Status)

	_, err = f.svc.Report(ctx, p.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, f.user(t, "bob").ReportedCount)
}

func TestReportRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.propose(t, "alice", "x", "y")

	_, err := f.svc.Report(ctx, p.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.Report(ctx, p.ID, "carol")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestFifthReportFlagsAndQuarantinesAllBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addBook(t, f.st, "y2", "bob")
	addBook(t, f.st, "y3", "bob")
	_, err := f.st.Books.UpdateStatus(ctx, "y3", models.BookDeleted)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := f.st.Users.IncrementReportCount(ctx, "bob")
		require.NoError(t, err)
	}

	p := f.accepted(t)
	_, err = f.svc.Report(ctx, p.ID, "alice")
	require.NoError(t, err)

	bob := f.user(t, "bob")
	assert.Equal(t, 5, bob.ReportedCount)
	assert.True(t, bob.IsFlagged)
	require.NotNil(t, bob.FlaggedUntil)
	assert.Equal(t, f.clock.Now().Add(7*24*time.Hour), *bob.FlaggedUntil)

	assert.Equal(t, models.BookReported, f.book(t, "y").Status)
	assert.Equal(t, models.BookReported, f.book(t, "y2").Status, "books outside the swap are quarantined too")
	assert.Equal(t, models.BookDeleted, f.book(t, "y3").Status)
	assert.Equal(t, models.BookReported, f.book(t, "x").Status)
	assert.Len(t, f.rec.OfType(notify.EventUserFlagged), 1)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.propose(t, "alice", "x", "y")

	_, err := f.svc.Cancel(ctx, p.ID, "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Cancel(ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SwapCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.Equal(t, models.BookAvailable, f.book(t, "x").Status)

	_, err = f.svc.Cancel(ctx, p.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestGetOnlyForParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.propose(t, "alice", "x", "y")

	_, err := f.svc.Get(ctx, p.ID, "carol")
	assert.ErrorIs(t, err, ErrForbidden)
	got, err := f.svc.Get(ctx, p.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestExclusivityHoldsUnderConcurrentProposals(t *testing.T) {
	f := newFixture(t)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Propose(context.Background(), ProposeInput{From: "alice", OfferedBook: "x", RequestedBook: "y"})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrDuplicateProposal)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
