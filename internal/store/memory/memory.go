// Package memory - хранилище в памяти процесса: для тестов и локального запуска.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

type state struct {
	mu        sync.RWMutex
	books     map[string]models.Book
	users     map[string]models.User
	proposals map[string]models.SwapProposal
	messages  map[string][]models.Message // proposal id -> messages
	metrics   map[string]models.DailyMetrics
}

// New создаёт пустое хранилище
func New() *store.Store {
	st := &state{
		books:     make(map[string]models.Book),
		users:     make(map[string]models.User),
		proposals: make(map[string]models.SwapProposal),
		messages:  make(map[string][]models.Message),
		metrics:   make(map[string]models.DailyMetrics),
	}
	return store.New(
		&bookRepo{st},
		&userRepo{st},
		&proposalRepo{st},
		&messageRepo{st},
		&metricsRepo{st},
		nil,
	)
}

// ---- books

type bookRepo struct{ *state }

func (r *bookRepo) Create(_ context.Context, b *models.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == "" {
		return store.ErrConflict
	}
	if _, ok := r.books[b.ID]; ok {
		return store.ErrConflict
	}
	r.books[b.ID] = *b
	return nil
}

func (r *bookRepo) FindByID(_ context.Context, id string) (*models.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (r *bookRepo) UpdateStatus(_ context.Context, id string, to models.BookStatus, from ...models.BookStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if b.Status == to || !bookStatusIn(b.Status, from) {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now()
	r.books[id] = b
	return true, nil
}

func (r *bookRepo) UpdateOwner(_ context.Context, id, fromOwner, toOwner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if b.UserID != fromOwner {
		return false, nil
	}
	b.UserID = toOwner
	b.UpdatedAt = time.Now()
	r.books[id] = b
	return true, nil
}

func (r *bookRepo) UpdateStatusByOwner(_ context.Context, ownerID string, to models.BookStatus, from ...models.BookStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, b := range r.books {
		if b.UserID != ownerID || b.Status == to || !bookStatusIn(b.Status, from) {
			continue
		}
		b.Status = to
		b.UpdatedAt = time.Now()
		r.books[id] = b
		n++
	}
	return n, nil
}

func bookStatusIn(s models.BookStatus, set []models.BookStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// ---- users

type userRepo struct{ *state }

func copyUser(u models.User) *models.User {
	u.UnreadCounts = u.UnreadCounts.Clone()
	if u.FlaggedUntil != nil {
		t := *u.FlaggedUntil
		u.FlaggedUntil = &t
	}
	return &u
}

func (r *userRepo) Create(_ context.Context, u *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == "" {
		return store.ErrConflict
	}
	if _, ok := r.users[u.ID]; ok {
		return store.ErrConflict
	}
	r.users[u.ID] = *copyUser(*u)
	return nil
}

func (r *userRepo) FindByID(_ context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyUser(u), nil
}

func (r *userRepo) FindOrCreateByTelegram(_ context.Context, in *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, u := range r.users {
		if u.TelegramID != in.TelegramID {
			continue
		}
		u.Username, u.FirstName, u.LastName, u.AvatarURL = in.Username, in.FirstName, in.LastName, in.AvatarURL
		u.UpdatedAt = now
		r.users[id] = u
		return copyUser(u), nil
	}
	u := *copyUser(*in)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	r.users[u.ID] = u
	return copyUser(u), nil
}

func (r *userRepo) IncrementReportCount(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	u.ReportedCount++
	u.UpdatedAt = time.Now()
	r.users[id] = u
	return u.ReportedCount, nil
}

func (r *userRepo) Flag(_ context.Context, id string, until time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if u.IsFlagged {
		return false, nil
	}
	u.IsFlagged = true
	u.FlaggedUntil = &until
	u.UpdatedAt = time.Now()
	r.users[id] = u
	return true, nil
}

func (r *userRepo) Unflag(_ context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !u.CanRecover(now) {
		return false, nil
	}
	u.IsFlagged = false
	u.ReportedCount = 0
	u.FlaggedUntil = nil
	u.UpdatedAt = time.Now()
	r.users[id] = u
	return true, nil
}

func (r *userRepo) ListFlaggedUntil(_ context.Context, now time.Time) ([]models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.User
	for _, u := range r.users {
		if u.CanRecover(now) {
			out = append(out, *copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *userRepo) IncrementUnread(_ context.Context, userID, proposalID string) error {
	return r.mutateUnread(userID, func(c *models.UnreadCounters) { c.Increment(proposalID) })
}

func (r *userRepo) ResetUnread(_ context.Context, userID, proposalID string) error {
	return r.mutateUnread(userID, func(c *models.UnreadCounters) { c.Reset(proposalID) })
}

func (r *userRepo) DeleteUnread(_ context.Context, userID, proposalID string) error {
	return r.mutateUnread(userID, func(c *models.UnreadCounters) { c.Delete(proposalID) })
}

func (r *userRepo) mutateUnread(userID string, fn func(*models.UnreadCounters)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	counters := u.UnreadCounts.Clone()
	fn(&counters)
	u.UnreadCounts = counters
	r.users[userID] = u
	return nil
}

// ---- proposals

type proposalRepo struct{ *state }

func (r *proposalRepo) Create(_ context.Context, p *models.SwapProposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.proposals[p.ID]; ok {
		return store.ErrConflict
	}
	if p.Status.IsActive() {
		key := p.PairKey()
		for _, other := range r.proposals {
			if other.Status.IsActive() && other.PairKey() == key {
				return store.ErrConflict
			}
		}
	}
	r.proposals[p.ID] = *p.Clone()
	return nil
}

func (r *proposalRepo) FindByID(_ context.Context, id string) (*models.SwapProposal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proposals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *proposalRepo) FindActiveByPair(_ context.Context, bookA, bookB string) (*models.SwapProposal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := models.PairKey(bookA, bookB)
	for _, p := range r.proposals {
		if p.Status.IsActive() && p.PairKey() == key {
			return p.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *proposalRepo) List(_ context.Context, f store.ProposalFilter) ([]models.SwapProposal, error) {
	return r.collect(func(p *models.SwapProposal) bool {
		switch f.Role {
		case models.RoleFrom:
			if p.From != f.UserID {
				return false
			}
		case models.RoleTo:
			if p.To != f.UserID {
				return false
			}
		default:
			if !p.IsParticipant(f.UserID) {
				return false
			}
		}
		if f.Status != "" && p.Status != f.Status {
			return false
		}
		if !f.IncludeArchived && p.IsArchivedFor(f.UserID) {
			return false
		}
		return true
	}, f.Limit), nil
}

func (r *proposalRepo) ListPendingByBook(_ context.Context, bookID string) ([]models.SwapProposal, error) {
	return r.collect(func(p *models.SwapProposal) bool {
		return p.Status == models.SwapPending && (p.OfferedBook == bookID || p.RequestedBook == bookID)
	}, 0), nil
}

func (r *proposalRepo) ListStale(_ context.Context, statuses []models.SwapStatus, updatedBefore time.Time) ([]models.SwapProposal, error) {
	guard := store.InStatus(statuses...)
	return r.collect(func(p *models.SwapProposal) bool {
		return guard.Matches(p) && p.UpdatedAt.Before(updatedBefore)
	}, 0), nil
}

func (r *proposalRepo) ListExpiredBefore(_ context.Context, before time.Time) ([]models.SwapProposal, error) {
	return r.collect(func(p *models.SwapProposal) bool {
		return p.Status == models.SwapExpired && p.ExpiredAt != nil && p.ExpiredAt.Before(before)
	}, 0), nil
}

func (r *proposalRepo) Update(_ context.Context, id string, guard store.Guard, patch store.ProposalPatch) (*models.SwapProposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !guard.Matches(&p) {
		return nil, store.ErrPrecondition
	}
	patch.Apply(&p)
	r.proposals[id] = p
	return p.Clone(), nil
}

func (r *proposalRepo) Delete(_ context.Context, id string, guard store.Guard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	if !ok {
		return store.ErrNotFound
	}
	if !guard.Matches(&p) {
		return store.ErrPrecondition
	}
	delete(r.proposals, id)
	return nil
}

func (r *proposalRepo) CountCreatedBetween(_ context.Context, from, to time.Time) (map[models.SwapStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.SwapStatus]int)
	for _, p := range r.proposals {
		if !p.CreatedAt.Before(from) && p.CreatedAt.Before(to) {
			out[p.Status]++
		}
	}
	return out, nil
}

// collect делает снимок под блокировкой и сортирует по дате создания (новые первыми)
func (r *proposalRepo) collect(match func(*models.SwapProposal) bool, limit int) []models.SwapProposal {
	r.mu.RLock()
	out := make([]models.SwapProposal, 0)
	for _, p := range r.proposals {
		if match(&p) {
			out = append(out, *p.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ---- messages

type messageRepo struct{ *state }

func (r *messageRepo) Create(_ context.Context, m *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[m.ProposalID] = append(r.messages[m.ProposalID], *m)
	return nil
}

func (r *messageRepo) ListByProposal(_ context.Context, proposalID string, limit int) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.messages[proposalID]
	out := make([]models.Message, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *messageRepo) DeleteByProposal(_ context.Context, proposalID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.messages[proposalID])
	delete(r.messages, proposalID)
	return n, nil
}

// ---- metrics

type metricsRepo struct{ *state }

func (r *metricsRepo) UpsertDaily(_ context.Context, m *models.DailyMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[m.Day] = *m
	return nil
}
