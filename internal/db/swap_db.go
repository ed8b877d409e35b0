package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// ProposalRepo - предложения обмена в Postgres
type ProposalRepo struct {
	pool *pgxpool.Pool
}

const proposalColumns = `id, from_user, to_user, offered_book, requested_book,
	from_accepted, to_accepted, status, from_message, to_message,
	from_completed, to_completed, from_archived, to_archived,
	created_at, updated_at, accepted_at, completed_at, reported_at, cancelled_at, expired_at`

const activeStatusSQL = `status IN ('pending', 'accepted')`

func scanProposal(row scanner) (*models.SwapProposal, error) {
	var p models.SwapProposal
	err := row.Scan(
		&p.ID, &p.From, &p.To, &p.OfferedBook, &p.RequestedBook,
		&p.FromAccepted, &p.ToAccepted, &p.Status, &p.FromMessage, &p.ToMessage,
		&p.FromCompleted, &p.ToCompleted, &p.FromArchived, &p.ToArchived,
		&p.CreatedAt, &p.UpdatedAt, &p.AcceptedAt, &p.CompletedAt, &p.ReportedAt, &p.CancelledAt, &p.ExpiredAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectProposals(rows pgx.Rows) ([]models.SwapProposal, error) {
	defer rows.Close()
	out := make([]models.SwapProposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, errors.Wrap(err, "ошибка при чтении обмена")
		}
		out = append(out, *p)
	}
	return out, errors.Wrap(rows.Err(), "ошибка при чтении обменов")
}

func swapStatuses(in []models.SwapStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// query собирает параметризованный запрос: add возвращает очередной $n
type query struct {
	args []any
}

func (q *query) add(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

// guardSQL переводит store.Guard в условия WHERE
func (q *query) guardSQL(g store.Guard) []string {
	var conds []string
	if len(g.Statuses) > 0 {
		conds = append(conds, "status = ANY("+q.add(swapStatuses(g.Statuses))+"::text[])")
	}
	if g.FromCompleted != nil {
		conds = append(conds, "from_completed = "+q.add(*g.FromCompleted))
	}
	if g.ToCompleted != nil {
		conds = append(conds, "to_completed = "+q.add(*g.ToCompleted))
	}
	if !g.UpdatedBefore.IsZero() {
		conds = append(conds, "updated_at < "+q.add(g.UpdatedBefore))
	}
	return conds
}

// patchSQL переводит store.ProposalPatch в список SET
func (q *query) patchSQL(p store.ProposalPatch) []string {
	var sets []string
	set := func(col string, v any) {
		sets = append(sets, col+" = "+q.add(v))
	}
	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.ToAccepted != nil {
		set("to_accepted", *p.ToAccepted)
	}
	if p.ToMessage != nil {
		set("to_message", *p.ToMessage)
	}
	if p.FromCompleted != nil {
		set("from_completed", *p.FromCompleted)
	}
	if p.ToCompleted != nil {
		set("to_completed", *p.ToCompleted)
	}
	if p.FromArchived != nil {
		set("from_archived", *p.FromArchived)
	}
	if p.ToArchived != nil {
		set("to_archived", *p.ToArchived)
	}
	times := []struct {
		col string
		v   *time.Time
	}{
		{"accepted_at", p.AcceptedAt},
		{"completed_at", p.CompletedAt},
		{"reported_at", p.ReportedAt},
		{"cancelled_at", p.CancelledAt},
		{"expired_at", p.ExpiredAt},
	}
	for _, t := range times {
		if t.v != nil {
			set(t.col, *t.v)
		}
	}
	if !p.UpdatedAt.IsZero() {
		set("updated_at", p.UpdatedAt)
	}
	return sets
}

// Create добавляет предложение; пара книг уже в активной сделке - store.ErrConflict
func (r *ProposalRepo) Create(ctx context.Context, p *models.SwapProposal) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO swap_proposals (`+proposalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, p.ID, p.From, p.To, p.OfferedBook, p.RequestedBook,
		p.FromAccepted, p.ToAccepted, string(p.Status), p.FromMessage, p.ToMessage,
		p.FromCompleted, p.ToCompleted, p.FromArchived, p.ToArchived,
		p.CreatedAt, p.UpdatedAt, p.AcceptedAt, p.CompletedAt, p.ReportedAt, p.CancelledAt, p.ExpiredAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return errors.Wrap(err, "ошибка при создании обмена")
}

// FindByID возвращает предложение
func (r *ProposalRepo) FindByID(ctx context.Context, id string) (*models.SwapProposal, error) {
	p, err := scanProposal(r.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM swap_proposals WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "ошибка при получении обмена")
	}
	return p, nil
}

// FindActiveByPair возвращает активную сделку по неупорядоченной паре книг
func (r *ProposalRepo) FindActiveByPair(ctx context.Context, bookA, bookB string) (*models.SwapProposal, error) {
	p, err := scanProposal(r.pool.QueryRow(ctx, `
		SELECT `+proposalColumns+` FROM swap_proposals
		WHERE LEAST(offered_book, requested_book) = LEAST($1::text, $2::text)
		  AND GREATEST(offered_book, requested_book) = GREATEST($1::text, $2::text)
		  AND `+activeStatusSQL+`
		LIMIT 1
	`, bookA, bookB))
	if err != nil {
		return nil, notFound(err, "ошибка при поиске активного обмена")
	}
	return p, nil
}

// List возвращает обмены пользователя, новые первыми
func (r *ProposalRepo) List(ctx context.Context, f store.ProposalFilter) ([]models.SwapProposal, error) {
	q := &query{}
	user := q.add(f.UserID)

	var conds []string
	switch f.Role {
	case models.RoleFrom:
		conds = append(conds, "from_user = "+user)
	case models.RoleTo:
		conds = append(conds, "to_user = "+user)
	default:
		conds = append(conds, "(from_user = "+user+" OR to_user = "+user+")")
	}
	if f.Status != "" {
		conds = append(conds, "status = "+q.add(string(f.Status)))
	}
	if !f.IncludeArchived {
		conds = append(conds, "NOT ((from_user = "+user+" AND from_archived) OR (to_user = "+user+" AND to_archived))")
	}

	sql := `SELECT ` + proposalColumns + ` FROM swap_proposals WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		sql += " LIMIT " + q.add(f.Limit)
	}
	rows, err := r.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка при получении обменов")
	}
	return collectProposals(rows)
}

// ListPendingByBook возвращает ожидающие предложения с участием книги
func (r *ProposalRepo) ListPendingByBook(ctx context.Context, bookID string) ([]models.SwapProposal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+proposalColumns+` FROM swap_proposals
		WHERE status = 'pending' AND (offered_book = $1 OR requested_book = $1)
		ORDER BY created_at DESC, id
	`, bookID)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка при получении конкурирующих обменов")
	}
	return collectProposals(rows)
}

// ListStale возвращает записи в статусах statuses, не менявшиеся с updatedBefore
func (r *ProposalRepo) ListStale(ctx context.Context, statuses []models.SwapStatus, updatedBefore time.Time) ([]models.SwapProposal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+proposalColumns+` FROM swap_proposals
		WHERE status = ANY($1::text[]) AND updated_at < $2
		ORDER BY created_at DESC, id
	`, swapStatuses(statuses), updatedBefore)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка при получении устаревших обменов")
	}
	return collectProposals(rows)
}

// ListExpiredBefore возвращает истёкшие записи старше before
func (r *ProposalRepo) ListExpiredBefore(ctx context.Context, before time.Time) ([]models.SwapProposal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+proposalColumns+` FROM swap_proposals
		WHERE status = 'expired' AND expired_at < $1
		ORDER BY created_at DESC, id
	`, before)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка при получении истёкших обменов")
	}
	return collectProposals(rows)
}

// Update - условная запись одним UPDATE ... WHERE
func (r *ProposalRepo) Update(ctx context.Context, id string, guard store.Guard, patch store.ProposalPatch) (*models.SwapProposal, error) {
	q := &query{}
	sets := q.patchSQL(patch)
	if len(sets) == 0 {
		return nil, errors.New("пустое изменение обмена")
	}
	conds := append([]string{"id = " + q.add(id)}, q.guardSQL(guard)...)

	p, err := scanProposal(r.pool.QueryRow(ctx,
		`UPDATE swap_proposals SET `+strings.Join(sets, ", ")+
			` WHERE `+strings.Join(conds, " AND ")+
			` RETURNING `+proposalColumns,
		q.args...))
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, preconditionOrNotFound(ctx, r.pool, "swap_proposals", id)
	case isUniqueViolation(err):
		return nil, store.ErrConflict
	}
	return nil, errors.Wrap(err, "ошибка при обновлении обмена")
}

// Delete удаляет запись, если она удовлетворяет guard
func (r *ProposalRepo) Delete(ctx context.Context, id string, guard store.Guard) error {
	q := &query{}
	conds := append([]string{"id = " + q.add(id)}, q.guardSQL(guard)...)
	tag, err := r.pool.Exec(ctx, `DELETE FROM swap_proposals WHERE `+strings.Join(conds, " AND "), q.args...)
	if err != nil {
		return errors.Wrap(err, "ошибка при удалении обмена")
	}
	if tag.RowsAffected() == 0 {
		return preconditionOrNotFound(ctx, r.pool, "swap_proposals", id)
	}
	return nil
}

// CountCreatedBetween считает созданные в [from, to) по текущему статусу
func (r *ProposalRepo) CountCreatedBetween(ctx context.Context, from, to time.Time) (map[models.SwapStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM swap_proposals
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY status
	`, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка при подсчёте обменов")
	}
	defer rows.Close()

	out := make(map[models.SwapStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "ошибка при чтении статистики")
		}
		out[models.SwapStatus(status)] = n
	}
	return out, errors.Wrap(rows.Err(), "ошибка при чтении статистики")
}
