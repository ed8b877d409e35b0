package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/rajivgeraev/bookswap-api/internal/models"
)

// MessageRepo - сообщения чатов обменов
type MessageRepo struct {
	pool *pgxpool.Pool
}

// Create сохраняет сообщение
func (r *MessageRepo) Create(ctx context.Context, m *models.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO swap_messages (id, proposal_id, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.ProposalID, m.SenderID, m.Text, m.CreatedAt)
	return errors.Wrap(err, "ошибка при сохранении сообщения")
}

// ListByProposal возвращает последние сообщения, новые первыми
func (r *MessageRepo) ListByProposal(ctx context.Context, proposalID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, proposal_id, sender_id, text, created_at
		FROM swap_messages
		WHERE proposal_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, proposalID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка при получении сообщений")
	}
	defer rows.Close()

	out := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ProposalID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "ошибка при чтении сообщения")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "ошибка при чтении сообщений")
}

// DeleteByProposal удаляет переписку обмена
func (r *MessageRepo) DeleteByProposal(ctx context.Context, proposalID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM swap_messages WHERE proposal_id = $1`, proposalID)
	if err != nil {
		return 0, errors.Wrap(err, "ошибка при удалении сообщений")
	}
	return int(tag.RowsAffected()), nil
}

// MetricsRepo - суточные срезы
type MetricsRepo struct {
	pool *pgxpool.Pool
}

// UpsertDaily записывает срез за день, перезаписывая предыдущий
func (r *MetricsRepo) UpsertDaily(ctx context.Context, m *models.DailyMetrics) error {
	byStatus := m.ByStatus
	if byStatus == nil {
		byStatus = map[string]int{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO daily_metrics (day, proposals_created, by_status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (day) DO UPDATE
		SET proposals_created = EXCLUDED.proposals_created,
			by_status = EXCLUDED.by_status,
			created_at = EXCLUDED.created_at
	`, m.Day, m.ProposalsCreated, byStatus, m.CreatedAt)
	return errors.Wrap(err, "ошибка при сохранении метрик")
}
