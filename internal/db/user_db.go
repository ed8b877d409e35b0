package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// UserRepo - пользователи в Postgres
type UserRepo struct {
	pool *pgxpool.Pool
}

const userColumns = `id, COALESCE(telegram_id, 0), username, first_name, last_name, avatar_url,
	reported_count, is_flagged, flagged_until, unread_counts, created_at, updated_at`

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.AvatarURL,
		&u.ReportedCount, &u.IsFlagged, &u.FlaggedUntil, &u.UnreadCounts, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func nullTelegramID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// Create добавляет пользователя
func (r *UserRepo) Create(ctx context.Context, u *models.User) error {
	counts := u.UnreadCounts
	if counts == nil {
		counts = models.UnreadCounters{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, telegram_id, username, first_name, last_name, avatar_url,
			reported_count, is_flagged, flagged_until, unread_counts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, u.ID, nullTelegramID(u.TelegramID), u.Username, u.FirstName, u.LastName, u.AvatarURL,
		u.ReportedCount, u.IsFlagged, u.FlaggedUntil, counts)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return errors.Wrap(err, "ошибка при создании пользователя")
}

// FindByID возвращает пользователя
func (r *UserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "ошибка при получении пользователя")
	}
	return u, nil
}

// FindOrCreateByTelegram создает нового пользователя через Telegram или обновляет
// профиль существующего. ID берётся из in только при создании.
func (r *UserRepo) FindOrCreateByTelegram(ctx context.Context, in *models.User) (*models.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `
		INSERT INTO users (id, telegram_id, username, first_name, last_name, avatar_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (telegram_id) DO UPDATE
		SET username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = CURRENT_TIMESTAMP
		RETURNING `+userColumns,
		in.ID, in.TelegramID, in.Username, in.FirstName, in.LastName, in.AvatarURL))
	if err != nil {
		return nil, errors.Wrap(err, "ошибка при создании Telegram пользователя")
	}
	return u, nil
}

// IncrementReportCount увеличивает счётчик жалоб и возвращает новое значение
func (r *UserRepo) IncrementReportCount(ctx context.Context, id string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		UPDATE users
		SET reported_count = reported_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING reported_count
	`, id).Scan(&count)
	if err != nil {
		return 0, notFound(err, "ошибка при обновлении счётчика жалоб")
	}
	return count, nil
}

// Flag помечает пользователя, если он ещё не помечен
func (r *UserRepo) Flag(ctx context.Context, id string, until time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET is_flagged = TRUE, flagged_until = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND NOT is_flagged
	`, id, until)
	if err != nil {
		return false, errors.Wrap(err, "ошибка при установке флага")
	}
	return r.applied(ctx, id, tag.RowsAffected())
}

// Unflag снимает флаг и обнуляет жалобы, если окно блокировки истекло
func (r *UserRepo) Unflag(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET is_flagged = FALSE, flagged_until = NULL, reported_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND is_flagged AND flagged_until IS NOT NULL AND flagged_until <= $2
	`, id, now)
	if err != nil {
		return false, errors.Wrap(err, "ошибка при снятии флага")
	}
	return r.applied(ctx, id, tag.RowsAffected())
}

func (r *UserRepo) applied(ctx context.Context, id string, affected int64) (bool, error) {
	if affected > 0 {
		return true, nil
	}
	ok, err := exists(ctx, r.pool, "users", id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, store.ErrNotFound
	}
	return false, nil
}

// ListFlaggedUntil возвращает помеченных пользователей с истёкшим окном
func (r *UserRepo) ListFlaggedUntil(ctx context.Context, now time.Time) ([]models.User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE is_flagged AND flagged_until IS NOT NULL AND flagged_until <= $1
		ORDER BY id
	`, now)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка при получении помеченных пользователей")
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "ошибка при чтении пользователя")
		}
		out = append(out, *u)
	}
	return out, errors.Wrap(rows.Err(), "ошибка при чтении пользователей")
}

// IncrementUnread увеличивает счётчик непрочитанного по обмену
func (r *UserRepo) IncrementUnread(ctx context.Context, userID, proposalID string) error {
	return r.execUnread(ctx, `
		UPDATE users
		SET unread_counts = jsonb_set(unread_counts, ARRAY[$2::text],
			to_jsonb(COALESCE((unread_counts->>$2::text)::int, 0) + 1))
		WHERE id = $1
	`, userID, proposalID)
}

// ResetUnread обнуляет существующий счётчик
func (r *UserRepo) ResetUnread(ctx context.Context, userID, proposalID string) error {
	return r.execUnread(ctx, `
		UPDATE users
		SET unread_counts = CASE WHEN unread_counts ? $2::text
			THEN jsonb_set(unread_counts, ARRAY[$2::text], '0'::jsonb)
			ELSE unread_counts END
		WHERE id = $1
	`, userID, proposalID)
}

// DeleteUnread удаляет запись обмена из счётчиков
func (r *UserRepo) DeleteUnread(ctx context.Context, userID, proposalID string) error {
	return r.execUnread(ctx, `
		UPDATE users SET unread_counts = unread_counts - $2::text WHERE id = $1
	`, userID, proposalID)
}

func (r *UserRepo) execUnread(ctx context.Context, sql, userID, proposalID string) error {
	tag, err := r.pool.Exec(ctx, sql, userID, proposalID)
	if err != nil {
		return errors.Wrap(err, "ошибка при обновлении счётчика сообщений")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
