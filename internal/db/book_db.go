package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// BookRepo - книги в Postgres
type BookRepo struct {
	pool *pgxpool.Pool
}

const bookColumns = `id, user_id, created_by, title, author, status, created_at, updated_at`

func scanBook(row scanner) (*models.Book, error) {
	var b models.Book
	err := row.Scan(&b.ID, &b.UserID, &b.CreatedBy, &b.Title, &b.Author, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func bookStatuses(in []models.BookStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// Create добавляет книгу
func (r *BookRepo) Create(ctx context.Context, b *models.Book) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO books (`+bookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.UserID, b.CreatedBy, b.Title, b.Author, string(b.Status), b.CreatedAt, b.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return errors.Wrap(err, "ошибка при создании книги")
}

// FindByID возвращает книгу
func (r *BookRepo) FindByID(ctx context.Context, id string) (*models.Book, error) {
	b, err := scanBook(r.pool.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "ошибка при получении книги")
	}
	return b, nil
}

// UpdateStatus - условная смена статуса книги
func (r *BookRepo) UpdateStatus(ctx context.Context, id string, to models.BookStatus, from ...models.BookStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE books
		SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status <> $2
		  AND (cardinality($3::text[]) = 0 OR status = ANY($3::text[]))
	`, id, string(to), bookStatuses(from))
	if err != nil {
		return false, errors.Wrap(err, "ошибка при обновлении статуса книги")
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateOwner передаёт книгу, только если текущий владелец совпадает
func (r *BookRepo) UpdateOwner(ctx context.Context, id, fromOwner, toOwner string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE books
		SET user_id = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND user_id = $2
	`, id, fromOwner, toOwner)
	if err != nil {
		return false, errors.Wrap(err, "ошибка при смене владельца книги")
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateStatusByOwner меняет статус всех подходящих книг владельца
func (r *BookRepo) UpdateStatusByOwner(ctx context.Context, ownerID string, to models.BookStatus, from ...models.BookStatus) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE books
		SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $1 AND status <> $2
		  AND (cardinality($3::text[]) = 0 OR status = ANY($3::text[]))
	`, ownerID, string(to), bookStatuses(from))
	if err != nil {
		return 0, errors.Wrap(err, "ошибка при массовом обновлении книг")
	}
	return int(tag.RowsAffected()), nil
}
