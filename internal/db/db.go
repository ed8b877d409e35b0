// Package db - хранилище обменов на PostgreSQL (pgx).
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// connectTimeout - предел на подключение и проверку соединения
const connectTimeout = 10 * time.Second

// codeUniqueViolation - SQLSTATE нарушения уникальности
const codeUniqueViolation = "23505"

// Connect создаёт пул соединений и проверяет его
func Connect(ctx context.Context, databaseURL string, log *zap.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	// Настраиваем конфигурацию пула соединений
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка при разборе URL базы данных")
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка при создании пула соединений")
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ошибка при проверке соединения")
	}

	log.Info("✅ Успешное подключение к базе данных",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database))
	return pool, nil
}

// Open подключается, применяет схему и собирает Store
func Open(ctx context.Context, databaseURL string, log *zap.Logger) (*store.Store, error) {
	pool, err := Connect(ctx, databaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewStore(pool), nil
}

// NewStore собирает репозитории поверх пула
func NewStore(pool *pgxpool.Pool) *store.Store {
	return store.New(
		&BookRepo{pool: pool},
		&UserRepo{pool: pool},
		&ProposalRepo{pool: pool},
		&MessageRepo{pool: pool},
		&MetricsRepo{pool: pool},
		func(context.Context) error {
			pool.Close()
			return nil
		},
	)
}

// Migrate применяет схему; все выражения идемпотентны
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "ошибка применения схемы")
		}
	}
	return nil
}

// scanner - общий интерфейс pgx.Row и pgx.Rows
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// notFound переводит pgx.ErrNoRows в store.ErrNotFound
func notFound(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

// exists различает "нет записи" и "условие не выполнено" после пустого UPDATE
func exists(ctx context.Context, pool *pgxpool.Pool, table, id string) (bool, error) {
	var ok bool
	err := pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&ok)
	if err != nil {
		return false, errors.Wrapf(err, "ошибка проверки %s", table)
	}
	return ok, nil
}

func preconditionOrNotFound(ctx context.Context, pool *pgxpool.Pool, table, id string) error {
	ok, err := exists(ctx, pool, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return store.ErrPrecondition
}
