// Package mgo - хранилище обменов на MongoDB.
//
// Эксклюзивность активной пары книг держит уникальный частичный индекс по
// полю activePair: оно заполнено только у pending/accepted и снимается
// ($unset) при выходе из активного статуса.
package mgo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/store"
)

const (
	collUsers     = "users"
	collBooks     = "books"
	collProposals = "swap_proposals"
	collMessages  = "swap_messages"
	collMetrics   = "daily_metrics"

	connectTimeout = 10 * time.Second
)

// Open подключается к MongoDB, создаёт индексы и собирает Store
func Open(ctx context.Context, uri, database string, log *zap.Logger) (*store.Store, error) {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	cli, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to MongoDB")
	}
	if err := cli.Ping(cctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to ping MongoDB")
	}

	db := cli.Database(database)
	if err := EnsureIndexes(cctx, db); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}

	log.Info("✅ Успешное подключение к MongoDB", zap.String("database", database))
	return NewStore(db), nil
}

// NewStore собирает репозитории поверх базы
func NewStore(db *mongo.Database) *store.Store {
	return store.New(
		&BookRepo{coll: db.Collection(collBooks)},
		&UserRepo{coll: db.Collection(collUsers)},
		&ProposalRepo{coll: db.Collection(collProposals)},
		&MessageRepo{coll: db.Collection(collMessages)},
		&MetricsRepo{coll: db.Collection(collMetrics)},
		func(ctx context.Context) error { return db.Client().Disconnect(ctx) },
	)
}

// EnsureIndexes создаёт недостающие индексы по имени
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	collections := map[string][]mongo.IndexModel{
		collUsers: {
			{
				Keys: bson.D{{Key: "telegramId", Value: 1}},
				Options: options.Index().SetName("uniq_telegram").SetUnique(true).
					SetPartialFilterExpression(bson.M{"telegramId": bson.M{"$exists": true}}),
			},
			{
				Keys:    bson.D{{Key: "isFlagged", Value: 1}, {Key: "flaggedUntil", Value: 1}},
				Options: options.Index().SetName("ix_flagged"),
			},
		},
		collBooks: {{
			Keys:    bson.D{{Key: "user", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("ix_owner_status"),
		}},
		collProposals: {
			{
				Keys: bson.D{{Key: "activePair", Value: 1}},
				Options: options.Index().SetName("uniq_active_pair").SetUnique(true).
					SetPartialFilterExpression(bson.M{"activePair": bson.M{"$type": "string"}}),
			},
			{
				Keys:    bson.D{{Key: "from", Value: 1}, {Key: "createdAt", Value: -1}},
				Options: options.Index().SetName("ix_from"),
			},
			{
				Keys:    bson.D{{Key: "to", Value: 1}, {Key: "createdAt", Value: -1}},
				Options: options.Index().SetName("ix_to"),
			},
			{
				Keys:    bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}},
				Options: options.Index().SetName("ix_status_updated"),
			},
		},
		collMessages: {{
			Keys:    bson.D{{Key: "proposalId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("ix_proposal_created"),
		}},
	}

	for name, indexes := range collections {
		coll := db.Collection(name)

		existing, err := coll.Indexes().ListSpecifications(ctx)
		if err != nil {
			return errors.Wrapf(err, "list indexes for %s", name)
		}
		have := make(map[string]struct{}, len(existing))
		for _, spec := range existing {
			have[spec.Name] = struct{}{}
		}

		for _, idx := range indexes {
			if _, ok := have[*idx.Options.Name]; ok {
				continue
			}
			if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
				return errors.Wrapf(err, "create index %s on %s", *idx.Options.Name, name)
			}
		}
	}
	return nil
}

// notFound переводит mongo.ErrNoDocuments в store.ErrNotFound
func notFound(err error, msg string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func exists(ctx context.Context, coll *mongo.Collection, id string) (bool, error) {
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrapf(err, "count %s", coll.Name())
	}
	return n > 0, nil
}
