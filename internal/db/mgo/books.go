package mgo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// BookRepo - коллекция books
type BookRepo struct {
	coll *mongo.Collection
}

// statusFilter: не в целевом статусе и, если from задан, в одном из from
func statusFilter(to models.BookStatus, from []models.BookStatus) bson.M {
	cond := bson.M{"$ne": to}
	if len(from) > 0 {
		cond["$in"] = from
	}
	return cond
}

func (r *BookRepo) Create(ctx context.Context, b *models.Book) error {
	_, err := r.coll.InsertOne(ctx, b)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return errors.Wrap(err, "insert book")
}

func (r *BookRepo) FindByID(ctx context.Context, id string) (*models.Book, error) {
	var b models.Book
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&b); err != nil {
		return nil, notFound(err, "find book")
	}
	return &b, nil
}

func (r *BookRepo) UpdateStatus(ctx context.Context, id string, to models.BookStatus, from ...models.BookStatus) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": statusFilter(to, from)},
		bson.M{"$set": bson.M{"status": to, "updatedAt": time.Now()}},
	)
	if err != nil {
		return false, errors.Wrap(err, "update book status")
	}
	return res.ModifiedCount > 0, nil
}

func (r *BookRepo) UpdateOwner(ctx context.Context, id, fromOwner, toOwner string) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "user": fromOwner},
		bson.M{"$set": bson.M{"user": toOwner, "updatedAt": time.Now()}},
	)
	if err != nil {
		return false, errors.Wrap(err, "update book owner")
	}
	return res.ModifiedCount > 0, nil
}

func (r *BookRepo) UpdateStatusByOwner(ctx context.Context, ownerID string, to models.BookStatus, from ...models.BookStatus) (int, error) {
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"user": ownerID, "status": statusFilter(to, from)},
		bson.M{"$set": bson.M{"status": to, "updatedAt": time.Now()}},
	)
	if err != nil {
		return 0, errors.Wrap(err, "update books by owner")
	}
	return int(res.ModifiedCount), nil
}
