package mgo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// UserRepo - коллекция users
type UserRepo struct {
	coll *mongo.Collection
}

func unreadField(proposalID string) string {
	return "unreadCounts." + proposalID
}

func (r *UserRepo) Create(ctx context.Context, u *models.User) error {
	doc := *u
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	_, err := r.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return errors.Wrap(err, "insert user")
}

func (r *UserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return nil, notFound(err, "find user")
	}
	return &u, nil
}

// FindOrCreateByTelegram - upsert по telegramId; ID из in пишется только при вставке
func (r *UserRepo) FindOrCreateByTelegram(ctx context.Context, in *models.User) (*models.User, error) {
	now := time.Now()
	res := r.coll.FindOneAndUpdate(ctx,
		bson.M{"telegramId": in.TelegramID},
		bson.M{
			"$set": bson.M{
				"username":  in.Username,
				"firstName": in.FirstName,
				"lastName":  in.LastName,
				"avatarUrl": in.AvatarURL,
				"updatedAt": now,
			},
			"$setOnInsert": bson.M{
				"_id":           in.ID,
				"reportedCount": 0,
				"isFlagged":     false,
				"flaggedUntil":  nil,
				"createdAt":     now,
			},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var u models.User
	if err := res.Decode(&u); err != nil {
		return nil, errors.Wrap(err, "upsert telegram user")
	}
	return &u, nil
}

func (r *UserRepo) IncrementReportCount(ctx context.Context, id string) (int, error) {
	res := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"reportedCount": 1}, "$set": bson.M{"updatedAt": time.Now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var u models.User
	if err := res.Decode(&u); err != nil {
		return 0, notFound(err, "increment report count")
	}
	return u.ReportedCount, nil
}

func (r *UserRepo) Flag(ctx context.Context, id string, until time.Time) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "isFlagged": bson.M{"$ne": true}},
		bson.M{"$set": bson.M{"isFlagged": true, "flaggedUntil": until, "updatedAt": time.Now()}},
	)
	if err != nil {
		return false, errors.Wrap(err, "flag user")
	}
	return r.applied(ctx, id, res.ModifiedCount)
}

func (r *UserRepo) Unflag(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "isFlagged": true, "flaggedUntil": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{
			"isFlagged":     false,
			"flaggedUntil":  nil,
			"reportedCount": 0,
			"updatedAt":     time.Now(),
		}},
	)
	if err != nil {
		return false, errors.Wrap(err, "unflag user")
	}
	return r.applied(ctx, id, res.ModifiedCount)
}

func (r *UserRepo) applied(ctx context.Context, id string, modified int64) (bool, error) {
	if modified > 0 {
		return true, nil
	}
	ok, err := exists(ctx, r.coll, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (r *UserRepo) ListFlaggedUntil(ctx context.Context, now time.Time) ([]models.User, error) {
	cur, err := r.coll.Find(ctx,
		bson.M{"isFlagged": true, "flaggedUntil": bson.M{"$lte": now}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find flagged users")
	}
	var out []models.User
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode flagged users")
	}
	return out, nil
}

func (r *UserRepo) IncrementUnread(ctx context.Context, userID, proposalID string) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$inc": bson.M{unreadField(proposalID): 1}},
	)
	if err != nil {
		return errors.Wrap(err, "increment unread")
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ResetUnread обнуляет счётчик, только если запись уже есть
func (r *UserRepo) ResetUnread(ctx context.Context, userID, proposalID string) error {
	field := unreadField(proposalID)
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": userID, field: bson.M{"$exists": true}},
		bson.M{"$set": bson.M{field: 0}},
	)
	if err != nil {
		return errors.Wrap(err, "reset unread")
	}
	if res.MatchedCount == 0 {
		return r.mustExist(ctx, userID)
	}
	return nil
}

func (r *UserRepo) DeleteUnread(ctx context.Context, userID, proposalID string) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$unset": bson.M{unreadField(proposalID): ""}},
	)
	if err != nil {
		return errors.Wrap(err, "delete unread")
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *UserRepo) mustExist(ctx context.Context, id string) error {
	ok, err := exists(ctx, r.coll, id)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}
