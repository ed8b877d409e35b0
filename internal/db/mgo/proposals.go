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

// ProposalRepo - коллекция swap_proposals
type ProposalRepo struct {
	coll *mongo.Collection
}

// proposalDoc - запись в коллекции: обмен плюс ключ активной пары
type proposalDoc struct {
	models.SwapProposal `bson:",inline"`
	ActivePair          string `bson:"activePair,omitempty"`
}

var newestFirst = bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}

// guardFilter переводит store.Guard в фильтр запроса
func guardFilter(id string, g store.Guard) bson.M {
	f := bson.M{"_id": id}
	if len(g.Statuses) > 0 {
		f["status"] = bson.M{"$in": g.Statuses}
	}
	if g.FromCompleted != nil {
		f["fromCompleted"] = *g.FromCompleted
	}
	if g.ToCompleted != nil {
		f["toCompleted"] = *g.ToCompleted
	}
	if !g.UpdatedBefore.IsZero() {
		f["updatedAt"] = bson.M{"$lt": g.UpdatedBefore}
	}
	return f
}

// patchUpdate переводит store.ProposalPatch в $set/$unset
func patchUpdate(p store.ProposalPatch) bson.M {
	set := bson.M{}
	if p.Status != nil {
		set["status"] = *p.Status
	}
	if p.ToAccepted != nil {
		set["toAccepted"] = *p.ToAccepted
	}
	if p.ToMessage != nil {
		set["toMessage"] = *p.ToMessage
	}
	if p.FromCompleted != nil {
		set["fromCompleted"] = *p.FromCompleted
	}
	if p.ToCompleted != nil {
		set["toCompleted"] = *p.ToCompleted
	}
	if p.FromArchived != nil {
		set["fromArchived"] = *p.FromArchived
	}
	if p.ToArchived != nil {
		set["toArchived"] = *p.ToArchived
	}
	for field, t := range map[string]*time.Time{
		"acceptedAt":  p.AcceptedAt,
		"completedAt": p.CompletedAt,
		"reportedAt":  p.ReportedAt,
		"cancelledAt": p.CancelledAt,
		"expiredAt":   p.ExpiredAt,
	} {
		if t != nil {
			set[field] = *t
		}
	}
	if !p.UpdatedAt.IsZero() {
		set["updatedAt"] = p.UpdatedAt
	}

	update := bson.M{"$set": set}
	if p.Status != nil && !p.Status.IsActive() {
		update["$unset"] = bson.M{"activePair": ""}
	}
	return update
}

func (r *ProposalRepo) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]models.SwapProposal, error) {
	cur, err := r.coll.Find(ctx, filter, append([]*options.FindOptions{options.Find().SetSort(newestFirst)}, opts...)...)
	if err != nil {
		return nil, errors.Wrap(err, "find proposals")
	}
	var docs []proposalDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode proposals")
	}
	out := make([]models.SwapProposal, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.SwapProposal)
	}
	return out, nil
}

func (r *ProposalRepo) Create(ctx context.Context, p *models.SwapProposal) error {
	doc := proposalDoc{SwapProposal: *p}
	if p.Status.IsActive() {
		doc.ActivePair = p.PairKey()
	}
	_, err := r.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return errors.Wrap(err, "insert proposal")
}

func (r *ProposalRepo) FindByID(ctx context.Context, id string) (*models.SwapProposal, error) {
	var doc proposalDoc
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err, "find proposal")
	}
	return &doc.SwapProposal, nil
}

func (r *ProposalRepo) FindActiveByPair(ctx context.Context, bookA, bookB string) (*models.SwapProposal, error) {
	var doc proposalDoc
	err := r.coll.FindOne(ctx, bson.M{"activePair": models.PairKey(bookA, bookB)}).Decode(&doc)
	if err != nil {
		return nil, notFound(err, "find active pair")
	}
	return &doc.SwapProposal, nil
}

func (r *ProposalRepo) List(ctx context.Context, f store.ProposalFilter) ([]models.SwapProposal, error) {
	filter := bson.M{}
	switch f.Role {
	case models.RoleFrom:
		filter["from"] = f.UserID
	case models.RoleTo:
		filter["to"] = f.UserID
	default:
		filter["$or"] = bson.A{bson.M{"from": f.UserID}, bson.M{"to": f.UserID}}
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if !f.IncludeArchived {
		filter["$nor"] = bson.A{
			bson.M{"from": f.UserID, "fromArchived": true},
			bson.M{"to": f.UserID, "toArchived": true},
		}
	}
	opts := options.Find()
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return r.find(ctx, filter, opts)
}

func (r *ProposalRepo) ListPendingByBook(ctx context.Context, bookID string) ([]models.SwapProposal, error) {
	return r.find(ctx, bson.M{
		"status": models.SwapPending,
		"$or":    bson.A{bson.M{"offeredBook": bookID}, bson.M{"requestedBook": bookID}},
	})
}

func (r *ProposalRepo) ListStale(ctx context.Context, statuses []models.SwapStatus, updatedBefore time.Time) ([]models.SwapProposal, error) {
	return r.find(ctx, bson.M{
		"status":    bson.M{"$in": statuses},
		"updatedAt": bson.M{"$lt": updatedBefore},
	})
}

func (r *ProposalRepo) ListExpiredBefore(ctx context.Context, before time.Time) ([]models.SwapProposal, error) {
	return r.find(ctx, bson.M{
		"status":    models.SwapExpired,
		"expiredAt": bson.M{"$lt": before},
	})
}

// Update - условная запись одним FindOneAndUpdate
func (r *ProposalRepo) Update(ctx context.Context, id string, guard store.Guard, patch store.ProposalPatch) (*models.SwapProposal, error) {
	res := r.coll.FindOneAndUpdate(ctx, guardFilter(id, guard), patchUpdate(patch),
		options.FindOneAndUpdate().SetReturnDocument(options.After))

	var doc proposalDoc
	err := res.Decode(&doc)
	switch {
	case err == nil:
		return &doc.SwapProposal, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, r.preconditionOrNotFound(ctx, id)
	case mongo.IsDuplicateKeyError(err):
		return nil, store.ErrConflict
	}
	return nil, errors.Wrap(err, "update proposal")
}

func (r *ProposalRepo) Delete(ctx context.Context, id string, guard store.Guard) error {
	res, err := r.coll.DeleteOne(ctx, guardFilter(id, guard))
	if err != nil {
		return errors.Wrap(err, "delete proposal")
	}
	if res.DeletedCount == 0 {
		return r.preconditionOrNotFound(ctx, id)
	}
	return nil
}

func (r *ProposalRepo) preconditionOrNotFound(ctx context.Context, id string) error {
	ok, err := exists(ctx, r.coll, id)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return store.ErrPrecondition
}

func (r *ProposalRepo) CountCreatedBetween(ctx context.Context, from, to time.Time) (map[models.SwapStatus]int, error) {
	cur, err := r.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"createdAt": bson.M{"$gte": from, "$lt": to}}}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "aggregate proposals")
	}
	var rows []struct {
		Status models.SwapStatus `bson:"_id"`
		N      int               `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "decode aggregate")
	}
	out := make(map[models.SwapStatus]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

// MessageRepo - коллекция swap_messages
type MessageRepo struct {
	coll *mongo.Collection
}

func (r *MessageRepo) Create(ctx context.Context, m *models.Message) error {
	_, err := r.coll.InsertOne(ctx, m)
	return errors.Wrap(err, "insert message")
}

func (r *MessageRepo) ListByProposal(ctx context.Context, proposalID string, limit int) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll.Find(ctx, bson.M{"proposalId": proposalID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find messages")
	}
	out := make([]models.Message, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}
	return out, nil
}

func (r *MessageRepo) DeleteByProposal(ctx context.Context, proposalID string) (int, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"proposalId": proposalID})
	if err != nil {
		return 0, errors.Wrap(err, "delete messages")
	}
	return int(res.DeletedCount), nil
}

// MetricsRepo - коллекция daily_metrics
type MetricsRepo struct {
	coll *mongo.Collection
}

func (r *MetricsRepo) UpsertDaily(ctx context.Context, m *models.DailyMetrics) error {
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": m.Day}, m, options.Replace().SetUpsert(true))
	return errors.Wrap(err, "upsert daily metrics")
}
