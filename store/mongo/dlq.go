package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	conduit "github.com/xraph/conduit"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/id"
)

// PushDLQ persists a new entry.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.col(colDLQ).InsertOne(ctx, toDLQEntryModel(entry))
	if err != nil {
		return fmt.Errorf("conduit/mongo: push dlq: %w", err)
	}

	return nil
}

// ClaimDue atomically moves due PENDING_RETRY entries into RETRYING.
// FindOneAndUpdate claims one entry per round trip so racing replicas
// never pick up the same entry.
func (s *Store) ClaimDue(ctx context.Context, nowAt time.Time, limit int) ([]*dlq.Entry, error) {
	result := make([]*dlq.Entry, 0, limit)
	t := now()
	col := s.col(colDLQ)

	for range limit {
		filter := bson.M{
			"status":        string(dlq.StatusPendingRetry),
			"next_retry_at": bson.M{"$lte": nowAt},
		}

		update := bson.M{
			"$set": bson.M{
				"status":     string(dlq.StatusRetrying),
				"updated_at": t,
			},
		}

		opts := options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetSort(bson.D{{Key: "next_retry_at", Value: 1}})

		var m dlqEntryModel

		err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}

			return nil, fmt.Errorf("conduit/mongo: claim due dlq: %w", err)
		}

		entry, err := fromDLQEntryModel(&m)
		if err != nil {
			return nil, err
		}

		result = append(result, entry)
	}

	return result, nil
}

// ClaimOne claims a single entry for manual reprocessing, regardless of
// its nextRetryAt.
func (s *Store) ClaimOne(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	filter := bson.M{
		"_id": dlqID.String(),
		"status": bson.M{"$in": bson.A{
			string(dlq.StatusPendingRetry),
			string(dlq.StatusAbandoned),
		}},
	}

	update := bson.M{
		"$set": bson.M{
			"status":     string(dlq.StatusRetrying),
			"updated_at": now(),
		},
	}

	var m dlqEntryModel

	err := s.col(colDLQ).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, conduit.ErrDLQNotFound
		}

		return nil, fmt.Errorf("conduit/mongo: claim one dlq: %w", err)
	}

	return fromDLQEntryModel(&m)
}

// UpdateDLQ replaces an entry document.
func (s *Store) UpdateDLQ(ctx context.Context, entry *dlq.Entry) error {
	m := toDLQEntryModel(entry)
	m.UpdatedAt = now()

	res, err := s.col(colDLQ).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("conduit/mongo: update dlq: %w", err)
	}

	if res.MatchedCount == 0 {
		return conduit.ErrDLQNotFound
	}

	return nil
}

// GetDLQ returns an entry by ID.
func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	var m dlqEntryModel

	err := s.col(colDLQ).FindOne(ctx, bson.M{"_id": dlqID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, conduit.ErrDLQNotFound
		}

		return nil, fmt.Errorf("conduit/mongo: get dlq: %w", err)
	}

	return fromDLQEntryModel(&m)
}

// ListDLQ returns entries for an org, newest failure first.
func (s *Store) ListDLQ(ctx context.Context, orgID int32, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	filter := bson.M{"org_id": orgID}
	if opts.Status != nil {
		filter["status"] = string(*opts.Status)
	}

	if opts.From != nil || opts.To != nil {
		dateFilter := bson.M{}
		if opts.From != nil {
			dateFilter["$gte"] = *opts.From
		}

		if opts.To != nil {
			dateFilter["$lte"] = *opts.To
		}

		filter["failed_at"] = dateFilter
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.col(colDLQ).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: list dlq: %w", err)
	}

	var models []dlqEntryModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("conduit/mongo: list dlq: %w", err)
	}

	result := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		entry, err := fromDLQEntryModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, entry)
	}

	return result, nil
}

// DeleteDLQ removes an entry.
func (s *Store) DeleteDLQ(ctx context.Context, dlqID id.ID) error {
	res, err := s.col(colDLQ).DeleteOne(ctx, bson.M{"_id": dlqID.String()})
	if err != nil {
		return fmt.Errorf("conduit/mongo: delete dlq: %w", err)
	}

	if res.DeletedCount == 0 {
		return conduit.ErrDLQNotFound
	}

	return nil
}

// CountDLQ returns the number of entries for an org per status.
func (s *Store) CountDLQ(ctx context.Context, orgID int32) (map[dlq.Status]int64, error) {
	cursor, err := s.col(colDLQ).Aggregate(ctx, bson.A{
		bson.M{"$match": bson.M{"org_id": orgID}},
		bson.M{"$group": bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: count dlq: %w", err)
	}

	var rows []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}

	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("conduit/mongo: count dlq: %w", err)
	}

	counts := make(map[dlq.Status]int64, len(rows))
	for _, row := range rows {
		counts[dlq.Status(row.Status)] = row.Count
	}

	return counts, nil
}
