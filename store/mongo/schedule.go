package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	conduit "github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/schedule"
)

// CreatePending persists a new scheduled delivery.
func (s *Store) CreatePending(ctx context.Context, pd *schedule.PendingDelivery) error {
	_, err := s.col(colPending).InsertOne(ctx, toPendingModel(pd))
	if err != nil {
		return fmt.Errorf("conduit/mongo: create pending: %w", err)
	}

	return nil
}

// ClaimDuePending atomically moves due PENDING rows into RUNNING, one
// FindOneAndUpdate per row so racing replicas never fire the same
// delivery twice.
func (s *Store) ClaimDuePending(ctx context.Context, nowAt time.Time, limit int) ([]*schedule.PendingDelivery, error) {
	result := make([]*schedule.PendingDelivery, 0, limit)
	t := now()
	col := s.col(colPending)

	for range limit {
		filter := bson.M{
			"status":        string(schedule.StatusPending),
			"scheduled_for": bson.M{"$lte": nowAt},
		}

		update := bson.M{
			"$set": bson.M{
				"status":     string(schedule.StatusRunning),
				"updated_at": t,
			},
		}

		opts := options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetSort(bson.D{{Key: "scheduled_for", Value: 1}})

		var m pendingModel

		err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}

			return nil, fmt.Errorf("conduit/mongo: claim due pending: %w", err)
		}

		pd, err := fromPendingModel(&m)
		if err != nil {
			return nil, err
		}

		result = append(result, pd)
	}

	return result, nil
}

// UpdatePending replaces a row.
func (s *Store) UpdatePending(ctx context.Context, pd *schedule.PendingDelivery) error {
	m := toPendingModel(pd)
	m.UpdatedAt = now()

	res, err := s.col(colPending).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("conduit/mongo: update pending: %w", err)
	}

	if res.MatchedCount == 0 {
		return conduit.ErrPendingNotFound
	}

	return nil
}

// GetPending returns a row by ID, scoped to the tenant.
func (s *Store) GetPending(ctx context.Context, orgID int32, pndID id.ID) (*schedule.PendingDelivery, error) {
	var m pendingModel

	err := s.col(colPending).FindOne(ctx, bson.M{
		"_id":    pndID.String(),
		"org_id": orgID,
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, conduit.ErrPendingNotFound
		}

		return nil, fmt.Errorf("conduit/mongo: get pending: %w", err)
	}

	return fromPendingModel(&m)
}

// CancelPending moves a PENDING row to CANCELLED. A row already claimed
// by the scheduler is left alone.
func (s *Store) CancelPending(ctx context.Context, orgID int32, pndID id.ID) error {
	res, err := s.col(colPending).UpdateOne(ctx,
		bson.M{
			"_id":    pndID.String(),
			"org_id": orgID,
			"status": string(schedule.StatusPending),
		},
		bson.M{"$set": bson.M{
			"status":     string(schedule.StatusCancelled),
			"updated_at": now(),
		}})
	if err != nil {
		return fmt.Errorf("conduit/mongo: cancel pending: %w", err)
	}

	if res.MatchedCount == 0 {
		// Distinguish a missing row from one that already ran.
		count, countErr := s.col(colPending).CountDocuments(ctx,
			bson.M{"_id": pndID.String(), "org_id": orgID},
			options.Count().SetLimit(1))
		if countErr != nil {
			return fmt.Errorf("conduit/mongo: cancel pending: %w", countErr)
		}

		if count == 0 {
			return conduit.ErrPendingNotFound
		}
	}

	return nil
}
