package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/conduit/id"
)

// IncrementWindow atomically increments the (integrationID, windowStart)
// counter, creating the window document on first hit. The TTL index on
// expires_at reaps closed windows.
func (s *Store) IncrementWindow(ctx context.Context, orgID int32, intgID id.ID, windowStart time.Time, ttl time.Duration) (int64, error) {
	filter := bson.M{
		"integration_id": intgID.String(),
		"window_start":   windowStart,
	}

	update := bson.M{
		"$inc": bson.M{"count": 1},
		"$setOnInsert": bson.M{
			"org_id":     orgID,
			"expires_at": windowStart.Add(ttl),
			"created_at": now(),
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc struct {
		Count int64 `bson:"count"`
	}

	err := s.col(colRateWindows).FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("conduit/mongo: increment window: %w", err)
	}

	return doc.Count, nil
}
