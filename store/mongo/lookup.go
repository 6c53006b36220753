package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	conduit "github.com/xraph/conduit"
	"github.com/xraph/conduit/lookup"
)

// GetLookup returns a table by (orgID, name).
func (s *Store) GetLookup(ctx context.Context, orgID int32, name string) (*lookup.Table, error) {
	var m lookupModel

	err := s.col(colLookups).FindOne(ctx, bson.M{
		"org_id": orgID,
		"name":   name,
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, conduit.ErrLookupNotFound
		}

		return nil, fmt.Errorf("conduit/mongo: get lookup: %w", err)
	}

	return fromLookupModel(&m)
}

// SaveLookup upserts a table keyed by (orgID, name). Counters survive the
// upsert: only the entry set and timestamps are replaced.
func (s *Store) SaveLookup(ctx context.Context, t *lookup.Table) error {
	m := toLookupModel(t)
	ts := now()

	update := bson.M{
		"$set": bson.M{
			"entries":    m.Entries,
			"updated_at": ts,
		},
		"$setOnInsert": bson.M{
			"_id":        m.ID,
			"created_at": ts,
		},
	}

	_, err := s.col(colLookups).UpdateOne(ctx,
		bson.M{"org_id": t.OrgID, "name": t.Name},
		update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("conduit/mongo: save lookup: %w", err)
	}

	return nil
}

// ListLookups returns all tables for an org.
func (s *Store) ListLookups(ctx context.Context, orgID int32) ([]*lookup.Table, error) {
	cursor, err := s.col(colLookups).Find(ctx, bson.M{"org_id": orgID},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: list lookups: %w", err)
	}

	var models []lookupModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("conduit/mongo: list lookups: %w", err)
	}

	result := make([]*lookup.Table, 0, len(models))
	for i := range models {
		t, err := fromLookupModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, t)
	}

	return result, nil
}

// BumpLookupStats atomically adds to a table's hit/miss counters.
func (s *Store) BumpLookupStats(ctx context.Context, orgID int32, name string, hits, misses int64) error {
	res, err := s.col(colLookups).UpdateOne(ctx,
		bson.M{"org_id": orgID, "name": name},
		bson.M{"$inc": bson.M{"hits": hits, "misses": misses}})
	if err != nil {
		return fmt.Errorf("conduit/mongo: bump lookup stats: %w", err)
	}

	if res.MatchedCount == 0 {
		return conduit.ErrLookupNotFound
	}

	return nil
}
