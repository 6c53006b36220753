package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	conduit "github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
)

// CreateIntegration persists a new integration version.
func (s *Store) CreateIntegration(ctx context.Context, in *integration.Integration) error {
	_, err := s.col(colIntegrations).InsertOne(ctx, toIntegrationModel(in))
	if err != nil {
		return fmt.Errorf("conduit/mongo: create integration: %w", err)
	}

	return nil
}

// UpdateIntegration replaces an integration document.
func (s *Store) UpdateIntegration(ctx context.Context, in *integration.Integration) error {
	m := toIntegrationModel(in)
	m.UpdatedAt = now()

	res, err := s.col(colIntegrations).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("conduit/mongo: update integration: %w", err)
	}

	if res.MatchedCount == 0 {
		return conduit.ErrIntegrationNotFound
	}

	return nil
}

// GetIntegration returns an integration by ID.
func (s *Store) GetIntegration(ctx context.Context, intgID id.ID) (*integration.Integration, error) {
	var m integrationModel

	err := s.col(colIntegrations).FindOne(ctx, bson.M{"_id": intgID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, conduit.ErrIntegrationNotFound
		}

		return nil, fmt.Errorf("conduit/mongo: get integration: %w", err)
	}

	return fromIntegrationModel(&m)
}

// ListIntegrations returns integrations for an org, oldest first.
func (s *Store) ListIntegrations(ctx context.Context, orgID int32, opts integration.ListOpts) ([]*integration.Integration, error) {
	filter := bson.M{"org_id": orgID}
	if opts.Direction != nil {
		filter["direction"] = string(*opts.Direction)
	}

	if opts.Active != nil {
		filter["is_active"] = *opts.Active
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.col(colIntegrations).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: list integrations: %w", err)
	}

	var models []integrationModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("conduit/mongo: list integrations: %w", err)
	}

	return fromIntegrationModels(models)
}

// ListDefaults returns the active default versions for (org, direction).
func (s *Store) ListDefaults(ctx context.Context, orgID int32, dir integration.Direction) ([]*integration.Integration, error) {
	filter := bson.M{
		"org_id":     orgID,
		"direction":  string(dir),
		"is_default": true,
		"is_active":  true,
	}

	cursor, err := s.col(colIntegrations).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: list defaults: %w", err)
	}

	var models []integrationModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("conduit/mongo: list defaults: %w", err)
	}

	return fromIntegrationModels(models)
}

// SwapDefault moves the default flag for (orgID, name). Clear and set run
// in one transaction so readers never observe two defaults for a name.
func (s *Store) SwapDefault(ctx context.Context, orgID int32, name string, intgID id.ID) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("conduit/mongo: swap default session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		t := now()

		_, err := s.col(colIntegrations).UpdateMany(ctx,
			bson.M{
				"org_id": orgID,
				"name":   name,
				"_id":    bson.M{"$ne": intgID.String()},
			},
			bson.M{"$set": bson.M{"is_default": false, "updated_at": t}})
		if err != nil {
			return nil, err
		}

		res, err := s.col(colIntegrations).UpdateOne(ctx,
			bson.M{"_id": intgID.String(), "org_id": orgID, "name": name},
			bson.M{"$set": bson.M{"is_default": true, "updated_at": t}})
		if err != nil {
			return nil, err
		}

		if res.MatchedCount == 0 {
			return nil, conduit.ErrIntegrationNotFound
		}

		return nil, nil
	})
	if err != nil {
		if errors.Is(err, conduit.ErrIntegrationNotFound) {
			return conduit.ErrIntegrationNotFound
		}

		return fmt.Errorf("conduit/mongo: swap default: %w", err)
	}

	return nil
}

// DeleteIntegration removes an integration version.
func (s *Store) DeleteIntegration(ctx context.Context, intgID id.ID) error {
	res, err := s.col(colIntegrations).DeleteOne(ctx, bson.M{"_id": intgID.String()})
	if err != nil {
		return fmt.Errorf("conduit/mongo: delete integration: %w", err)
	}

	if res.DeletedCount == 0 {
		return conduit.ErrIntegrationNotFound
	}

	return nil
}

func fromIntegrationModels(models []integrationModel) ([]*integration.Integration, error) {
	result := make([]*integration.Integration, 0, len(models))

	for i := range models {
		in, err := fromIntegrationModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, in)
	}

	return result, nil
}
