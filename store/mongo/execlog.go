package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	conduit "github.com/xraph/conduit"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/id"
)

// CreateLog persists a new trace root document.
func (s *Store) CreateLog(ctx context.Context, l *execlog.Log) error {
	_, err := s.col(colTraces).InsertOne(ctx, toTraceModel(l))
	if err != nil {
		return fmt.Errorf("conduit/mongo: create log: %w", err)
	}

	return nil
}

// AppendStep atomically pushes one step onto a trace.
func (s *Store) AppendStep(ctx context.Context, traceID id.ID, step execlog.Step) error {
	res, err := s.col(colTraces).UpdateOne(ctx,
		bson.M{"_id": traceID.String()},
		bson.M{"$push": bson.M{"steps": step}})
	if err != nil {
		return fmt.Errorf("conduit/mongo: append step: %w", err)
	}

	if res.MatchedCount == 0 {
		return conduit.ErrTraceNotFound
	}

	return nil
}

// FinishLog sets the terminal fields of a trace.
func (s *Store) FinishLog(ctx context.Context, l *execlog.Log) error {
	set := bson.M{
		"status":      string(l.Status),
		"finished_at": l.FinishedAt,
		"duration_ms": l.DurationMs,
	}

	if l.Request != nil {
		set["request"] = l.Request
	}

	if l.Response != nil {
		set["response"] = l.Response
	}

	if l.Error != nil {
		set["error"] = l.Error
	}

	res, err := s.col(colTraces).UpdateOne(ctx,
		bson.M{"_id": l.TraceID.String()},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("conduit/mongo: finish log: %w", err)
	}

	if res.MatchedCount == 0 {
		return conduit.ErrTraceNotFound
	}

	return nil
}

// GetLog returns a trace by ID.
func (s *Store) GetLog(ctx context.Context, traceID id.ID) (*execlog.Log, error) {
	var m traceModel

	err := s.col(colTraces).FindOne(ctx, bson.M{"_id": traceID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, conduit.ErrTraceNotFound
		}

		return nil, fmt.Errorf("conduit/mongo: get log: %w", err)
	}

	return fromTraceModel(&m)
}

// ListLogs returns traces for an org, newest first.
func (s *Store) ListLogs(ctx context.Context, orgID int32, opts execlog.ListOpts) ([]*execlog.Log, error) {
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

		filter["started_at"] = dateFilter
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.col(colTraces).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: list logs: %w", err)
	}

	var models []traceModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("conduit/mongo: list logs: %w", err)
	}

	result := make([]*execlog.Log, 0, len(models))
	for i := range models {
		l, err := fromTraceModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, l)
	}

	return result, nil
}

// HasTerminalLog reports whether a terminal trace exists for
// (orgID, fingerprint, integrationID).
func (s *Store) HasTerminalLog(ctx context.Context, orgID int32, fingerprint string, intgID id.ID) (bool, error) {
	count, err := s.col(colTraces).CountDocuments(ctx, bson.M{
		"org_id":         orgID,
		"fingerprint":    fingerprint,
		"integration_id": intgID.String(),
		"status": bson.M{"$in": bson.A{
			string(execlog.StatusSuccess),
			string(execlog.StatusFailed),
			string(execlog.StatusAbandoned),
		}},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("conduit/mongo: has terminal log: %w", err)
	}

	return count > 0, nil
}
