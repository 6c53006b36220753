// Package mongo implements store.Store on MongoDB. All claim operations
// use single-document atomic updates so replicas never double-process a
// row; retention is enforced with TTL indexes created by Migrate.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/xraph/conduit/store"
)

// Collection name constants.
const (
	colIntegrations  = "conduit_integrations"
	colSourceConfigs = "conduit_source_configs"
	colCheckpoints   = "conduit_source_checkpoints"
	colTraces        = "conduit_traces"
	colDLQ           = "conduit_dlq"
	colRateWindows   = "conduit_rate_windows"
	colPending       = "conduit_pending_deliveries"
	colJobs          = "conduit_jobs"
	colJobLogs       = "conduit_job_logs"
	colLookups       = "conduit_lookups"
)

// traceRetention is how long finished traces are kept before the TTL
// index reaps them.
const traceRetention = 30 * 24 * time.Hour

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongod.Client
	db     *mongod.Database
}

// New creates a MongoDB store on the given database.
func New(client *mongod.Client, database string) *Store {
	return &Store{
		client: client,
		db:     client.Database(database),
	}
}

// Connect dials MongoDB and returns a store on the given database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: connect: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("conduit/mongo: ping: %w", err)
	}

	return New(client, database), nil
}

// Client returns the underlying MongoDB client, shared with scheduled-job
// document data sources that target the internal connection.
func (s *Store) Client() *mongod.Client {
	return s.client
}

// col returns a collection handle.
func (s *Store) col(name string) *mongod.Collection {
	return s.db.Collection(name)
}

// Migrate creates indexes for all conduit collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}

		_, err := s.col(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("conduit/mongo: migrate %s indexes: %w", col, err)
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from the database.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.client.Disconnect(ctx)
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments reports whether err is the driver's not-found sentinel.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey reports whether err is a unique-index violation.
func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}

// migrationIndexes returns the index definitions for all conduit
// collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colIntegrations: {
			{Keys: bson.D{
				{Key: "org_id", Value: 1},
				{Key: "direction", Value: 1},
				{Key: "is_active", Value: 1},
				{Key: "event_type", Value: 1},
			}},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "name", Value: 1}}},
		},
		colSourceConfigs: {
			{
				Keys:    bson.D{{Key: "org_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colCheckpoints: {
			{
				Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "source_type", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colTraces: {
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "started_at", Value: -1}}},
			{Keys: bson.D{
				{Key: "org_id", Value: 1},
				{Key: "fingerprint", Value: 1},
				{Key: "integration_id", Value: 1},
				{Key: "status", Value: 1},
			}},
			{
				Keys:    bson.D{{Key: "started_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(traceRetention.Seconds())),
			},
		},
		colDLQ: {
			{Keys: bson.D{
				{Key: "org_id", Value: 1},
				{Key: "status", Value: 1},
				{Key: "failed_at", Value: -1},
			}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at", Value: 1}}},
		},
		colRateWindows: {
			{
				Keys:    bson.D{{Key: "integration_id", Value: 1}, {Key: "window_start", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
		},
		colPending: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduled_for", Value: 1}}},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "scheduled_for", Value: -1}}},
		},
		colJobs: {
			{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "next_run_at", Value: 1}}},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colJobLogs: {
			{Keys: bson.D{
				{Key: "org_id", Value: 1},
				{Key: "job_id", Value: 1},
				{Key: "started_at", Value: -1},
			}},
			{
				Keys:    bson.D{{Key: "started_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(traceRetention.Seconds())),
			},
		},
		colLookups: {
			{
				Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
