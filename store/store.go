// Package store defines the composite Store interface for all Conduit
// persistence.
//
// Each subsystem defines its own store interface next to its models, and
// the aggregate Store composes them all. Implementations live in the
// memory and mongo subpackages.
package store

import (
	"context"

	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/lookup"
	"github.com/xraph/conduit/ratelimit"
	"github.com/xraph/conduit/schedule"
	"github.com/xraph/conduit/source"
)

// Store is the aggregate persistence interface.
type Store interface {
	integration.Store
	source.CheckpointStore
	source.ConfigStore
	execlog.Store
	dlq.Store
	ratelimit.Store
	schedule.Store
	job.Store
	lookup.Store

	// Migrate creates collections and indexes.
	Migrate(ctx context.Context) error

	// Ping checks state-store connectivity.
	Ping(ctx context.Context) error

	// Close releases the store connection.
	Close() error
}
