// Package source defines the event-source contract: pluggable per-tenant
// adapters that produce a normalized event stream with exactly-once-in-order
// checkpointing.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/xraph/conduit/internal/entity"
)

// Type identifies an event source kind.
type Type string

// Source kinds.
const (
	TypePollingSQL Type = "polling-sql"
	TypeStream     Type = "stream"
	TypeHTTPPush   Type = "http-push"
)

// Config is the per-org ingestion configuration. One active per org.
type Config struct {
	entity.Entity

	// OrgID scopes the source to a tenant.
	OrgID int32 `json:"org_id"`

	// Type selects the adapter kind.
	Type Type `json:"type"`

	// Options is the adapter-specific configuration map.
	Options map[string]any `json:"options"`

	// IsActive gates the source.
	IsActive bool `json:"is_active"`
}

// Event is a normalized event derived from a source record. It carries the
// identity used for deduplication across retries.
type Event struct {
	// OrgID is the owning tenant.
	OrgID int32 `json:"org_id"`

	// EventType is the normalized event type name.
	EventType string `json:"event_type"`

	// EntityRID is the optional entity resource ID the event concerns.
	EntityRID string `json:"entity_rid,omitempty"`

	// Payload is the normalized event body.
	Payload map[string]any `json:"payload"`

	// SourceEventID is the source-native identity (row ID, stream
	// sequence, push request ID).
	SourceEventID string `json:"source_event_id"`

	// SourceType is the kind of adapter that produced the event.
	SourceType Type `json:"source_type"`

	// ProducedAt is when the adapter emitted the event.
	ProducedAt time.Time `json:"produced_at"`
}

// Fingerprint returns the delivery-log idempotency key for the event:
// a stable hash over (orgId, sourceType, sourceEventId).
func (e *Event) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s", e.OrgID, e.SourceType, e.SourceEventID)
	return hex.EncodeToString(h.Sum(nil))
}

// Sink receives normalized events from an adapter. Enqueue must be durable
// before returning: adapters advance checkpoints only after a successful
// enqueue of the whole batch.
type Sink interface {
	Enqueue(ctx context.Context, events []*Event) error
}

// Adapter is the capability set every source kind implements. Adapter state
// is per-org; restarting an adapter resumes from the stored checkpoint.
type Adapter interface {
	// Start begins producing events into the configured sink.
	Start(ctx context.Context) error

	// Stop halts production and releases source connections.
	Stop(ctx context.Context) error

	// Type returns the adapter kind.
	Type() Type
}

// Checkpoint is the per-org, per-source persistence cursor. For polling-sql
// it holds the last processed row ID; for stream sources the committed
// offset per partition.
type Checkpoint struct {
	entity.Entity

	// OrgID is the owning tenant.
	OrgID int32 `json:"org_id"`

	// SourceType is the adapter kind the cursor belongs to.
	SourceType Type `json:"source_type"`

	// LastRowID is the last processed row ID (polling-sql).
	LastRowID int64 `json:"last_row_id,omitempty"`

	// Offsets are committed offsets per partition (stream).
	Offsets map[string]int64 `json:"offsets,omitempty"`
}

// CheckpointStore persists source cursors. Updates are atomic upserts keyed
// by (orgId, sourceType); implementations must never move a cursor
// backwards.
type CheckpointStore interface {
	// GetCheckpoint returns the cursor for (orgID, sourceType), or a zero
	// checkpoint when none exists yet.
	GetCheckpoint(ctx context.Context, orgID int32, st Type) (*Checkpoint, error)

	// SaveCheckpoint upserts the cursor. Implementations guard
	// monotonicity: a save with a smaller cursor is a no-op.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
}

// ConfigStore persists per-org event source configurations.
type ConfigStore interface {
	// GetSourceConfig returns the active source configuration for an org.
	GetSourceConfig(ctx context.Context, orgID int32) (*Config, error)

	// ListSourceConfigs returns all active source configurations.
	ListSourceConfigs(ctx context.Context) ([]*Config, error)

	// SaveSourceConfig upserts an org's source configuration.
	SaveSourceConfig(ctx context.Context, cfg *Config) error
}

// SkipCategory classifies records an adapter skipped rather than emitted.
type SkipCategory string

// Skip categories recorded against the audit counter.
const (
	SkipCorrupt    SkipCategory = "corrupt"
	SkipUnmappable SkipCategory = "unmappable"
	SkipParse      SkipCategory = "parse"
)
