// Package dlq implements the dead letter queue: persisted failed
// deliveries retried on exponential backoff, with manual and bulk
// dispositions.
package dlq

import (
	"time"

	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/internal/entity"
	"github.com/xraph/conduit/source"
)

// Status is the state of a DLQ entry.
type Status string

// DLQ entry states.
const (
	StatusPendingRetry Status = "PENDING_RETRY"
	StatusRetrying     Status = "RETRYING"
	StatusResolved     Status = "RESOLVED"
	StatusAbandoned    Status = "ABANDONED"
)

// Entry is one persisted failed delivery awaiting retry or manual
// disposition.
type Entry struct {
	entity.Entity

	// ID is the unique TypeID for this entry.
	ID id.ID `json:"id"`

	// OrgID is the owning tenant.
	OrgID int32 `json:"org_id"`

	// IntegrationID is the integration whose delivery failed.
	IntegrationID id.ID `json:"integration_id"`

	// TraceID references the execution trace of the failed attempt.
	TraceID id.ID `json:"trace_id"`

	// Event is the original normalized event, redelivered as-is.
	Event *source.Event `json:"event"`

	// ActionIndex is the failed action; redelivery resumes there.
	ActionIndex int `json:"action_index"`

	// Error is the category-tagged failure from the final attempt.
	Error *fault.Error `json:"error"`

	// RetryCount is the number of DLQ retries performed so far.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the budget before the entry is abandoned.
	MaxRetries int `json:"max_retries"`

	// NextRetryAt is when the entry becomes due.
	NextRetryAt time.Time `json:"next_retry_at"`

	// Status is the entry state.
	Status Status `json:"status"`

	// FailedAt is when the delivery permanently failed.
	FailedAt time.Time `json:"failed_at"`

	// Notes is the operator note recorded on manual abandonment.
	Notes string `json:"notes,omitempty"`
}

// ListOpts configures filtering and pagination for DLQ listing.
type ListOpts struct {
	Offset int
	Limit  int
	Status *Status
	From   *time.Time
	To     *time.Time
}
