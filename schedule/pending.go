// Package schedule fires DELAYED and RECURRING outbound deliveries at
// their scheduled time.
package schedule

import (
	"time"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/internal/entity"
)

// Kind distinguishes one-shot from recurring deliveries.
type Kind string

// Pending delivery kinds.
const (
	KindDelayed   Kind = "DELAYED"
	KindRecurring Kind = "RECURRING"
)

// Status is the state of a pending delivery.
type Status string

// Pending delivery states.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// PendingDelivery is one scheduled future delivery attempt.
type PendingDelivery struct {
	entity.Entity

	// ID is the unique TypeID for this row.
	ID id.ID `json:"id"`

	// OrgID is the owning tenant.
	OrgID int32 `json:"org_id"`

	// IntegrationID is the integration to run.
	IntegrationID id.ID `json:"integration_id"`

	// ActionIndex selects a single action, or -1 for the whole sequence.
	ActionIndex int `json:"action_index"`

	// Payload is the event payload delivered when the row fires.
	Payload map[string]any `json:"payload"`

	// EventType is the synthetic event type attached to the payload.
	EventType string `json:"event_type"`

	// Kind is DELAYED or RECURRING.
	Kind Kind `json:"kind"`

	// ScheduledFor is when the row becomes due.
	ScheduledFor time.Time `json:"scheduled_for"`

	// Status is the row state.
	Status Status `json:"status"`

	// Attempt counts fires of this row.
	Attempt int `json:"attempt"`

	// Interval advances ScheduledFor after each RECURRING fire.
	Interval time.Duration `json:"interval,omitempty"`

	// MaxOccurrences terminates a RECURRING row after N fires. Zero
	// means unbounded.
	MaxOccurrences int `json:"max_occurrences,omitempty"`

	// EndDate terminates a RECURRING row at a wall-clock deadline.
	EndDate *time.Time `json:"end_date,omitempty"`
}
