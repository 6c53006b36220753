package dlq

import (
	"context"
	"time"

	"github.com/xraph/conduit/id"
)

// Store is the persistence contract for the dead letter queue.
type Store interface {
	// PushDLQ persists a new entry.
	PushDLQ(ctx context.Context, entry *Entry) error

	// ClaimDue atomically moves up to limit PENDING_RETRY entries with
	// nextRetryAt ≤ now into RETRYING and returns them. The CAS claim
	// makes reprocessing safe across replicas.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// ClaimOne atomically claims a single entry regardless of its
	// nextRetryAt, used by manual retry. Returns ErrDLQNotFound when the
	// entry is missing or not claimable.
	ClaimOne(ctx context.Context, dlqID id.ID) (*Entry, error)

	// UpdateDLQ replaces an entry document.
	UpdateDLQ(ctx context.Context, entry *Entry) error

	// GetDLQ returns an entry by ID.
	GetDLQ(ctx context.Context, dlqID id.ID) (*Entry, error)

	// ListDLQ returns entries for an org, newest failure first.
	ListDLQ(ctx context.Context, orgID int32, opts ListOpts) ([]*Entry, error)

	// DeleteDLQ removes an entry.
	DeleteDLQ(ctx context.Context, dlqID id.ID) error

	// CountDLQ returns the number of entries for an org per status.
	CountDLQ(ctx context.Context, orgID int32) (map[Status]int64, error)
}
