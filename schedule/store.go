package schedule

import (
	"context"
	"time"

	"github.com/xraph/conduit/id"
)

// Store is the persistence contract for pending deliveries. Rows are
// indexed by (status, scheduledFor) ascending.
type Store interface {
	// CreatePending persists a new scheduled delivery.
	CreatePending(ctx context.Context, pd *PendingDelivery) error

	// ClaimDuePending atomically moves up to limit PENDING rows with
	// scheduledFor ≤ now into RUNNING and returns them.
	ClaimDuePending(ctx context.Context, now time.Time, limit int) ([]*PendingDelivery, error)

	// UpdatePending replaces a row.
	UpdatePending(ctx context.Context, pd *PendingDelivery) error

	// GetPending returns a row by ID, scoped to the tenant.
	GetPending(ctx context.Context, orgID int32, pndID id.ID) (*PendingDelivery, error)

	// CancelPending moves a PENDING row to CANCELLED. Rows in any
	// other state are not touched.
	CancelPending(ctx context.Context, orgID int32, pndID id.ID) error
}
