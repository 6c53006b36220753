package execlog

import (
	"context"

	"github.com/xraph/conduit/id"
)

// Store is the persistence contract for execution traces.
type Store interface {
	// CreateLog persists a new trace root document.
	CreateLog(ctx context.Context, l *Log) error

	// AppendStep atomically pushes one step onto a trace.
	AppendStep(ctx context.Context, traceID id.ID, step Step) error

	// FinishLog sets the terminal status, finish time, duration, captures,
	// and error of a trace.
	FinishLog(ctx context.Context, l *Log) error

	// GetLog returns a trace by ID.
	GetLog(ctx context.Context, traceID id.ID) (*Log, error)

	// ListLogs returns traces for an org, newest first.
	ListLogs(ctx context.Context, orgID int32, opts ListOpts) ([]*Log, error)

	// HasTerminalLog reports whether a terminal trace already exists for
	// (orgID, fingerprint, integrationID). This is the delivery
	// idempotency check.
	HasTerminalLog(ctx context.Context, orgID int32, fingerprint string, intgID id.ID) (bool, error)
}
