package job

import (
	"context"
	"time"

	"github.com/xraph/conduit/id"
)

// Store is the persistence contract for scheduled jobs and their run logs.
type Store interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, j *ScheduledJob) error

	// UpdateJob replaces a job document.
	UpdateJob(ctx context.Context, j *ScheduledJob) error

	// GetJob returns a job by ID, scoped to the tenant.
	GetJob(ctx context.Context, orgID int32, jobID id.ID) (*ScheduledJob, error)

	// ListJobs returns jobs for a tenant.
	ListJobs(ctx context.Context, opts ListOpts) ([]*ScheduledJob, error)

	// ListDueJobs returns active jobs with nextRunAt ≤ now.
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*ScheduledJob, error)

	// ClaimJob advances a job's nextRunAt from prev to next only if it
	// still equals prev. Returns false when another replica won the
	// claim. The compare-and-swap is the sole run coordination between
	// replicas.
	ClaimJob(ctx context.Context, jobID id.ID, prev, next time.Time) (bool, error)

	// AppendJobLog persists one run log.
	AppendJobLog(ctx context.Context, l *Log) error

	// ListJobLogs returns run logs, newest first.
	ListJobLogs(ctx context.Context, opts ListOpts) ([]*Log, error)
}
