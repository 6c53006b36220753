package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/delivery"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/internal/entity"
)

// BulkLimit caps how many IDs one bulk operation accepts.
const BulkLimit = 100

// DefaultMaxRetries is the retry budget for new entries.
const DefaultMaxRetries = 5

// Service manages the dead letter queue: it accepts pushes from the
// delivery pipeline and exposes the manual and bulk dispositions.
type Service struct {
	store      Store
	alerter    alert.Alerter
	maxRetries int
	threshold  int64
	logger     *slog.Logger
}

// Compile-time check: the service is the pipeline's DLQ pusher.
var _ delivery.DLQPusher = (*Service)(nil)

// ServiceConfig configures the DLQ service.
type ServiceConfig struct {
	// MaxRetries is the per-entry retry budget.
	MaxRetries int

	// AlertThreshold fires a dlq_threshold alert when an org's pending
	// entries reach it. Zero disables the check.
	AlertThreshold int64
}

// NewService creates a DLQ service.
func NewService(store Store, alerter alert.Alerter, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Service{
		store:      store,
		alerter:    alerter,
		maxRetries: cfg.MaxRetries,
		threshold:  cfg.AlertThreshold,
		logger:     logger,
	}
}

// Push creates an entry from a failed delivery. Implements
// delivery.DLQPusher. The first retry time follows the backoff schedule
// unless the pipeline supplied one (rate-limit window end, Retry-After).
func (svc *Service) Push(ctx context.Context, req delivery.DLQRequest) error {
	now := time.Now().UTC()

	nextRetryAt := req.NextRetryAt
	if nextRetryAt.IsZero() {
		nextRetryAt = now.Add(RetryBackoff(0))
	}

	entry := &Entry{
		Entity:        entity.New(),
		ID:            id.NewDLQID(),
		OrgID:         req.OrgID,
		IntegrationID: req.IntegrationID,
		TraceID:       req.TraceID,
		Event:         req.Event,
		ActionIndex:   req.ActionIndex,
		Error:         req.Err,
		RetryCount:    0,
		MaxRetries:    svc.maxRetries,
		NextRetryAt:   nextRetryAt,
		Status:        StatusPendingRetry,
		FailedAt:      now,
	}

	if err := svc.store.PushDLQ(ctx, entry); err != nil {
		return fmt.Errorf("dlq: push entry: %w", err)
	}

	svc.checkThreshold(ctx, req.OrgID)
	return nil
}

// Retry forces an immediate retry of one entry regardless of nextRetryAt.
// The entry is claimed and handed back as due; the worker picks it up on
// its next cycle.
func (svc *Service) Retry(ctx context.Context, dlqID id.ID) error {
	entry, err := svc.store.GetDLQ(ctx, dlqID)
	if err != nil {
		return err
	}
	if entry.Status != StatusPendingRetry && entry.Status != StatusAbandoned {
		return fmt.Errorf("dlq: entry %s is %s, not retryable", dlqID, entry.Status)
	}

	entry.Status = StatusPendingRetry
	entry.NextRetryAt = time.Now().UTC()
	entry.Touch()
	return svc.store.UpdateDLQ(ctx, entry)
}

// Abandon marks an entry ABANDONED with an operator note.
func (svc *Service) Abandon(ctx context.Context, dlqID id.ID, notes string) error {
	entry, err := svc.store.GetDLQ(ctx, dlqID)
	if err != nil {
		return err
	}

	entry.Status = StatusAbandoned
	entry.Notes = notes
	entry.Touch()
	return svc.store.UpdateDLQ(ctx, entry)
}

// Delete removes an entry.
func (svc *Service) Delete(ctx context.Context, dlqID id.ID) error {
	return svc.store.DeleteDLQ(ctx, dlqID)
}

// BulkResult reports per-ID outcomes of a bulk operation.
type BulkResult struct {
	Succeeded int
	Failed    map[string]string // dlqID → error message
}

// RetryBulk forces immediate retry for up to BulkLimit entries.
func (svc *Service) RetryBulk(ctx context.Context, ids []id.ID) (BulkResult, error) {
	return svc.bulk(ctx, ids, svc.Retry)
}

// AbandonBulk abandons up to BulkLimit entries with a shared note.
func (svc *Service) AbandonBulk(ctx context.Context, ids []id.ID, notes string) (BulkResult, error) {
	return svc.bulk(ctx, ids, func(ctx context.Context, dlqID id.ID) error {
		return svc.Abandon(ctx, dlqID, notes)
	})
}

// DeleteBulk removes up to BulkLimit entries.
func (svc *Service) DeleteBulk(ctx context.Context, ids []id.ID) (BulkResult, error) {
	return svc.bulk(ctx, ids, svc.Delete)
}

func (svc *Service) bulk(ctx context.Context, ids []id.ID, op func(context.Context, id.ID) error) (BulkResult, error) {
	if len(ids) > BulkLimit {
		return BulkResult{}, fmt.Errorf("dlq: bulk operation limited to %d IDs, got %d", BulkLimit, len(ids))
	}

	res := BulkResult{Failed: make(map[string]string)}
	for _, dlqID := range ids {
		if err := op(ctx, dlqID); err != nil {
			res.Failed[dlqID.String()] = err.Error()
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// List returns entries for an org.
func (svc *Service) List(ctx context.Context, orgID int32, opts ListOpts) ([]*Entry, error) {
	return svc.store.ListDLQ(ctx, orgID, opts)
}

// Get returns an entry by ID.
func (svc *Service) Get(ctx context.Context, dlqID id.ID) (*Entry, error) {
	return svc.store.GetDLQ(ctx, dlqID)
}

// Counts returns the entry counts per status for an org.
func (svc *Service) Counts(ctx context.Context, orgID int32) (map[Status]int64, error) {
	return svc.store.CountDLQ(ctx, orgID)
}

func (svc *Service) checkThreshold(ctx context.Context, orgID int32) {
	if svc.alerter == nil || svc.threshold <= 0 {
		return
	}

	counts, err := svc.store.CountDLQ(ctx, orgID)
	if err != nil {
		svc.logger.WarnContext(ctx, "DLQ threshold check failed", "org_id", orgID, "error", err)
		return
	}

	pending := counts[StatusPendingRetry] + counts[StatusRetrying]
	if pending >= svc.threshold {
		svc.alerter.Emit(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Kind:     "dlq_threshold",
			OrgID:    orgID,
			Message:  "DLQ size exceeded threshold",
			Fields:   map[string]any{"pending": pending, "threshold": svc.threshold},
		})
	}
}
