package dlq

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/delivery"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/source"
)

// Reprocessing backoff bounds: base·2^n capped at five minutes, ±20%
// jitter.
const (
	retryBase   = 1 * time.Second
	retryCap    = 5 * time.Minute
	retryJitter = 0.2
)

// RetryBackoff returns the delay before DLQ retry n (0-based).
func RetryBackoff(n int) time.Duration {
	d := retryBase << uint(n)
	if d <= 0 || d > retryCap {
		d = retryCap
	}
	factor := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}

// Redeliverer re-runs the delivery pipeline for a stored entry.
// Implemented by delivery.Pipeline.
type Redeliverer interface {
	Run(ctx context.Context, evt *source.Event, in *integration.Integration, trigger execlog.TriggerType, opts delivery.RunOpts) (*execlog.Log, error)
}

// IntegrationLoader resolves the current integration snapshot for an
// entry. Redeliveries always run against current configuration.
type IntegrationLoader interface {
	GetIntegration(ctx context.Context, intgID id.ID) (*integration.Integration, error)
}

// WorkerConfig holds DLQ worker configuration.
type WorkerConfig struct {
	// Interval is the reprocessing cadence.
	Interval time.Duration

	// BatchSize is the maximum entries claimed per cycle.
	BatchSize int

	// Concurrency is the reprocessing pool size.
	Concurrency int
}

// Worker reprocesses due DLQ entries on exponential backoff and promotes
// exhausted entries to ABANDONED.
type Worker struct {
	store        Store
	integrations IntegrationLoader
	pipeline     Redeliverer
	alerter      alert.Alerter
	config       WorkerConfig
	logger       *slog.Logger

	lastTick atomic.Int64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorker creates a DLQ worker.
func NewWorker(store Store, integrations IntegrationLoader, pipeline Redeliverer, alerter alert.Alerter, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	return &Worker{
		store:        store,
		integrations: integrations,
		pipeline:     pipeline,
		alerter:      alerter,
		config:       cfg,
		logger:       logger,
	}
}

// Name identifies the worker to the supervisor and health endpoint.
func (w *Worker) Name() string { return "dlq" }

// Interval returns the worker's expected tick cadence.
func (w *Worker) Interval() time.Duration { return w.config.Interval }

// LastTick returns the time of the most recent cycle.
func (w *Worker) LastTick() time.Time {
	n := w.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the reprocessing loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
}

// Stop cancels the loop and waits for in-flight retries.
func (w *Worker) Stop(_ context.Context) {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	sem := make(chan struct{}, w.config.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.lastTick.Store(time.Now().UnixNano())

			batch, err := w.store.ClaimDue(ctx, time.Now().UTC(), w.config.BatchSize)
			if err != nil {
				w.logger.ErrorContext(ctx, "claim due DLQ entries failed", "error", err)
				continue
			}

			for _, entry := range batch {
				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				w.wg.Add(1)
				go func(entry *Entry) {
					defer w.wg.Done()
					defer func() { <-sem }()
					w.reprocess(ctx, entry)
				}(entry)
			}
		}
	}
}

// reprocess redelivers one claimed entry: the failed action only, against
// the current integration snapshot.
func (w *Worker) reprocess(ctx context.Context, entry *Entry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "DLQ reprocess panicked", "dlq_id", entry.ID, "panic", r)
			w.release(ctx, entry)
		}
	}()

	in, err := w.integrations.GetIntegration(ctx, entry.IntegrationID)
	if err != nil {
		w.logger.ErrorContext(ctx, "load integration for DLQ retry failed",
			"dlq_id", entry.ID, "integration_id", entry.IntegrationID, "error", err)
		w.release(ctx, entry)
		return
	}
	in.Normalize()

	log, err := w.pipeline.Run(ctx, entry.Event, in, execlog.TriggerDLQRetry, delivery.RunOpts{
		StartAction:  entry.ActionIndex,
		SingleAction: true,
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "DLQ redelivery failed to run",
			"dlq_id", entry.ID, "error", err)
		w.release(ctx, entry)
		return
	}

	if log.Status == execlog.StatusSuccess {
		entry.Status = StatusResolved
		entry.Touch()
		if uerr := w.store.UpdateDLQ(ctx, entry); uerr != nil {
			w.logger.ErrorContext(ctx, "resolve DLQ entry failed", "dlq_id", entry.ID, "error", uerr)
		}
		w.logger.DebugContext(ctx, "DLQ entry resolved",
			"dlq_id", entry.ID, "retry_count", entry.RetryCount)
		return
	}

	entry.RetryCount++
	entry.Error = log.Error
	entry.Touch()

	if entry.RetryCount >= entry.MaxRetries {
		entry.Status = StatusAbandoned
		if uerr := w.store.UpdateDLQ(ctx, entry); uerr != nil {
			w.logger.ErrorContext(ctx, "abandon DLQ entry failed", "dlq_id", entry.ID, "error", uerr)
			return
		}
		if w.alerter != nil {
			w.alerter.Emit(ctx, alert.Alert{
				Severity: alert.SeverityCritical,
				Kind:     "dlq_abandoned",
				OrgID:    entry.OrgID,
				Message:  "DLQ entry abandoned after exhausting retries",
				Fields: map[string]any{
					"dlq_id":      entry.ID.String(),
					"retry_count": entry.RetryCount,
				},
			})
		}
		return
	}

	entry.Status = StatusPendingRetry
	entry.NextRetryAt = time.Now().UTC().Add(RetryBackoff(entry.RetryCount))
	if uerr := w.store.UpdateDLQ(ctx, entry); uerr != nil {
		w.logger.ErrorContext(ctx, "reschedule DLQ entry failed", "dlq_id", entry.ID, "error", uerr)
	}
}

// release puts a claimed entry back into PENDING_RETRY without consuming a
// retry, used when the redelivery could not run at all.
func (w *Worker) release(ctx context.Context, entry *Entry) {
	entry.Status = StatusPendingRetry
	entry.Touch()
	if err := w.store.UpdateDLQ(ctx, entry); err != nil {
		w.logger.ErrorContext(ctx, "release DLQ entry failed", "dlq_id", entry.ID, "error", err)
	}
}
