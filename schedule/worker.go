package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/conduit/delivery"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/source"
)

// Runner submits a claimed row into the delivery pipeline as a synthetic
// event. Implemented by delivery.Pipeline.
type Runner interface {
	Run(ctx context.Context, evt *source.Event, in *integration.Integration, trigger execlog.TriggerType, opts delivery.RunOpts) (*execlog.Log, error)
}

// IntegrationLoader resolves the integration snapshot for a row.
type IntegrationLoader interface {
	GetIntegration(ctx context.Context, intgID id.ID) (*integration.Integration, error)
}

// WorkerConfig holds scheduler worker configuration.
type WorkerConfig struct {
	// Interval is the due-row scan cadence.
	Interval time.Duration

	// BatchSize is the maximum rows claimed per cycle.
	BatchSize int

	// Concurrency is the firing pool size.
	Concurrency int
}

// Worker fires due DELAYED and RECURRING deliveries.
type Worker struct {
	store        Store
	integrations IntegrationLoader
	pipeline     Runner
	config       WorkerConfig
	logger       *slog.Logger

	lastTick atomic.Int64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorker creates a scheduler worker.
func NewWorker(store Store, integrations IntegrationLoader, pipeline Runner, cfg WorkerConfig, logger *slog.Logger) *Worker {
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
		config:       cfg,
		logger:       logger,
	}
}

// Name identifies the worker to the supervisor and health endpoint.
func (w *Worker) Name() string { return "scheduler" }

// Interval returns the worker's expected tick cadence.
func (w *Worker) Interval() time.Duration { return w.config.Interval }

// LastTick returns the time of the most recent scan.
func (w *Worker) LastTick() time.Time {
	n := w.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the scan loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
}

// Stop cancels the loop and waits for in-flight fires.
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

			batch, err := w.store.ClaimDuePending(ctx, time.Now().UTC(), w.config.BatchSize)
			if err != nil {
				w.logger.ErrorContext(ctx, "claim due scheduled deliveries failed", "error", err)
				continue
			}

			for _, pd := range batch {
				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				w.wg.Add(1)
				go func(pd *PendingDelivery) {
					defer w.wg.Done()
					defer func() { <-sem }()
					w.fire(ctx, pd)
				}(pd)
			}
		}
	}
}

// fire runs one claimed row through the pipeline and settles its state:
// DONE/FAILED for DELAYED rows, advanced or terminated for RECURRING.
func (w *Worker) fire(ctx context.Context, pd *PendingDelivery) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "scheduled delivery panicked", "pending_id", pd.ID, "panic", r)
			pd.Status = StatusPending // release for the next scan
			w.update(ctx, pd)
		}
	}()

	in, err := w.integrations.GetIntegration(ctx, pd.IntegrationID)
	if err != nil {
		w.logger.ErrorContext(ctx, "load integration for scheduled delivery failed",
			"pending_id", pd.ID, "integration_id", pd.IntegrationID, "error", err)
		pd.Status = StatusPending // release for the next scan
		w.update(ctx, pd)
		return
	}
	in.Normalize()

	pd.Attempt++

	evt := w.syntheticEvent(pd)
	opts := delivery.RunOpts{}
	if pd.ActionIndex >= 0 {
		opts = delivery.RunOpts{StartAction: pd.ActionIndex, SingleAction: true}
	}

	log, err := w.pipeline.Run(ctx, evt, in, execlog.TriggerScheduled, opts)
	succeeded := err == nil && log != nil && log.Status == execlog.StatusSuccess
	if err != nil {
		w.logger.ErrorContext(ctx, "scheduled delivery run failed", "pending_id", pd.ID, "error", err)
	}

	if pd.Kind == KindRecurring {
		w.advanceRecurring(ctx, pd, succeeded)
		return
	}

	if succeeded {
		pd.Status = StatusDone
	} else {
		pd.Status = StatusFailed
	}
	w.update(ctx, pd)
}

// advanceRecurring moves a RECURRING row to its next occurrence, or
// terminates it at maxOccurrences / endDate.
func (w *Worker) advanceRecurring(ctx context.Context, pd *PendingDelivery, succeeded bool) {
	next := pd.ScheduledFor.Add(pd.Interval)
	// A long outage fires once, then resumes the cadence from now.
	if now := time.Now().UTC(); next.Before(now) {
		next = now.Add(pd.Interval)
	}

	switch {
	case pd.MaxOccurrences > 0 && pd.Attempt >= pd.MaxOccurrences:
		pd.Status = StatusDone
	case pd.EndDate != nil && next.After(*pd.EndDate):
		pd.Status = StatusDone
	default:
		pd.Status = StatusPending
		pd.ScheduledFor = next
	}

	if !succeeded {
		w.logger.WarnContext(ctx, "recurring delivery occurrence failed",
			"pending_id", pd.ID, "attempt", pd.Attempt)
	}
	w.update(ctx, pd)
}

func (w *Worker) syntheticEvent(pd *PendingDelivery) *source.Event {
	eventType := pd.EventType
	if eventType == "" {
		eventType = "scheduled"
	}
	return &source.Event{
		OrgID:     pd.OrgID,
		EventType: eventType,
		Payload:   pd.Payload,
		// Each fire carries a distinct source event ID so recurring
		// occurrences never collide on the idempotency fingerprint.
		SourceEventID: fmt.Sprintf("%s#%d", pd.ID, pd.Attempt),
		SourceType:    "scheduled",
		ProducedAt:    time.Now().UTC(),
	}
}

func (w *Worker) update(ctx context.Context, pd *PendingDelivery) {
	pd.Touch()
	if err := w.store.UpdatePending(ctx, pd); err != nil {
		w.logger.ErrorContext(ctx, "update pending delivery failed", "pending_id", pd.ID, "error", err)
	}
}
