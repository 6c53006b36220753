package delivery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/match"
	"github.com/xraph/conduit/source"
)

// Queue is the worker's view of the pending-event backlog fed by the
// source adapters. Pull transfers ownership of the returned events to the
// caller; for stream sources the adapter's ack-after-enqueue provides the
// at-least-once guarantee, duplicates are absorbed by the idempotency
// check.
type Queue interface {
	Pull(ctx context.Context, max int) ([]*source.Event, error)
}

// WorkerConfig holds delivery worker configuration.
type WorkerConfig struct {
	// Concurrency is the task pool size.
	Concurrency int

	// PollInterval is how often the dispatcher drains the queue.
	PollInterval time.Duration

	// BatchSize is the maximum events pulled per cycle.
	BatchSize int

	// MaxEventAge drops events produced longer ago than this before
	// matching. Zero disables the check.
	MaxEventAge time.Duration

	// DefaultMultiActionDelay applies to integrations that do not set
	// their own inter-action pause.
	DefaultMultiActionDelay time.Duration
}

// Worker is the delivery worker: one dispatcher pulling events, a bounded
// pool running the pipeline per (event × integration).
type Worker struct {
	queue    Queue
	matcher  *match.Matcher
	pipeline *Pipeline
	logs     execlog.Store
	alerter  alert.Alerter
	config   WorkerConfig
	logger   *slog.Logger

	lastTick atomic.Int64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorker creates a delivery worker.
func NewWorker(queue Queue, matcher *match.Matcher, pipeline *Pipeline, logs execlog.Store, alerter alert.Alerter, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 32
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Worker{
		queue:    queue,
		matcher:  matcher,
		pipeline: pipeline,
		logs:     logs,
		alerter:  alerter,
		config:   cfg,
		logger:   logger,
	}
}

// Name identifies the worker to the supervisor and health endpoint.
func (w *Worker) Name() string { return "delivery" }

// Interval returns the worker's expected tick cadence.
func (w *Worker) Interval() time.Duration { return w.config.PollInterval }

// LastTick returns the time of the most recent dispatcher iteration.
func (w *Worker) LastTick() time.Time {
	n := w.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the dispatcher loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.dispatch(ctx)
	}()
}

// Stop cancels the dispatcher and waits for in-flight deliveries.
func (w *Worker) Stop(_ context.Context) {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// dispatch pulls event batches and hands them to the pool. Within one
// batch, events reach the matcher in source order; dispatch to the pool
// preserves that order even though completions interleave.
func (w *Worker) dispatch(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, w.config.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.lastTick.Store(time.Now().UnixNano())

			batch, err := w.queue.Pull(ctx, w.config.BatchSize)
			if err != nil {
				w.logger.ErrorContext(ctx, "pull events failed", "error", err)
				continue
			}

			for _, evt := range batch {
				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				w.wg.Add(1)
				go func(evt *source.Event) {
					defer w.wg.Done()
					defer func() { <-sem }()
					w.process(ctx, evt)
				}(evt)
			}
		}
	}
}

// process resolves matches for one event and runs the pipeline per match.
// Panics are converted to INTERNAL at this boundary.
func (w *Worker) process(ctx context.Context, evt *source.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "delivery task panicked",
				"org_id", evt.OrgID, "event_type", evt.EventType, "panic", r)
		}
	}()

	if w.config.MaxEventAge > 0 && !evt.ProducedAt.IsZero() &&
		time.Since(evt.ProducedAt) > w.config.MaxEventAge {
		w.logger.WarnContext(ctx, "stale event dropped",
			"org_id", evt.OrgID, "event_type", evt.EventType,
			"produced_at", evt.ProducedAt)
		if w.alerter != nil {
			w.alerter.Emit(ctx, alert.Alert{
				Severity: alert.SeverityWarning,
				Kind:     "event_expired",
				OrgID:    evt.OrgID,
				Message:  "event dropped before matching: older than the max event age",
				Fields: map[string]any{
					"event_type":  evt.EventType,
					"produced_at": evt.ProducedAt,
					"max_age":     w.config.MaxEventAge.String(),
				},
			})
		}
		return
	}

	matches, err := w.matcher.Match(ctx, evt)
	if err != nil {
		w.logger.ErrorContext(ctx, "match failed",
			"org_id", evt.OrgID, "event_type", evt.EventType, "error", err)
		return
	}

	fingerprint := evt.Fingerprint()
	for _, in := range matches {
		// Idempotency: a terminal trace for this (event, integration)
		// means the event was re-pulled after a checkpoint replay.
		done, err := w.logs.HasTerminalLog(ctx, evt.OrgID, fingerprint, in.ID)
		if err != nil {
			w.logger.ErrorContext(ctx, "idempotency check failed",
				"org_id", evt.OrgID, "integration_id", in.ID, "error", err)
			continue
		}
		if done {
			w.logger.DebugContext(ctx, "duplicate event skipped",
				"org_id", evt.OrgID, "fingerprint", fingerprint, "integration_id", in.ID)
			continue
		}

		if in.MultiActionDelay == 0 && w.config.DefaultMultiActionDelay > 0 {
			clone := *in
			clone.MultiActionDelay = w.config.DefaultMultiActionDelay
			in = &clone
		}

		if _, err := w.pipeline.Run(ctx, evt, in, execlog.TriggerEvent, RunOpts{}); err != nil {
			w.logger.ErrorContext(ctx, "pipeline run failed",
				"org_id", evt.OrgID, "integration_id", in.ID, "error", err)
		}
	}
}
