// Package supervisor owns the process lifecycle: it starts the workers and
// source adapters, watches their heartbeats, restarts stalled workers with
// exponential backoff, and serves the health endpoint.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/conduit/source"
)

// Worker is a supervised background loop. Start returns immediately and
// the loop reports liveness through LastTick.
type Worker interface {
	Name() string
	Interval() time.Duration
	LastTick() time.Time
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

// Pinger is the store connectivity probe used by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// staleTicks is how many missed intervals mark a worker unhealthy.
const staleTicks = 3

// Config holds supervisor tunables.
type Config struct {
	// RestartBackoffBase is the first restart delay after a stall.
	RestartBackoffBase time.Duration

	// RestartBackoffCap bounds the restart delay.
	RestartBackoffCap time.Duration

	// HealthyReset is how long a worker must stay healthy before its
	// restart count resets.
	HealthyReset time.Duration

	// DrainTimeout bounds the graceful shutdown of workers and adapters.
	DrainTimeout time.Duration
}

type supervised struct {
	worker Worker

	mu          sync.Mutex
	startedAt   time.Time
	restarts    int
	lastRestart time.Time
}

// Supervisor runs and watches the registered workers and adapters.
type Supervisor struct {
	store    Pinger
	config   Config
	logger   *slog.Logger
	workers  []*supervised
	adapters []source.Adapter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor.
func New(store Pinger, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RestartBackoffBase <= 0 {
		cfg.RestartBackoffBase = time.Second
	}
	if cfg.RestartBackoffCap <= 0 {
		cfg.RestartBackoffCap = time.Minute
	}
	if cfg.HealthyReset <= 0 {
		cfg.HealthyReset = 5 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Supervisor{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// Register adds a worker. Must be called before Start.
func (s *Supervisor) Register(w Worker) {
	s.workers = append(s.workers, &supervised{worker: w})
}

// RegisterAdapter adds a source adapter. Must be called before Start.
func (s *Supervisor) RegisterAdapter(a source.Adapter) {
	s.adapters = append(s.adapters, a)
}

// Start launches every registered adapter and worker and begins watching
// heartbeats.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, a := range s.adapters {
		if err := a.Start(ctx); err != nil {
			return err
		}

		s.logger.InfoContext(ctx, "source adapter started", "source_type", a.Type())
	}

	for _, sv := range s.workers {
		sv.startedAt = time.Now().UTC()
		sv.worker.Start(ctx)
		s.logger.InfoContext(ctx, "worker started", "worker", sv.worker.Name())

		s.wg.Add(1)
		go s.watch(ctx, sv)
	}

	return nil
}

// Stop drains adapters and workers within the configured deadline.
func (s *Supervisor) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DrainTimeout)
	defer cancel()

	for _, a := range s.adapters {
		if err := a.Stop(ctx); err != nil {
			s.logger.WarnContext(ctx, "adapter stop failed",
				"source_type", a.Type(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		for _, sv := range s.workers {
			sv.worker.Stop(ctx)
		}
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("drain deadline exceeded, forcing shutdown")
	}
}

// watch monitors one worker's heartbeat and restarts it when it stalls.
func (s *Supervisor) watch(ctx context.Context, sv *supervised) {
	defer s.wg.Done()

	interval := sv.worker.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if workerHealthy(sv.worker, s.startedAtOf(sv)) {
			sv.mu.Lock()
			if sv.restarts > 0 && time.Since(sv.lastRestart) >= s.config.HealthyReset {
				sv.restarts = 0
			}
			sv.mu.Unlock()
			continue
		}

		s.restart(ctx, sv)
	}
}

// restart stops a stalled worker and starts it again after a backoff that
// doubles per consecutive restart.
func (s *Supervisor) restart(ctx context.Context, sv *supervised) {
	sv.mu.Lock()
	sv.restarts++
	sv.lastRestart = time.Now().UTC()
	delay := min(s.config.RestartBackoffBase<<(sv.restarts-1), s.config.RestartBackoffCap)
	restarts := sv.restarts
	sv.mu.Unlock()

	s.logger.WarnContext(ctx, "worker stalled, restarting",
		"worker", sv.worker.Name(),
		"restarts", restarts,
		"backoff", delay,
	)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DrainTimeout)
	sv.worker.Stop(stopCtx)
	cancel()

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	sv.mu.Lock()
	sv.startedAt = time.Now().UTC()
	sv.mu.Unlock()

	sv.worker.Start(ctx)
}

func (s *Supervisor) startedAtOf(sv *supervised) time.Time {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.startedAt
}

// workerHealthy reports whether the worker has ticked recently. A worker
// that has not ticked yet is healthy while inside its warmup window.
func workerHealthy(w Worker, startedAt time.Time) bool {
	grace := w.Interval() * staleTicks
	last := w.LastTick()

	if last.IsZero() {
		return time.Since(startedAt) < grace
	}

	return time.Since(last) < grace
}
