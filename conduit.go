package conduit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/authn"
	"github.com/xraph/conduit/delivery"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/lookup"
	"github.com/xraph/conduit/match"
	"github.com/xraph/conduit/observability"
	"github.com/xraph/conduit/ratelimit"
	"github.com/xraph/conduit/schedule"
	"github.com/xraph/conduit/source"
	"github.com/xraph/conduit/source/httppush"
	"github.com/xraph/conduit/store"
	"github.com/xraph/conduit/supervisor"
	"github.com/xraph/conduit/transform"
)

// Gateway is the integration gateway: event sources feed a shared queue,
// the delivery worker matches and fires integrations, and background
// workers handle DLQ retries, scheduled deliveries, and scheduled jobs.
// Create one with New, then call Start.
type Gateway struct {
	config Config
	logger *slog.Logger

	store       store.Store
	rdb         redis.UniversalClient
	mongoClient *mongod.Client
	engine      transform.Engine
	alerter     alert.Alerter
	httpClient  *http.Client

	metrics *observability.Metrics
	tracer  *observability.Tracer

	queue       *source.MemoryQueue
	cache       *integration.Cache
	matcher     *match.Matcher
	lookups     *lookup.Service
	transformer *transform.Executor
	auth        *authn.Builder
	sender      *delivery.Sender
	limiter     *ratelimit.Limiter
	dlqSvc      *dlq.Service
	pipeline    *delivery.Pipeline
	schedules   *schedule.Service
	push        *httppush.Handler
	super       *supervisor.Supervisor

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// New creates a Gateway with the given options. A store is required;
// everything else has a usable default.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if g.store == nil {
		return nil, ErrNoStore
	}
	g.config.Normalize()
	if g.alerter == nil {
		g.alerter = &alert.LogAlerter{Logger: g.logger}
	}
	g.wireServices()
	return g, nil
}

func (g *Gateway) wireServices() {
	cfg := g.config

	g.metrics = observability.NewMetrics()
	g.tracer = observability.NewTracer()

	g.queue = source.NewMemoryQueue(cfg.QueueCapacity)
	g.cache = integration.NewCache(g.store, g.rdb, integration.CacheConfig{TTL: cfg.CacheTTL}, g.logger)
	g.matcher = match.New(g.cache, g.logger)
	g.lookups = lookup.NewService(g.store, cfg.CacheTTL, g.logger)
	g.transformer = transform.NewExecutor(g.engine, g.lookups, g.logger)
	g.auth = authn.NewBuilder(authn.NewTokenCache(g.httpClient))
	g.sender = delivery.NewSender(g.httpClient, delivery.SSRFPolicy{
		EnforceHTTPS:         cfg.Security.EnforceHTTPS,
		BlockPrivateNetworks: cfg.Security.BlockPrivateNetworks,
	})
	g.limiter = ratelimit.New(g.store)
	g.dlqSvc = dlq.NewService(g.store, g.alerter, dlq.ServiceConfig{
		MaxRetries: cfg.Worker.DLQ.MaxRetries,
	}, g.logger)
	g.pipeline = delivery.NewPipeline(g.store, g.limiter, g.transformer, g.auth, g.sender, g.dlqSvc, g.metrics, g.tracer, g.logger)
	g.schedules = schedule.NewService(g.store)
	g.push = httppush.NewHandler(&sourceAuth{configs: g.store}, g.queue, g.metrics, g.logger)

	g.super = supervisor.New(g.store, supervisor.Config{
		DrainTimeout: cfg.ShutdownTimeout,
	}, g.logger)

	if cfg.Worker.Enabled {
		g.super.Register(delivery.NewWorker(g.queue, g.matcher, g.pipeline, g.store, g.alerter, delivery.WorkerConfig{
			Concurrency:             cfg.Worker.Concurrency,
			PollInterval:            cfg.Worker.Interval,
			BatchSize:               cfg.Worker.BatchSize,
			MaxEventAge:             time.Duration(cfg.Worker.MaxEventAgeDays) * 24 * time.Hour,
			DefaultMultiActionDelay: cfg.Worker.MultiActionDelay,
		}, g.logger))
	}
	if cfg.Worker.DLQ.Enabled {
		g.super.Register(dlq.NewWorker(g.store, g.store, g.pipeline, g.alerter, dlq.WorkerConfig{
			Interval:    cfg.Worker.DLQ.Interval,
			BatchSize:   cfg.Worker.DLQ.BatchSize,
			Concurrency: cfg.Worker.DLQ.Concurrency,
		}, g.logger))
	}
	if cfg.Scheduler.Enabled {
		g.super.Register(schedule.NewWorker(g.store, g.store, g.pipeline, schedule.WorkerConfig{
			Interval:    cfg.Scheduler.Interval,
			BatchSize:   cfg.Scheduler.BatchSize,
			Concurrency: cfg.Scheduler.Concurrency,
		}, g.logger))
	}
	if cfg.Jobs.Enabled {
		fetcher := job.NewFetcher(g.mongoClient, cfg.StateStore.Database, g.httpClient)
		g.super.Register(job.NewWorker(g.store, fetcher, g.transformer, g.auth, g.sender, g.metrics, g.tracer, job.WorkerConfig{
			Interval:    cfg.Jobs.Interval,
			BatchSize:   cfg.Jobs.BatchSize,
			Concurrency: cfg.Jobs.Concurrency,
		}, g.logger))
	}
}

// Start brings up caches, builds one adapter per configured tenant source,
// and starts the supervised workers. It returns once everything is running.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return ErrGatewayClosed
	}
	if g.started {
		return nil
	}

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel

	g.cache.Start(base)
	g.lookups.Start(base)

	configs, err := g.store.ListSourceConfigs(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("conduit: list source configs: %w", err)
	}
	for _, sc := range configs {
		if sc.Type == source.TypeHTTPPush {
			continue // served by the push handler, no background adapter
		}
		adapter, err := g.buildAdapter(sc)
		if err != nil {
			g.logger.ErrorContext(ctx, "source adapter skipped",
				slog.Int("org_id", int(sc.OrgID)),
				slog.String("type", string(sc.Type)),
				slog.Any("error", err))
			continue
		}
		g.super.RegisterAdapter(adapter)
	}

	if err := g.super.Start(base); err != nil {
		cancel()
		return err
	}
	g.started = true
	g.logger.InfoContext(ctx, "gateway started",
		slog.Int("sources", len(configs)),
		slog.Bool("worker", g.config.Worker.Enabled),
		slog.Bool("scheduler", g.config.Scheduler.Enabled))
	return nil
}

// Stop drains workers and adapters within the shutdown timeout, then
// releases caches. A Gateway cannot be restarted after Stop.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil
	}
	g.stopped = true
	if !g.started {
		return nil
	}

	g.super.Stop(ctx)
	g.cache.Stop()
	g.lookups.Stop()
	if g.cancel != nil {
		g.cancel()
	}
	g.logger.InfoContext(ctx, "gateway stopped")
	return nil
}

// Send submits an event into the delivery queue, exactly as if a source
// adapter had produced it. Missing identity fields are filled in.
func (g *Gateway) Send(ctx context.Context, evt *source.Event) error {
	if evt == nil || evt.OrgID <= 0 {
		return fmt.Errorf("conduit: send: org id is required")
	}
	if evt.EventType == "" {
		return fmt.Errorf("conduit: send: event type is required")
	}
	if evt.SourceEventID == "" {
		evt.SourceEventID = id.NewMessageID().String()
	}
	if evt.SourceType == "" {
		evt.SourceType = source.TypeHTTPPush
	}
	if evt.ProducedAt.IsZero() {
		evt.ProducedAt = time.Now().UTC()
	}
	return g.queue.Enqueue(ctx, []*source.Event{evt})
}

// Deliver runs a single integration against an event immediately, bypassing
// matching and the queue. The trace is recorded with a MANUAL trigger.
func (g *Gateway) Deliver(ctx context.Context, intgID id.ID, evt *source.Event) (*execlog.Log, error) {
	in, err := g.store.GetIntegration(ctx, intgID)
	if err != nil {
		return nil, err
	}
	in.Normalize()
	if evt.SourceEventID == "" {
		evt.SourceEventID = id.NewMessageID().String()
	}
	if evt.ProducedAt.IsZero() {
		evt.ProducedAt = time.Now().UTC()
	}
	return g.pipeline.Run(ctx, evt, in, execlog.TriggerManual, delivery.RunOpts{})
}

// Store returns the persistence backend.
func (g *Gateway) Store() store.Store { return g.store }

// DLQ returns the dead-letter service for inspection and manual retries.
func (g *Gateway) DLQ() *dlq.Service { return g.dlqSvc }

// Schedules returns the delayed and recurring delivery service.
func (g *Gateway) Schedules() *schedule.Service { return g.schedules }

// Lookups returns the lookup-table service.
func (g *Gateway) Lookups() *lookup.Service { return g.lookups }

// Cache returns the integration snapshot cache. Control planes call
// Invalidate after writing integrations.
func (g *Gateway) Cache() *integration.Cache { return g.cache }

// PushHandler returns the HTTP handler accepting pushed events on
// POST /ingest/{org}.
func (g *Gateway) PushHandler() http.Handler { return g.push }

// HealthHandler returns the liveness endpoint covering the store and every
// supervised worker.
func (g *Gateway) HealthHandler() http.Handler { return g.super.Handler() }
