package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/conduit/authn"
	"github.com/xraph/conduit/delivery"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/internal/entity"
	"github.com/xraph/conduit/observability"
	"github.com/xraph/conduit/transform"
)

// DeliveryTimeout bounds one job's outbound HTTP delivery.
const DeliveryTimeout = 30 * time.Second

// WorkerConfig holds scheduled-job worker configuration.
type WorkerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

// Worker runs due CRON and INTERVAL jobs.
type Worker struct {
	store       Store
	fetcher     *Fetcher
	transformer *transform.Executor
	auth        *authn.Builder
	sender      *delivery.Sender
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	config      WorkerConfig
	logger      *slog.Logger

	lastTick atomic.Int64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorker creates a scheduled-job worker.
func NewWorker(store Store, fetcher *Fetcher, transformer *transform.Executor, auth *authn.Builder, sender *delivery.Sender, metrics *observability.Metrics, tracer *observability.Tracer, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Worker{
		store:       store,
		fetcher:     fetcher,
		transformer: transformer,
		auth:        auth,
		sender:      sender,
		metrics:     metrics,
		tracer:      tracer,
		config:      cfg,
		logger:      logger,
	}
}

// Name identifies the worker to the supervisor and health endpoint.
func (w *Worker) Name() string { return "jobs" }

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

// Stop cancels the loop and waits for in-flight runs.
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
			w.metrics.RecordTick(ctx, w.Name())

			due, err := w.store.ListDueJobs(ctx, time.Now().UTC(), w.config.BatchSize)
			if err != nil {
				w.logger.ErrorContext(ctx, "list due jobs failed", "error", err)
				continue
			}

			for _, j := range due {
				claimed, err := w.claim(ctx, j)
				if err != nil {
					w.logger.ErrorContext(ctx, "claim job failed", "job_id", j.ID, "error", err)
					continue
				}
				if !claimed {
					continue
				}

				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				w.wg.Add(1)
				go func(j *ScheduledJob) {
					defer w.wg.Done()
					defer func() { <-sem }()
					w.run(ctx, j)
				}(j)
			}
		}
	}
}

// claim advances the job's nextRunAt with a compare-and-swap so exactly
// one replica runs each occurrence. Missed windows are not replayed; the
// advance is computed from now.
func (w *Worker) claim(ctx context.Context, j *ScheduledJob) (bool, error) {
	next, err := NextRun(j, time.Now().UTC())
	if err != nil {
		// A job with a broken schedule would otherwise be reclaimed
		// every scan. Deactivate it and surface the error.
		w.logger.ErrorContext(ctx, "job schedule invalid, deactivating",
			"job_id", j.ID, "error", err)
		j.IsActive = false
		j.Touch()
		if uerr := w.store.UpdateJob(ctx, j); uerr != nil {
			return false, uerr
		}
		return false, nil
	}

	claimed, err := w.store.ClaimJob(ctx, j.ID, j.NextRunAt, next)
	if err != nil || !claimed {
		return false, err
	}
	j.NextRunAt = next
	return true, nil
}

func (w *Worker) run(ctx context.Context, j *ScheduledJob) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "scheduled job panicked", "job_id", j.ID, "panic", r)
		}
	}()

	ctx, span := w.tracer.StartJobSpan(ctx, j.ID.String(), j.OrgID)
	defer span.End()

	started := time.Now().UTC()
	l := &Log{
		Entity:    entity.New(),
		ID:        id.NewJobLogID(),
		JobID:     j.ID,
		OrgID:     j.OrgID,
		StartedAt: started,
	}

	// A panicking stage still produces a terminal run log.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fault.FromPanic(r)
			}
		}()
		return w.execute(ctx, j, l)
	}()

	l.FinishedAt = time.Now().UTC()
	l.Duration = l.FinishedAt.Sub(started)
	l.Success = err == nil
	outcome := "success"
	if err != nil {
		outcome = "failure"
		l.Error = err.Error()
		w.logger.ErrorContext(ctx, "scheduled job run failed",
			"job_id", j.ID, "org_id", j.OrgID, "error", err)
	}
	w.metrics.RecordJobRun(ctx, outcome)

	if aerr := w.store.AppendJobLog(ctx, l); aerr != nil {
		w.logger.ErrorContext(ctx, "append job log failed", "job_id", j.ID, "error", aerr)
	}

	j.LastRunAt = &started
	j.Touch()
	if uerr := w.store.UpdateJob(ctx, j); uerr != nil {
		w.logger.ErrorContext(ctx, "update job after run failed", "job_id", j.ID, "error", uerr)
	}
}

// execute performs one fetch, transform, deliver cycle, recording every
// stage into the run log.
func (w *Worker) execute(ctx context.Context, j *ScheduledJob, l *Log) error {
	vars := &transform.Vars{OrgID: j.OrgID, Config: j.ConfigVars}

	records, err := w.fetcher.Fetch(ctx, j.DataSource, vars)
	if err != nil {
		return err
	}
	l.RecordsFetched = len(records)
	if raw, merr := json.Marshal(records); merr == nil {
		l.DataFetched, _ = execlog.TruncateBody(raw)
	}

	payload := map[string]any{"data": anySlice(records)}

	body, err := w.transformBody(ctx, j, payload, vars)
	if err != nil {
		return err
	}
	l.TransformedPayload, _ = execlog.TruncateBody(body)

	method := j.Method
	if method == "" {
		method = http.MethodPost
	}
	targetURL := vars.Substitute(j.TargetURL)

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	for k, v := range j.Headers {
		headers.Set(k, vars.Substitute(v))
	}
	action := &integration.Action{
		TargetURL:  targetURL,
		Method:     method,
		AuthType:   j.AuthType,
		AuthConfig: j.AuthConfig,
	}
	if err := w.auth.Apply(ctx, j.ID, action, headers); err != nil {
		return err
	}

	l.HTTPRequest = fmt.Sprintf("%s %s", method, targetURL)
	l.CurlCommand = CurlCommand(method, targetURL, headers, body)

	if ferr := w.sender.CheckTarget(ctx, targetURL); ferr != nil {
		return ferr
	}
	res := w.sender.Send(ctx, method, targetURL, headers, body, DeliveryTimeout)
	l.ResponseStatus = res.StatusCode
	l.ResponseHeaders = res.Headers
	l.ResponseBody, _ = execlog.TruncateBody(res.Body)
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// transformBody applies the job's transformation, or serializes the raw
// payload when none is configured.
func (w *Worker) transformBody(ctx context.Context, j *ScheduledJob, payload map[string]any, vars *transform.Vars) ([]byte, error) {
	if j.Transformation.Mode == "" {
		return json.Marshal(payload)
	}
	return w.transformer.Apply(ctx, j.OrgID, j.Transformation, payload, vars)
}

func anySlice(records []map[string]any) []any {
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}
