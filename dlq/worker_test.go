package dlq_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/authn"
	"github.com/xraph/conduit/delivery"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/internal/entity"
	"github.com/xraph/conduit/ratelimit"
	"github.com/xraph/conduit/source"
	"github.com/xraph/conduit/store/memory"
	"github.com/xraph/conduit/transform"
)

// fakeRedeliverer returns a canned trace outcome and records run options.
type fakeRedeliverer struct {
	mu     sync.Mutex
	status execlog.Status
	runs   []delivery.RunOpts
}

func (f *fakeRedeliverer) Run(_ context.Context, _ *source.Event, _ *integration.Integration, trigger execlog.TriggerType, opts delivery.RunOpts) (*execlog.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if trigger != execlog.TriggerDLQRetry {
		return nil, errors.New("unexpected trigger " + string(trigger))
	}
	f.runs = append(f.runs, opts)

	log := &execlog.Log{TraceID: id.NewTraceID(), Status: f.status}
	if f.status == execlog.StatusFailed {
		log.Error = fault.New(fault.CategoryServer, "http_status", "endpoint returned 502")
	}
	return log, nil
}

func (f *fakeRedeliverer) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeIntegrationLoader struct {
	in  *integration.Integration
	err error
}

func (f *fakeIntegrationLoader) GetIntegration(_ context.Context, _ id.ID) (*integration.Integration, error) {
	return f.in, f.err
}

func workerIntegration() *integration.Integration {
	in := &integration.Integration{
		ID:        id.NewIntegrationID(),
		OrgID:     7,
		Name:      "crm-sync",
		Direction: integration.DirectionOutbound,
		EventType: "invoice.created",
		Scope:     integration.ScopeAllEntities,
		IsActive:  true,
		Actions:   []integration.Action{{TargetURL: "https://example.com/hook", Method: "POST", AuthType: integration.AuthNone}},
	}
	in.Normalize()
	return in
}

func startWorker(t *testing.T, store dlq.Store, pipeline dlq.Redeliverer, loader dlq.IntegrationLoader, alerter alert.Alerter) *dlq.Worker {
	t.Helper()
	w := dlq.NewWorker(store, loader, pipeline, alerter, dlq.WorkerConfig{
		Interval:    10 * time.Millisecond,
		BatchSize:   10,
		Concurrency: 2,
	}, nil)
	w.Start(context.Background())
	t.Cleanup(func() { w.Stop(context.Background()) })
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWorkerResolvesOnSuccess(t *testing.T) {
	store := newFakeDLQStore()
	entry := seedEntry(t, store, dlq.StatusPendingRetry)
	pipeline := &fakeRedeliverer{status: execlog.StatusSuccess}
	loader := &fakeIntegrationLoader{in: workerIntegration()}

	startWorker(t, store, pipeline, loader, nil)

	waitFor(t, func() bool {
		return store.get(t, entry.ID).Status == dlq.StatusResolved
	})

	got := store.get(t, entry.ID)
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 on success", got.RetryCount)
	}

	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	if len(pipeline.runs) == 0 {
		t.Fatal("pipeline never ran")
	}
	if opts := pipeline.runs[0]; opts.StartAction != entry.ActionIndex || !opts.SingleAction {
		t.Errorf("run opts = %+v, want single action %d", opts, entry.ActionIndex)
	}
}

func TestWorkerReschedulesOnFailure(t *testing.T) {
	store := newFakeDLQStore()
	entry := seedEntry(t, store, dlq.StatusPendingRetry)
	pipeline := &fakeRedeliverer{status: execlog.StatusFailed}
	loader := &fakeIntegrationLoader{in: workerIntegration()}

	startWorker(t, store, pipeline, loader, nil)

	waitFor(t, func() bool {
		return store.get(t, entry.ID).RetryCount >= 1
	})

	got := store.get(t, entry.ID)
	if got.Status != dlq.StatusPendingRetry && got.Status != dlq.StatusRetrying {
		t.Errorf("status = %s, want pending or claimed again", got.Status)
	}
	if got.Error == nil || got.Error.Category != fault.CategoryServer {
		t.Errorf("error = %+v, want SERVER_ERROR from last attempt", got.Error)
	}
	if got.RetryCount == 1 && got.Status == dlq.StatusPendingRetry && !got.NextRetryAt.After(entry.NextRetryAt) {
		t.Errorf("next retry at = %v, want pushed into the future", got.NextRetryAt)
	}
}

func TestWorkerAbandonsAtMaxRetries(t *testing.T) {
	store := newFakeDLQStore()
	entry := seedEntry(t, store, dlq.StatusPendingRetry)
	entry.RetryCount = entry.MaxRetries - 1
	if err := store.UpdateDLQ(context.Background(), entry); err != nil {
		t.Fatalf("seed retry count: %v", err)
	}

	pipeline := &fakeRedeliverer{status: execlog.StatusFailed}
	loader := &fakeIntegrationLoader{in: workerIntegration()}
	alerter := &capturingAlerter{}

	startWorker(t, store, pipeline, loader, alerter)

	waitFor(t, func() bool {
		return store.get(t, entry.ID).Status == dlq.StatusAbandoned
	})

	got := store.get(t, entry.ID)
	if got.RetryCount != entry.MaxRetries {
		t.Errorf("retry count = %d, want %d", got.RetryCount, entry.MaxRetries)
	}

	alerts := alerter.all()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Kind != "dlq_abandoned" {
		t.Errorf("alert kind = %q, want dlq_abandoned", alerts[0].Kind)
	}
	if alerts[0].Severity != alert.SeverityCritical {
		t.Errorf("alert severity = %q, want %q", alerts[0].Severity, alert.SeverityCritical)
	}
}

func TestWorkerReleasesWhenIntegrationMissing(t *testing.T) {
	store := newFakeDLQStore()
	entry := seedEntry(t, store, dlq.StatusPendingRetry)
	pipeline := &fakeRedeliverer{status: execlog.StatusSuccess}
	loader := &fakeIntegrationLoader{err: errors.New("integration gone")}

	startWorker(t, store, pipeline, loader, nil)

	// The entry cycles RETRYING → PENDING_RETRY without a pipeline run or a
	// consumed retry.
	time.Sleep(100 * time.Millisecond)

	got := store.get(t, entry.ID)
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 when redelivery could not run", got.RetryCount)
	}
	if got.Status == dlq.StatusResolved || got.Status == dlq.StatusAbandoned {
		t.Errorf("status = %s, want entry still live", got.Status)
	}
	if pipeline.runCount() != 0 {
		t.Errorf("pipeline ran %d times, want 0", pipeline.runCount())
	}
}

// seedStoreEntry persists one due PENDING_RETRY entry in the composite
// store, pointing at the given integration and action.
func seedStoreEntry(t *testing.T, st *memory.Store, in *integration.Integration) *dlq.Entry {
	t.Helper()
	entry := &dlq.Entry{
		Entity:        entity.New(),
		ID:            id.NewDLQID(),
		OrgID:         7,
		IntegrationID: in.ID,
		TraceID:       id.NewTraceID(),
		Event:         dlqEvent(),
		ActionIndex:   0,
		Error:         fault.New(fault.CategoryServer, "http_status", "endpoint returned 503"),
		MaxRetries:    dlq.DefaultMaxRetries,
		NextRetryAt:   time.Now().UTC().Add(-time.Second),
		Status:        dlq.StatusPendingRetry,
		FailedAt:      time.Now().UTC(),
	}
	if err := st.PushDLQ(context.Background(), entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return entry
}

func TestWorkerFailedRedeliveryKeepsOneEntry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx := context.Background()
	st := memory.New()

	in := workerIntegration()
	in.Actions[0].TargetURL = srv.URL
	if err := st.CreateIntegration(ctx, in); err != nil {
		t.Fatal(err)
	}

	// The worker reuses the gateway's pipeline, whose DLQ pusher is the
	// service backed by the same store.
	svc := dlq.NewService(st, nil, dlq.ServiceConfig{}, nil)
	pipeline := delivery.NewPipeline(
		st,
		ratelimit.New(st),
		transform.NewExecutor(nil, nil, nil),
		authn.NewBuilder(nil),
		delivery.NewSender(srv.Client(), delivery.SSRFPolicy{}),
		svc,
		nil,
		nil,
		nil,
	)

	entry := seedStoreEntry(t, st, in)

	startWorker(t, st, pipeline, st, nil)

	waitFor(t, func() bool {
		got, err := st.GetDLQ(ctx, entry.ID)
		return err == nil && got.RetryCount >= 1
	})

	if hits.Load() == 0 {
		t.Fatal("redelivery never reached the endpoint")
	}

	// The rescheduled original must be the only entry; a failed redelivery
	// does not enqueue a fresh one.
	entries, err := st.ListDLQ(ctx, 7, dlq.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("DLQ entries = %d, want the original entry only", len(entries))
	}
	if entries[0].ID.String() != entry.ID.String() {
		t.Errorf("surviving entry = %s, want %s", entries[0].ID, entry.ID)
	}
}

// panickingRedeliverer blows up instead of running.
type panickingRedeliverer struct{}

func (panickingRedeliverer) Run(context.Context, *source.Event, *integration.Integration, execlog.TriggerType, delivery.RunOpts) (*execlog.Log, error) {
	panic("redelivery exploded")
}

func TestWorkerPanicReleasesEntry(t *testing.T) {
	store := newFakeDLQStore()
	entry := seedEntry(t, store, dlq.StatusPendingRetry)
	loader := &fakeIntegrationLoader{in: workerIntegration()}

	startWorker(t, store, panickingRedeliverer{}, loader, nil)

	// The claimed entry returns to PENDING_RETRY instead of sticking in
	// RETRYING.
	waitFor(t, func() bool {
		got := store.get(t, entry.ID)
		return got.Status == dlq.StatusPendingRetry && got.UpdatedAt.After(entry.UpdatedAt)
	})

	if got := store.get(t, entry.ID); got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 when redelivery never ran", got.RetryCount)
	}
}

func TestWorkerIdentity(t *testing.T) {
	w := dlq.NewWorker(newFakeDLQStore(), &fakeIntegrationLoader{}, &fakeRedeliverer{}, nil, dlq.WorkerConfig{Interval: time.Minute}, nil)
	if w.Name() != "dlq" {
		t.Errorf("name = %q, want dlq", w.Name())
	}
	if w.Interval() != time.Minute {
		t.Errorf("interval = %v, want 1m", w.Interval())
	}
}
