package delivery_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/xraph/conduit/authn"
	"github.com/xraph/conduit/delivery"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/ratelimit"
	"github.com/xraph/conduit/signature"
	"github.com/xraph/conduit/source"
	"github.com/xraph/conduit/transform"
)

// memLogStore is a minimal in-memory execlog.Store.
type memLogStore struct {
	mu   sync.Mutex
	logs map[string]*execlog.Log
}

func newMemLogStore() *memLogStore {
	return &memLogStore{logs: make(map[string]*execlog.Log)}
}

func (m *memLogStore) CreateLog(_ context.Context, l *execlog.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[l.TraceID.String()] = l
	return nil
}

func (m *memLogStore) AppendStep(_ context.Context, _ id.ID, _ execlog.Step) error { return nil }
func (m *memLogStore) FinishLog(_ context.Context, _ *execlog.Log) error           { return nil }
func (m *memLogStore) GetLog(_ context.Context, _ id.ID) (*execlog.Log, error)     { return nil, nil }

func (m *memLogStore) ListLogs(_ context.Context, _ int32, _ execlog.ListOpts) ([]*execlog.Log, error) {
	return nil, nil
}

func (m *memLogStore) HasTerminalLog(_ context.Context, _ int32, _ string, _ id.ID) (bool, error) {
	return false, nil
}

// memWindowStore is a minimal in-memory ratelimit.Store.
type memWindowStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *memWindowStore) IncrementWindow(_ context.Context, _ int32, intgID id.ID, windowStart time.Time, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int64)
	}
	key := intgID.String() + windowStart.String()
	m.counts[key]++
	return m.counts[key], nil
}

// capturingDLQ records pushed requests.
type capturingDLQ struct {
	mu       sync.Mutex
	requests []delivery.DLQRequest
}

func (c *capturingDLQ) Push(_ context.Context, req delivery.DLQRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return nil
}

func (c *capturingDLQ) all() []delivery.DLQRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery.DLQRequest(nil), c.requests...)
}

func newPipeline(client *http.Client, dlq delivery.DLQPusher) *delivery.Pipeline {
	return delivery.NewPipeline(
		newMemLogStore(),
		ratelimit.New(&memWindowStore{}),
		transform.NewExecutor(nil, nil, nil),
		authn.NewBuilder(authn.NewTokenCache(client)),
		delivery.NewSender(client, delivery.SSRFPolicy{}),
		dlq,
		nil,
		nil,
		nil,
	)
}

func pipelineIntegration(url string) *integration.Integration {
	in := &integration.Integration{
		ID:        id.NewIntegrationID(),
		OrgID:     1,
		Name:      "crm-sync",
		Direction: integration.DirectionOutbound,
		EventType: "invoice.created",
		Scope:     integration.ScopeAllEntities,
		IsActive:  true,
		IsDefault: true,
		Actions: []integration.Action{{
			TargetURL: url,
			Method:    http.MethodPost,
			Transformation: integration.Transformation{
				Mode: integration.ModeSimple,
				Mapping: []integration.FieldMapping{
					{Source: "invoice.id", Target: "reference"},
				},
			},
			AuthType: integration.AuthNone,
		}},
		Timeout:    5 * time.Second,
		RetryCount: 0,
	}
	in.Normalize()
	return in
}

func pipelineEvent() *source.Event {
	return &source.Event{
		OrgID:         1,
		EventType:     "invoice.created",
		Payload:       map[string]any{"invoice": map[string]any{"id": "inv_1"}},
		SourceEventID: "row-1",
		SourceType:    source.TypePollingSQL,
		ProducedAt:    time.Now().UTC(),
	}
}

func stepStatuses(l *execlog.Log, name string) []execlog.Status {
	var out []execlog.Status
	for _, s := range l.Steps {
		if s.Name == name {
			out = append(out, s.Status)
		}
	}
	return out
}

func TestPipelineSuccess(t *testing.T) {
	var gotBody string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dlq := &capturingDLQ{}
	p := newPipeline(srv.Client(), dlq)

	l, err := p.Run(context.Background(), pipelineEvent(), pipelineIntegration(srv.URL), execlog.TriggerEvent, delivery.RunOpts{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if l.Status != execlog.StatusSuccess {
		t.Errorf("trace status = %s, want SUCCESS, error: %v", l.Status, l.Error)
	}
	if gotBody != `{"reference":"inv_1"}` {
		t.Errorf("delivered body = %s", gotBody)
	}
	if gotHeaders.Get(delivery.TraceIDHeader) != l.TraceID.String() {
		t.Error("trace ID header missing from outbound request")
	}
	if len(dlq.all()) != 0 {
		t.Errorf("DLQ received %d pushes on success", len(dlq.all()))
	}
	for _, name := range []string{execlog.StepMatch, execlog.StepTransform, execlog.StepAuth, execlog.StepHTTPRequest, "action:0"} {
		if got := stepStatuses(l, name); len(got) == 0 || got[len(got)-1] != execlog.StatusSuccess {
			t.Errorf("step %s statuses = %v, want SUCCESS", name, got)
		}
	}
	if l.Request == nil || l.Response == nil {
		t.Error("request/response captures missing")
	}
}

func TestPipelineSigsOutboundRequest(t *testing.T) {
	secret := signature.GenerateSecret()
	var verified bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		ts, _ := strconv.ParseInt(r.Header.Get(signature.HeaderTimestamp), 10, 64)
		verified = signature.Verify(secret, r.Header.Get(signature.HeaderMessageID), ts, buf, r.Header.Get(signature.HeaderSignature))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newPipeline(srv.Client(), &capturingDLQ{})
	in := pipelineIntegration(srv.URL)
	in.SigningEnabled = true
	in.SigningSecrets = []string{secret}

	l, err := p.Run(context.Background(), pipelineEvent(), in, execlog.TriggerEvent, delivery.RunOpts{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if l.Status != execlog.StatusSuccess {
		t.Fatalf("trace status = %s", l.Status)
	}
	if !verified {
		t.Error("receiver could not verify the signature")
	}
}

func TestPipelineConditionSkips(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newPipeline(srv.Client(), &capturingDLQ{})
	in := pipelineIntegration(srv.URL)
	in.Actions[0].Condition = &integration.Condition{Field: "invoice.status", Op: integration.OpEquals, Value: "paid"}

	l, err := p.Run(context.Background(), pipelineEvent(), in, execlog.TriggerEvent, delivery.RunOpts{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if l.Status != execlog.StatusSuccess {
		t.Errorf("trace status = %s, want SUCCESS", l.Status)
	}
	if hits != 0 {
		t.Errorf("target hit %d times for a skipped action", hits)
	}
	if got := stepStatuses(l, "action:0"); len(got) != 1 || got[0] != execlog.StatusSkipped {
		t.Errorf("action step statuses = %v, want [SKIPPED]", got)
	}
}

func TestPipelineServerErrorGoesToDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dlq := &capturingDLQ{}
	p := newPipeline(srv.Client(), dlq)
	evt := pipelineEvent()
	in := pipelineIntegration(srv.URL)

	l, err := p.Run(context.Background(), evt, in, execlog.TriggerEvent, delivery.RunOpts{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if l.Status != execlog.StatusFailed {
		t.Errorf("trace status = %s, want FAILED", l.Status)
	}

	pushes := dlq.all()
	if len(pushes) != 1 {
		t.Fatalf("DLQ pushes = %d, want 1", len(pushes))
	}
	req := pushes[0]
	if req.Err.Category != fault.CategoryServer {
		t.Errorf("DLQ category = %s, want SERVER_ERROR", req.Err.Category)
	}
	if req.Fingerprint != evt.Fingerprint() || req.IntegrationID != in.ID || req.ActionIndex != 0 {
		t.Errorf("DLQ request identity = %+v", req)
	}
	if !req.NextRetryAt.IsZero() {
		t.Error("server error should use the default DLQ backoff")
	}
}

func TestPipelineValidationErrorSkipsDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	dlq := &capturingDLQ{}
	p := newPipeline(srv.Client(), dlq)

	l, _ := p.Run(context.Background(), pipelineEvent(), pipelineIntegration(srv.URL), execlog.TriggerEvent, delivery.RunOpts{})
	if l.Status != execlog.StatusFailed {
		t.Errorf("trace status = %s, want FAILED", l.Status)
	}
	if l.Error == nil || l.Error.Category != fault.CategoryValidation {
		t.Errorf("trace error = %v, want VALIDATION", l.Error)
	}
	if len(dlq.all()) != 0 {
		t.Error("non-retryable failure must not enter the DLQ")
	}
}

func TestPipelineTargetRateLimitHonorsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	dlq := &capturingDLQ{}
	p := newPipeline(srv.Client(), dlq)

	before := time.Now()
	p.Run(context.Background(), pipelineEvent(), pipelineIntegration(srv.URL), execlog.TriggerEvent, delivery.RunOpts{})

	pushes := dlq.all()
	if len(pushes) != 1 {
		t.Fatalf("DLQ pushes = %d, want 1", len(pushes))
	}
	wait := pushes[0].NextRetryAt.Sub(before)
	if wait < 59*time.Second || wait > 61*time.Second {
		t.Errorf("NextRetryAt delta = %v, want ~60s from Retry-After", wait)
	}
}

func TestPipelineAdmissionRejectionRoutesToDLQ(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dlq := &capturingDLQ{}
	p := newPipeline(srv.Client(), dlq)
	in := pipelineIntegration(srv.URL)
	in.RateLimits = integration.RateLimitPolicy{Enabled: true, MaxRequests: 1, WindowSeconds: 3600}

	evt := pipelineEvent()
	if l, _ := p.Run(context.Background(), evt, in, execlog.TriggerEvent, delivery.RunOpts{}); l.Status != execlog.StatusSuccess {
		t.Fatalf("first run status = %s", l.Status)
	}

	l, _ := p.Run(context.Background(), evt, in, execlog.TriggerEvent, delivery.RunOpts{})
	if l.Status != execlog.StatusFailed {
		t.Errorf("second run status = %s, want FAILED", l.Status)
	}
	if hits != 1 {
		t.Errorf("target hit %d times, want 1 (second run rejected before send)", hits)
	}

	pushes := dlq.all()
	if len(pushes) != 1 {
		t.Fatalf("DLQ pushes = %d, want 1", len(pushes))
	}
	if pushes[0].Err.Category != fault.CategoryRateLimit {
		t.Errorf("DLQ category = %s, want RATE_LIMIT", pushes[0].Err.Category)
	}
	if pushes[0].NextRetryAt.IsZero() {
		t.Error("admission rejection must carry the window end as NextRetryAt")
	}
}

func TestPipelineHaltOnError(t *testing.T) {
	var secondHits int
	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer fail.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		secondHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer second.Close()

	makeIntegration := func(halt bool) *integration.Integration {
		in := pipelineIntegration(fail.URL)
		in.HaltOnError = halt
		in.Actions = append(in.Actions, integration.Action{
			TargetURL:      second.URL,
			Method:         http.MethodPost,
			Transformation: in.Actions[0].Transformation,
			AuthType:       integration.AuthNone,
		})
		return in
	}

	p := newPipeline(fail.Client(), &capturingDLQ{})

	p.Run(context.Background(), pipelineEvent(), makeIntegration(true), execlog.TriggerEvent, delivery.RunOpts{})
	if secondHits != 0 {
		t.Errorf("haltOnError ran the second action %d times", secondHits)
	}

	l, _ := p.Run(context.Background(), pipelineEvent(), makeIntegration(false), execlog.TriggerEvent, delivery.RunOpts{})
	if secondHits != 1 {
		t.Errorf("second action hit %d times without halt, want 1", secondHits)
	}
	// A failed earlier action still fails the whole trace.
	if l.Status != execlog.StatusFailed {
		t.Errorf("trace status = %s, want FAILED", l.Status)
	}
}

func TestPipelineSSRFRejection(t *testing.T) {
	dlq := &capturingDLQ{}
	p := delivery.NewPipeline(
		newMemLogStore(),
		ratelimit.New(&memWindowStore{}),
		transform.NewExecutor(nil, nil, nil),
		authn.NewBuilder(nil),
		delivery.NewSender(&http.Client{}, delivery.SSRFPolicy{EnforceHTTPS: true, BlockPrivateNetworks: true}),
		dlq,
		nil,
		nil,
		nil,
	)

	l, err := p.Run(context.Background(), pipelineEvent(), pipelineIntegration("http://10.0.0.1/hook"), execlog.TriggerEvent, delivery.RunOpts{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if l.Status != execlog.StatusFailed {
		t.Errorf("trace status = %s, want FAILED", l.Status)
	}
	if l.Error == nil || l.Error.Category != fault.CategorySSRF {
		t.Errorf("trace error = %v, want SSRF", l.Error)
	}
	if len(dlq.all()) != 0 {
		t.Error("SSRF rejection must not enter the DLQ")
	}
}

func TestPipelineSingleActionResume(t *testing.T) {
	var firstHits, secondHits int
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		firstHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		secondHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer second.Close()

	in := pipelineIntegration(first.URL)
	in.Actions = append(in.Actions, integration.Action{
		TargetURL:      second.URL,
		Method:         http.MethodPost,
		Transformation: in.Actions[0].Transformation,
		AuthType:       integration.AuthNone,
	})

	p := newPipeline(first.Client(), &capturingDLQ{})

	l, err := p.Run(context.Background(), pipelineEvent(), in, execlog.TriggerDLQRetry, delivery.RunOpts{StartAction: 1, SingleAction: true})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if l.Status != execlog.StatusSuccess {
		t.Errorf("trace status = %s", l.Status)
	}
	if firstHits != 0 || secondHits != 1 {
		t.Errorf("hits = (%d, %d), want (0, 1)", firstHits, secondHits)
	}
}

// panicStepStore fails hard on step appends.
type panicStepStore struct{ *memLogStore }

func (p *panicStepStore) AppendStep(context.Context, id.ID, execlog.Step) error {
	panic("append step exploded")
}

func TestPipelinePanicFinishesTrace(t *testing.T) {
	p := delivery.NewPipeline(
		&panicStepStore{newMemLogStore()},
		ratelimit.New(&memWindowStore{}),
		transform.NewExecutor(nil, nil, nil),
		authn.NewBuilder(nil),
		delivery.NewSender(&http.Client{}, delivery.SSRFPolicy{}),
		&capturingDLQ{},
		nil,
		nil,
		nil,
	)

	l, err := p.Run(context.Background(), pipelineEvent(), pipelineIntegration("https://example.com"), execlog.TriggerEvent, delivery.RunOpts{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if l.Status != execlog.StatusFailed {
		t.Errorf("trace status = %s, want FAILED", l.Status)
	}
	if l.Error == nil || l.Error.Category != fault.CategoryInternal || l.Error.Code != "panic" {
		t.Errorf("trace error = %v, want INTERNAL panic", l.Error)
	}
	if l.FinishedAt == nil {
		t.Error("trace left open after a panic")
	}
}

func TestPipelineBadActionIndex(t *testing.T) {
	p := newPipeline(&http.Client{}, &capturingDLQ{})

	l, err := p.Run(context.Background(), pipelineEvent(), pipelineIntegration("https://example.com"), execlog.TriggerDLQRetry, delivery.RunOpts{StartAction: 5, SingleAction: true})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if l.Status != execlog.StatusFailed || l.Error == nil || l.Error.Category != fault.CategoryInternal {
		t.Errorf("trace = %s / %v, want FAILED INTERNAL", l.Status, l.Error)
	}
}
