// Package delivery runs the outbound pipeline: transform → rate-limit →
// sign → auth → HTTP → retry → DLQ, one trace per (event × integration).
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/conduit/authn"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/observability"
	"github.com/xraph/conduit/ratelimit"
	"github.com/xraph/conduit/signature"
	"github.com/xraph/conduit/source"
	"github.com/xraph/conduit/transform"
)

// TraceIDHeader carries the execution trace ID on every outbound request.
const TraceIDHeader = "X-Trace-Id"

// DLQRequest is the handoff from a failed delivery to the dead letter
// queue.
type DLQRequest struct {
	OrgID         int32
	IntegrationID id.ID
	TraceID       id.ID
	Fingerprint   string
	Event         *source.Event
	ActionIndex   int
	Err           *fault.Error

	// NextRetryAt overrides the DLQ's default first backoff, used for
	// rate-limit rejections (window end) and Retry-After hints. Zero
	// means default.
	NextRetryAt time.Time
}

// DLQPusher enqueues permanently failed deliveries for background retry.
type DLQPusher interface {
	Push(ctx context.Context, req DLQRequest) error
}

// RunOpts narrows a pipeline run to part of the action sequence, used by
// DLQ redelivery to resume the failed action only.
type RunOpts struct {
	// StartAction is the first action index to run.
	StartAction int

	// SingleAction runs only StartAction instead of the remaining tail.
	SingleAction bool
}

// Pipeline executes one integration against one event.
type Pipeline struct {
	logs        execlog.Store
	limiter     *ratelimit.Limiter
	transformer *transform.Executor
	auth        *authn.Builder
	sender      *Sender
	dlq         DLQPusher
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	logger      *slog.Logger

	// sleep is swappable in tests; defaults to a context-aware sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline wires the pipeline steps together.
func NewPipeline(
	logs execlog.Store,
	limiter *ratelimit.Limiter,
	transformer *transform.Executor,
	auth *authn.Builder,
	sender *Sender,
	dlq DLQPusher,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logs:        logs,
		limiter:     limiter,
		transformer: transformer,
		auth:        auth,
		sender:      sender,
		dlq:         dlq,
		metrics:     metrics,
		tracer:      tracer,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Run executes the integration's action sequence for the event and returns
// the finished trace. The integration snapshot taken here is used for the
// whole attempt; configuration changes mid-delivery do not affect it.
func (p *Pipeline) Run(ctx context.Context, evt *source.Event, in *integration.Integration, trigger execlog.TriggerType, opts RunOpts) (log *execlog.Log, err error) {
	w, werr := execlog.NewWriter(ctx, p.logs, p.logger, &execlog.Log{
		OrgID:         evt.OrgID,
		IntegrationID: in.ID,
		Fingerprint:   evt.Fingerprint(),
		Direction:     in.Direction,
		TriggerType:   trigger,
	})
	if werr != nil {
		return nil, fmt.Errorf("delivery: open trace: %w", werr)
	}

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.StartDeliverySpan(ctx, w.TraceID().String(), in.ID.String(), evt.OrgID)
	}

	// A panic in any step still finishes the trace; the open PENDING
	// document would otherwise leak.
	defer func() {
		if r := recover(); r != nil {
			ferr := fault.FromPanic(r)
			p.logger.ErrorContext(ctx, "delivery pipeline panicked",
				"trace_id", w.TraceID(), "integration_id", in.ID, "panic", r)
			w.Finish(ctx, execlog.StatusFailed, ferr)
			if span != nil {
				p.tracer.EndDeliverySpan(span, string(execlog.StatusFailed), 0, ferr.Message)
			}
			p.metrics.RecordDelivery(ctx, outcomeLabel(execlog.StatusFailed), float64(w.Log().DurationMs)/1000.0)
			log, err = w.Log(), nil
		}
	}()

	w.Step(ctx, execlog.StepMatch, execlog.StatusSuccess, 0, map[string]any{
		"event_type":  evt.EventType,
		"integration": in.Name,
	})

	end := opts.StartAction + 1
	if !opts.SingleAction {
		end = len(in.Actions)
	}
	if opts.StartAction >= len(in.Actions) {
		ferr := fault.New(fault.CategoryInternal, "bad_action_index",
			"action index %d out of range (%d actions)", opts.StartAction, len(in.Actions))
		w.Finish(ctx, execlog.StatusFailed, ferr)
		return w.Log(), nil
	}

	var lastErr *fault.Error
	for k := opts.StartAction; k < end; k++ {
		if ferr := p.runAction(ctx, w, evt, in, k); ferr != nil {
			lastErr = ferr
			if in.HaltOnError || ferr.Category == fault.CategoryCancelled || ferr.Category == fault.CategoryInternal {
				break
			}
		}

		// A failure in action k does not short-circuit subsequent
		// actions unless the integration opts in via haltOnError.
		if k < end-1 && in.MultiActionDelay > 0 {
			start := time.Now()
			if err := p.sleep(ctx, in.MultiActionDelay); err != nil {
				lastErr = fault.Wrap(fault.CategoryCancelled, "shutdown", err)
				break
			}
			w.Step(ctx, execlog.StepActionDelay, execlog.StatusSuccess, time.Since(start), map[string]any{
				"delay_ms": in.MultiActionDelay.Milliseconds(),
			})
		}
	}

	status := execlog.StatusSuccess
	if lastErr != nil {
		status = execlog.StatusFailed
	}
	w.Finish(ctx, status, lastErr)

	if span != nil {
		statusCode, errMsg := 0, ""
		if lastErr != nil {
			statusCode, errMsg = lastErr.StatusCode, lastErr.Message
		}
		p.tracer.EndDeliverySpan(span, string(status), statusCode, errMsg)
	}

	p.metrics.RecordDelivery(ctx, outcomeLabel(status), float64(w.Log().DurationMs)/1000.0)

	return w.Log(), nil
}

// runAction executes one action end to end: condition, admission,
// transform, auth, sign, HTTP with inline retries, and DLQ handoff.
// Returns nil when the action succeeded or was skipped.
func (p *Pipeline) runAction(ctx context.Context, w *execlog.Writer, evt *source.Event, in *integration.Integration, k int) *fault.Error {
	action := &in.Actions[k]
	actionStep := execlog.StepActionName(k)
	actionStart := time.Now()

	if !transform.EvalCondition(action.Condition, evt.Payload) {
		w.Step(ctx, actionStep, execlog.StatusSkipped, 0, map[string]any{"reason": "condition"})
		return nil
	}

	fail := func(ferr *fault.Error) *fault.Error {
		w.Step(ctx, actionStep, execlog.StatusFailed, time.Since(actionStart), map[string]any{
			"category": string(ferr.Category),
		})
		return ferr
	}

	// Admission. A rejection routes to the DLQ with the window end as
	// the retry time; the worker never waits out the window inline.
	start := time.Now()
	decision, err := p.limiter.Allow(ctx, in)
	if err != nil {
		ferr := fault.Wrap(fault.CategoryInternal, "rate_limit_store", err)
		w.Step(ctx, execlog.StepRateLimit, execlog.StatusFailed, time.Since(start), nil)
		return fail(ferr)
	}
	if !decision.Allowed {
		w.Step(ctx, execlog.StepRateLimit, execlog.StatusRejected, time.Since(start), map[string]any{
			"window_end": decision.WindowEnd,
			"retry_in":   decision.RetryIn.String(),
		})
		if p.metrics != nil {
			p.metrics.RateLimitRejected.Add(ctx, 1)
		}
		ferr := fault.New(fault.CategoryRateLimit, "window_exhausted",
			"rate limit window exhausted, resets at %s", decision.WindowEnd.Format(time.RFC3339))
		p.pushDLQ(ctx, w, evt, in, k, ferr, decision.WindowEnd)
		return fail(ferr)
	}
	if in.RateLimits.Enabled {
		w.Step(ctx, execlog.StepRateLimit, execlog.StatusSuccess, time.Since(start), map[string]any{
			"count": decision.Count,
		})
	}

	// Transform.
	start = time.Now()
	vars := &transform.Vars{OrgID: evt.OrgID}
	body, terr := p.transformer.Apply(ctx, evt.OrgID, action.Transformation, evt.Payload, vars)
	if terr != nil {
		ferr := fault.As(terr)
		w.Step(ctx, execlog.StepTransform, execlog.StatusFailed, time.Since(start), map[string]any{
			"category": string(ferr.Category),
			"code":     ferr.Code,
		})
		if p.metrics != nil {
			p.metrics.TransformFailures.Add(ctx, 1)
		}
		return fail(ferr)
	}
	w.Step(ctx, execlog.StepTransform, execlog.StatusSuccess, time.Since(start), map[string]any{
		"mode":       string(action.Transformation.Mode),
		"body_bytes": len(body),
	})

	// Auth headers.
	start = time.Now()
	headers := make(http.Header)
	for hk, hv := range action.Headers {
		headers.Set(hk, hv)
	}
	headers.Set(TraceIDHeader, w.TraceID().String())
	if aerr := p.auth.Apply(ctx, in.ID, action, headers); aerr != nil {
		ferr := fault.As(aerr)
		w.Step(ctx, execlog.StepAuth, execlog.StatusFailed, time.Since(start), map[string]any{
			"auth_type": string(action.AuthType),
			"category":  string(ferr.Category),
		})
		return fail(ferr)
	}
	w.Step(ctx, execlog.StepAuth, execlog.StatusSuccess, time.Since(start), map[string]any{
		"auth_type": string(action.AuthType),
	})

	// Signing.
	if in.SigningEnabled && len(in.SigningSecrets) > 0 {
		start = time.Now()
		ts := time.Now().Unix()
		headers.Set(signature.HeaderSignature, signature.SignAll(in.SigningSecrets, w.MessageID().String(), ts, body))
		headers.Set(signature.HeaderTimestamp, strconv.FormatInt(ts, 10))
		headers.Set(signature.HeaderMessageID, w.MessageID().String())
		w.Step(ctx, execlog.StepSign, execlog.StatusSuccess, time.Since(start), map[string]any{
			"secrets": len(in.SigningSecrets),
		})
	}

	// SSRF policy, before any connection.
	if serr := p.sender.CheckTarget(ctx, action.TargetURL); serr != nil {
		w.Step(ctx, execlog.StepHTTPRequest, execlog.StatusRejected, 0, map[string]any{
			"category": string(serr.Category),
			"url":      action.TargetURL,
		})
		return fail(serr)
	}

	// HTTP with inline retries.
	ferr := p.attempt(ctx, w, evt, in, action, headers, body, k)
	if ferr != nil {
		return fail(ferr)
	}

	w.Step(ctx, actionStep, execlog.StatusSuccess, time.Since(actionStart), nil)
	return nil
}

// attempt issues the HTTP request, retrying retryable categories up to the
// integration's inline budget, and hands terminal retryable failures to
// the DLQ.
func (p *Pipeline) attempt(ctx context.Context, w *execlog.Writer, evt *source.Event, in *integration.Integration, action *integration.Action, headers http.Header, body []byte, k int) *fault.Error {
	for n := 0; ; n++ {
		res := p.sender.Send(ctx, action.Method, action.TargetURL, headers, body, in.Timeout)

		reqMeta := map[string]any{"attempt": n + 1, "method": action.Method, "url": action.TargetURL}
		if res.Err != nil {
			reqMeta["category"] = string(res.Err.Category)
			w.Step(ctx, execlog.StepHTTPRequest, execlog.StatusFailed, res.Latency, reqMeta)
		} else {
			w.Step(ctx, execlog.StepHTTPRequest, execlog.StatusSuccess, res.Latency, reqMeta)
		}
		if res.StatusCode > 0 {
			respStatus := execlog.StatusSuccess
			if res.Err != nil {
				respStatus = execlog.StatusFailed
			}
			w.Step(ctx, execlog.StepHTTPResponse, respStatus, 0, map[string]any{"status": res.StatusCode})
		}

		w.SetRequest(action.Method, action.TargetURL, headers, body)
		if res.StatusCode > 0 {
			w.SetResponse(res.StatusCode, res.Headers, res.Body)
		}

		if res.Err == nil {
			return nil
		}

		ferr := res.Err

		switch {
		case ferr.Category == fault.CategoryCancelled:
			return ferr

		case ferr.Category == fault.CategoryRateLimit:
			// Target 429: honor Retry-After through the DLQ, never
			// inline.
			var next time.Time
			if res.RetryAfter != nil {
				next = *res.RetryAfter
			}
			p.pushDLQ(ctx, w, evt, in, k, ferr, next)
			return ferr

		case !ferr.Retryable():
			return ferr

		case n < in.RetryCount:
			delay := Backoff(n)
			w.Step(ctx, execlog.StepRetry, execlog.StatusPending, 0, map[string]any{
				"attempt":    n + 1,
				"backoff_ms": delay.Milliseconds(),
			})
			if err := p.sleep(ctx, delay); err != nil {
				return fault.Wrap(fault.CategoryCancelled, "shutdown", err)
			}

		default:
			// Inline budget exhausted on a retryable category.
			p.pushDLQ(ctx, w, evt, in, k, ferr, time.Time{})
			return ferr
		}
	}
}

// pushDLQ hands a failed delivery to the DLQ and records the step.
func (p *Pipeline) pushDLQ(ctx context.Context, w *execlog.Writer, evt *source.Event, in *integration.Integration, k int, ferr *fault.Error, nextRetryAt time.Time) {
	if p.dlq == nil {
		return
	}

	// A redelivery already has its entry; the DLQ worker reschedules it
	// from the trace outcome. Pushing here would fork the retry lineage.
	if w.Log().TriggerType == execlog.TriggerDLQRetry {
		return
	}

	req := DLQRequest{
		OrgID:         evt.OrgID,
		IntegrationID: in.ID,
		TraceID:       w.TraceID(),
		Fingerprint:   evt.Fingerprint(),
		Event:         evt,
		ActionIndex:   k,
		Err:           ferr,
		NextRetryAt:   nextRetryAt,
	}

	start := time.Now()
	if err := p.dlq.Push(ctx, req); err != nil {
		p.logger.ErrorContext(ctx, "DLQ push failed",
			"trace_id", w.TraceID(), "integration_id", in.ID, "error", err)
		w.Step(ctx, execlog.StepDLQEnqueue, execlog.StatusFailed, time.Since(start), nil)
		return
	}

	w.Step(ctx, execlog.StepDLQEnqueue, execlog.StatusSuccess, time.Since(start), map[string]any{
		"category": string(ferr.Category),
	})
	if p.metrics != nil {
		p.metrics.DLQDepth.Add(ctx, 1)
	}
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func outcomeLabel(s execlog.Status) string {
	switch s {
	case execlog.StatusSuccess:
		return "success"
	case execlog.StatusFailed:
		return "failed"
	default:
		return "other"
	}
}
