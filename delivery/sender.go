package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xraph/conduit/fault"
)

// maxResponseBody caps how much of a response body is read for logging.
const maxResponseBody = 64 << 10

// userAgent identifies Conduit to receivers.
const userAgent = "Conduit/1.0"

// Result holds the outcome of a single HTTP delivery attempt.
type Result struct {
	// StatusCode is the HTTP status, 0 on a transport error.
	StatusCode int

	// Headers are the response headers.
	Headers http.Header

	// Body is the response body, capped at maxResponseBody.
	Body []byte

	// Latency is the wall-clock duration of the attempt.
	Latency time.Duration

	// RetryAfter is the parsed Retry-After deadline on a 429, if present.
	RetryAfter *time.Time

	// Err is the category-tagged failure, nil on 2xx.
	Err *fault.Error
}

// Sender issues outbound HTTP requests honoring the SSRF policy and the
// per-integration timeout, and classifies outcomes into categories.
type Sender struct {
	client *http.Client
	policy SSRFPolicy
}

// NewSender creates a sender. The client must not follow redirects itself;
// unfollowed 3xx responses classify as SERVER_ERROR and retry.
func NewSender(client *http.Client, policy SSRFPolicy) *Sender {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Sender{client: client, policy: policy}
}

// CheckTarget applies the SSRF policy to a URL without sending anything.
func (s *Sender) CheckTarget(ctx context.Context, url string) *fault.Error {
	return s.policy.Check(ctx, url)
}

// Send issues one request with the given overall deadline. The body and
// headers must be fully built (transform, auth, signing) before calling.
func (s *Sender) Send(ctx context.Context, method, url string, headers http.Header, body []byte, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fault.Wrap(fault.CategoryValidation, "build_request", err)}
	}
	for k, vs := range headers {
		req.Header[k] = vs
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		return Result{Latency: latency, Err: classifyTransport(ctx, err)}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res := Result{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
		Latency:    latency,
	}
	if readErr != nil {
		res.Err = fault.Wrap(fault.CategoryNetwork, "read_response", readErr)
		return res
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	res.Err = ClassifyStatus(resp.StatusCode)
	return res
}

// ClassifyStatus maps an HTTP status to a category. Returns nil for 2xx.
//
//	2xx → success; 3xx (unfollowed) → SERVER_ERROR; 401/403 → AUTH;
//	408 → TIMEOUT; 429 → RATE_LIMIT; other 4xx → VALIDATION; 5xx → SERVER_ERROR.
func ClassifyStatus(status int) *fault.Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 300 && status < 400:
		return fault.New(fault.CategoryServer, "redirect", "unfollowed redirect %d", status).WithStatus(status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.CategoryAuth, "rejected", "target rejected credentials with %d", status).WithStatus(status)
	case status == http.StatusRequestTimeout:
		return fault.New(fault.CategoryTimeout, "request_timeout", "target returned 408").WithStatus(status)
	case status == http.StatusTooManyRequests:
		return fault.New(fault.CategoryRateLimit, "throttled", "target returned 429").WithStatus(status)
	case status >= 400 && status < 500:
		return fault.New(fault.CategoryValidation, "client_error", "target returned %d", status).WithStatus(status)
	default:
		return fault.New(fault.CategoryServer, "server_error", "target returned %d", status).WithStatus(status)
	}
}

// classifyTransport maps a transport error to NETWORK, TIMEOUT, or
// CANCELLED.
func classifyTransport(ctx context.Context, err error) *fault.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fault.Wrap(fault.CategoryTimeout, "deadline", err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return fault.Wrap(fault.CategoryCancelled, "cancelled", err)
	default:
		return fault.Wrap(fault.CategoryNetwork, "transport", err)
	}
}

// parseRetryAfter parses a Retry-After header value as either delta-seconds
// or an HTTP date. Returns nil when absent or unparseable.
func parseRetryAfter(v string, now time.Time) *time.Time {
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		t := now.Add(time.Duration(secs) * time.Second)
		return &t
	}
	if t, err := http.ParseTime(v); err == nil {
		return &t
	}
	return nil
}
