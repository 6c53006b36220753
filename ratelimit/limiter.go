// Package ratelimit implements per-integration fixed-window admission
// control shared across worker replicas through the state store.
package ratelimit

import (
	"context"
	"time"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
)

// Window is the persisted counter document for one fixed window. Unique on
// (integrationId, windowStart) with a TTL equal to the window length.
type Window struct {
	OrgID         int32     `json:"org_id" bson:"org_id"`
	IntegrationID id.ID     `json:"integration_id" bson:"integration_id"`
	WindowStart   time.Time `json:"window_start" bson:"window_start"`
	WindowEnd     time.Time `json:"window_end" bson:"window_end"`
	Count         int64     `json:"count" bson:"count"`
}

// Store is the persistence contract for window counters. Increment must be
// atomic: concurrent admissions on the same window serialize through it.
type Store interface {
	// IncrementWindow upserts the (integrationID, windowStart) counter,
	// increments it by one, and returns the post-increment count. The
	// document expires after ttl.
	IncrementWindow(ctx context.Context, orgID int32, intgID id.ID, windowStart time.Time, ttl time.Duration) (int64, error)
}

// Decision is the admission outcome for one delivery.
type Decision struct {
	// Allowed reports whether the delivery is admitted.
	Allowed bool

	// Count is the window counter after this admission attempt.
	Count int64

	// WindowEnd is when the current window closes. Rejected deliveries go
	// to the DLQ with nextRetryAt = WindowEnd; the worker never waits.
	WindowEnd time.Time

	// RetryIn is the remaining time until WindowEnd.
	RetryIn time.Duration
}

// Limiter performs fixed-window admission keyed by
// (integrationId, floor(now / windowSeconds)).
type Limiter struct {
	store Store
	now   func() time.Time
}

// New creates a limiter over the given store.
func New(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Allow runs admission for one delivery against the integration's policy.
// A disabled policy always admits and writes no counter document.
func (l *Limiter) Allow(ctx context.Context, in *integration.Integration) (Decision, error) {
	policy := in.RateLimits
	if !policy.Enabled || policy.MaxRequests <= 0 || policy.WindowSeconds <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now().UTC()
	window := policy.Window()
	windowStart := now.Truncate(window)
	windowEnd := windowStart.Add(window)

	count, err := l.store.IncrementWindow(ctx, in.OrgID, in.ID, windowStart, window)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   count <= int64(policy.MaxRequests),
		Count:     count,
		WindowEnd: windowEnd,
		RetryIn:   windowEnd.Sub(now),
	}
	return d, nil
}
