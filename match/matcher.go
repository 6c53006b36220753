// Package match resolves a normalized event to the ordered list of active
// outbound integrations to invoke.
package match

import (
	"context"
	"log/slog"
	"slices"

	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/source"
)

// Resolver is the matcher's view of the configuration cache.
type Resolver interface {
	Defaults(ctx context.Context, orgID int32, dir integration.Direction) ([]*integration.Integration, error)
}

// Matcher resolves events against cached integration configuration.
type Matcher struct {
	cache  Resolver
	logger *slog.Logger
}

// New creates a matcher backed by the given configuration cache.
func New(cache Resolver, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{cache: cache, logger: logger}
}

// Match returns the active, default-version outbound integrations the event
// should run, in insertion order. Rules, in order: org and default version,
// direction OUTBOUND and active, event type (exact or "*" wildcard), then
// scope and exclusions.
func (m *Matcher) Match(ctx context.Context, evt *source.Event) ([]*integration.Integration, error) {
	candidates, err := m.cache.Defaults(ctx, evt.OrgID, integration.DirectionOutbound)
	if err != nil {
		return nil, err
	}

	var matched []*integration.Integration
	for _, in := range candidates {
		if Matches(in, evt) {
			matched = append(matched, in)
		}
	}

	m.logger.DebugContext(ctx, "event matched",
		"org_id", evt.OrgID,
		"event_type", evt.EventType,
		"candidates", len(candidates),
		"matched", len(matched),
	)

	return matched, nil
}

// Matches reports whether a single integration matches the event. The
// integration is assumed to be an active default (the cache only serves
// those); this checks the trigger rules.
func Matches(in *integration.Integration, evt *source.Event) bool {
	if !in.IsActive || in.Direction != integration.DirectionOutbound {
		return false
	}
	if in.OrgID != evt.OrgID {
		return false
	}

	// "*" matches every event type, including names containing special
	// characters; otherwise the comparison is literal.
	if in.EventType != integration.WildcardEventType && in.EventType != evt.EventType {
		return false
	}

	if in.Scope == integration.ScopeEntityOnly {
		if evt.EntityRID == "" {
			return false
		}
		if slices.Contains(in.ExcludedEntityRIDs, evt.EntityRID) {
			return false
		}
	}

	return true
}
