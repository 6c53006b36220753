package match_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/match"
	"github.com/xraph/conduit/source"
)

// fakeResolver serves a fixed candidate list.
type fakeResolver struct {
	candidates []*integration.Integration
	err        error
}

func (f *fakeResolver) Defaults(_ context.Context, _ int32, _ integration.Direction) ([]*integration.Integration, error) {
	return f.candidates, f.err
}

func outbound(orgID int32, eventType string) *integration.Integration {
	return &integration.Integration{
		ID:        id.NewIntegrationID(),
		OrgID:     orgID,
		Name:      "intg-" + eventType,
		Direction: integration.DirectionOutbound,
		EventType: eventType,
		Scope:     integration.ScopeAllEntities,
		IsActive:  true,
		IsDefault: true,
	}
}

func testEvent(orgID int32, eventType, entityRID string) *source.Event {
	return &source.Event{
		OrgID:         orgID,
		EventType:     eventType,
		EntityRID:     entityRID,
		SourceEventID: "1",
		SourceType:    source.TypePollingSQL,
	}
}

func TestMatchesRules(t *testing.T) {
	inactive := outbound(1, "invoice.created")
	inactive.IsActive = false

	inbound := outbound(1, "invoice.created")
	inbound.Direction = integration.DirectionInbound

	entityOnly := outbound(1, "invoice.created")
	entityOnly.Scope = integration.ScopeEntityOnly
	entityOnly.ExcludedEntityRIDs = []string{"ent_blocked"}

	tests := []struct {
		name string
		in   *integration.Integration
		evt  *source.Event
		want bool
	}{
		{"exact type", outbound(1, "invoice.created"), testEvent(1, "invoice.created", ""), true},
		{"type mismatch", outbound(1, "invoice.created"), testEvent(1, "invoice.paid", ""), false},
		{"wildcard", outbound(1, "*"), testEvent(1, "anything.at.all", ""), true},
		{"org mismatch", outbound(1, "invoice.created"), testEvent(2, "invoice.created", ""), false},
		{"inactive", inactive, testEvent(1, "invoice.created", ""), false},
		{"wrong direction", inbound, testEvent(1, "invoice.created", ""), false},
		{"entity scope with entity", entityOnly, testEvent(1, "invoice.created", "ent_1"), true},
		{"entity scope without entity", entityOnly, testEvent(1, "invoice.created", ""), false},
		{"entity scope excluded", entityOnly, testEvent(1, "invoice.created", "ent_blocked"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := match.Matches(tt.in, tt.evt); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchPreservesOrder(t *testing.T) {
	first := outbound(1, "invoice.created")
	second := outbound(1, "*")
	third := outbound(1, "invoice.paid")

	m := match.New(&fakeResolver{candidates: []*integration.Integration{first, second, third}}, nil)

	got, err := m.Match(context.Background(), testEvent(1, "invoice.created", ""))
	if err != nil {
		t.Fatalf("Match() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Match() returned %d integrations, want 2", len(got))
	}
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Error("Match() did not preserve candidate order")
	}
}

func TestMatchNoCandidates(t *testing.T) {
	m := match.New(&fakeResolver{}, nil)
	got, err := m.Match(context.Background(), testEvent(1, "invoice.created", ""))
	if err != nil {
		t.Fatalf("Match() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Match() = %d integrations, want 0", len(got))
	}
}

func TestMatchResolverError(t *testing.T) {
	wantErr := errors.New("cache down")
	m := match.New(&fakeResolver{err: wantErr}, nil)

	if _, err := m.Match(context.Background(), testEvent(1, "x", "")); !errors.Is(err, wantErr) {
		t.Errorf("Match() error = %v, want %v", err, wantErr)
	}
}
