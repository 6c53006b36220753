package schedule

import (
	"context"
	"time"

	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/internal/entity"
)

// MinInterval is the smallest allowed RECURRING cadence.
const MinInterval = time.Minute

// Service creates and cancels pending deliveries.
type Service struct {
	store Store
}

// NewService creates a schedule service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// DelayedRequest describes a one-shot future delivery.
type DelayedRequest struct {
	OrgID         int32
	IntegrationID id.ID
	ActionIndex   int
	Payload       map[string]any
	EventType     string
	ScheduledFor  time.Time
}

// RecurringRequest describes a repeating delivery.
type RecurringRequest struct {
	DelayedRequest

	Interval       time.Duration
	MaxOccurrences int
	EndDate        *time.Time
}

// ScheduleDelayed persists a DELAYED delivery row.
func (s *Service) ScheduleDelayed(ctx context.Context, req DelayedRequest) (*PendingDelivery, error) {
	pd, err := s.build(req, KindDelayed)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePending(ctx, pd); err != nil {
		return nil, err
	}
	return pd, nil
}

// ScheduleRecurring persists a RECURRING delivery row.
func (s *Service) ScheduleRecurring(ctx context.Context, req RecurringRequest) (*PendingDelivery, error) {
	if req.Interval < MinInterval {
		return nil, fault.New(fault.CategoryValidation, "interval_too_small",
			"recurring interval must be at least one minute")
	}
	pd, err := s.build(req.DelayedRequest, KindRecurring)
	if err != nil {
		return nil, err
	}
	pd.Interval = req.Interval
	pd.MaxOccurrences = req.MaxOccurrences
	pd.EndDate = req.EndDate
	if err := s.store.CreatePending(ctx, pd); err != nil {
		return nil, err
	}
	return pd, nil
}

// Cancel marks a PENDING row CANCELLED. Rows already claimed or settled
// are left untouched.
func (s *Service) Cancel(ctx context.Context, orgID int32, pendingID id.ID) error {
	return s.store.CancelPending(ctx, orgID, pendingID)
}

// Get returns one pending delivery scoped to the tenant.
func (s *Service) Get(ctx context.Context, orgID int32, pendingID id.ID) (*PendingDelivery, error) {
	return s.store.GetPending(ctx, orgID, pendingID)
}

func (s *Service) build(req DelayedRequest, kind Kind) (*PendingDelivery, error) {
	if req.OrgID == 0 {
		return nil, fault.New(fault.CategoryValidation, "missing_org", "orgId is required")
	}
	if req.IntegrationID.IsNil() {
		return nil, fault.New(fault.CategoryValidation, "missing_integration", "integrationId is required")
	}
	if req.ScheduledFor.IsZero() {
		return nil, fault.New(fault.CategoryValidation, "missing_schedule", "scheduledFor is required")
	}
	actionIndex := req.ActionIndex
	if actionIndex < 0 {
		actionIndex = -1
	}
	return &PendingDelivery{
		Entity:        entity.New(),
		ID:            id.NewPendingID(),
		OrgID:         req.OrgID,
		IntegrationID: req.IntegrationID,
		ActionIndex:   actionIndex,
		Payload:       req.Payload,
		EventType:     req.EventType,
		Kind:          kind,
		ScheduledFor:  req.ScheduledFor.UTC(),
		Status:        StatusPending,
	}, nil
}
