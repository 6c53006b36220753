package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/internal/entity"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/lookup"
	"github.com/xraph/conduit/schedule"
	"github.com/xraph/conduit/source"
)

// --- Integration models ---

type integrationModel struct {
	ID                 string                      `bson:"_id"`
	OrgID              int32                       `bson:"org_id"`
	Name               string                      `bson:"name"`
	Version            string                      `bson:"version,omitempty"`
	IsDefault          bool                        `bson:"is_default"`
	Direction          string                      `bson:"direction"`
	EventType          string                      `bson:"event_type"`
	Scope              string                      `bson:"scope"`
	ExcludedEntityRIDs []string                    `bson:"excluded_entity_rids,omitempty"`
	Actions            []integration.Action        `bson:"actions"`
	Timeout            time.Duration               `bson:"timeout"`
	RetryCount         int                         `bson:"retry_count"`
	MultiActionDelay   time.Duration               `bson:"multi_action_delay"`
	HaltOnError        bool                        `bson:"halt_on_error"`
	RateLimits         integration.RateLimitPolicy `bson:"rate_limits"`
	SigningEnabled     bool                        `bson:"signing_enabled"`
	SigningSecrets     []string                    `bson:"signing_secrets,omitempty"`
	IsActive           bool                        `bson:"is_active"`
	CreatedAt          time.Time                   `bson:"created_at"`
	UpdatedAt          time.Time                   `bson:"updated_at"`
}

func toIntegrationModel(in *integration.Integration) *integrationModel {
	return &integrationModel{
		ID:                 in.ID.String(),
		OrgID:              in.OrgID,
		Name:               in.Name,
		Version:            in.Version,
		IsDefault:          in.IsDefault,
		Direction:          string(in.Direction),
		EventType:          in.EventType,
		Scope:              string(in.Scope),
		ExcludedEntityRIDs: in.ExcludedEntityRIDs,
		Actions:            in.Actions,
		Timeout:            in.Timeout,
		RetryCount:         in.RetryCount,
		MultiActionDelay:   in.MultiActionDelay,
		HaltOnError:        in.HaltOnError,
		RateLimits:         in.RateLimits,
		SigningEnabled:     in.SigningEnabled,
		SigningSecrets:     in.SigningSecrets,
		IsActive:           in.IsActive,
		CreatedAt:          in.CreatedAt,
		UpdatedAt:          in.UpdatedAt,
	}
}

func fromIntegrationModel(m *integrationModel) (*integration.Integration, error) {
	intgID, err := id.ParseIntegrationID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse integration ID %q: %w", m.ID, err)
	}

	in := &integration.Integration{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                 intgID,
		OrgID:              m.OrgID,
		Name:               m.Name,
		Version:            m.Version,
		IsDefault:          m.IsDefault,
		Direction:          integration.Direction(m.Direction),
		EventType:          m.EventType,
		Scope:              integration.Scope(m.Scope),
		ExcludedEntityRIDs: m.ExcludedEntityRIDs,
		Actions:            m.Actions,
		Timeout:            m.Timeout,
		RetryCount:         m.RetryCount,
		MultiActionDelay:   m.MultiActionDelay,
		HaltOnError:        m.HaltOnError,
		RateLimits:         m.RateLimits,
		SigningEnabled:     m.SigningEnabled,
		SigningSecrets:     m.SigningSecrets,
		IsActive:           m.IsActive,
	}
	in.Normalize()

	return in, nil
}

// --- Source models ---

type sourceConfigModel struct {
	OrgID     int32          `bson:"org_id"`
	Type      string         `bson:"type"`
	Options   map[string]any `bson:"options,omitempty"`
	IsActive  bool           `bson:"is_active"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

func toSourceConfigModel(cfg *source.Config) *sourceConfigModel {
	return &sourceConfigModel{
		OrgID:     cfg.OrgID,
		Type:      string(cfg.Type),
		Options:   cfg.Options,
		IsActive:  cfg.IsActive,
		CreatedAt: cfg.CreatedAt,
		UpdatedAt: cfg.UpdatedAt,
	}
}

func fromSourceConfigModel(m *sourceConfigModel) *source.Config {
	return &source.Config{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		OrgID:    m.OrgID,
		Type:     source.Type(m.Type),
		Options:  m.Options,
		IsActive: m.IsActive,
	}
}

type checkpointModel struct {
	OrgID      int32            `bson:"org_id"`
	SourceType string           `bson:"source_type"`
	LastRowID  int64            `bson:"last_row_id"`
	Offsets    map[string]int64 `bson:"offsets,omitempty"`
	CreatedAt  time.Time        `bson:"created_at"`
	UpdatedAt  time.Time        `bson:"updated_at"`
}

func fromCheckpointModel(m *checkpointModel) *source.Checkpoint {
	return &source.Checkpoint{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		OrgID:      m.OrgID,
		SourceType: source.Type(m.SourceType),
		LastRowID:  m.LastRowID,
		Offsets:    m.Offsets,
	}
}

// eventModel is the persisted form of a normalized event inside a DLQ
// entry.
type eventModel struct {
	OrgID         int32          `bson:"org_id"`
	EventType     string         `bson:"event_type"`
	EntityRID     string         `bson:"entity_rid,omitempty"`
	Payload       map[string]any `bson:"payload,omitempty"`
	SourceEventID string         `bson:"source_event_id"`
	SourceType    string         `bson:"source_type"`
	ProducedAt    time.Time      `bson:"produced_at"`
}

func toEventModel(e *source.Event) *eventModel {
	if e == nil {
		return nil
	}

	return &eventModel{
		OrgID:         e.OrgID,
		EventType:     e.EventType,
		EntityRID:     e.EntityRID,
		Payload:       e.Payload,
		SourceEventID: e.SourceEventID,
		SourceType:    string(e.SourceType),
		ProducedAt:    e.ProducedAt,
	}
}

func fromEventModel(m *eventModel) *source.Event {
	if m == nil {
		return nil
	}

	return &source.Event{
		OrgID:         m.OrgID,
		EventType:     m.EventType,
		EntityRID:     m.EntityRID,
		Payload:       m.Payload,
		SourceEventID: m.SourceEventID,
		SourceType:    source.Type(m.SourceType),
		ProducedAt:    m.ProducedAt,
	}
}

// --- Trace models ---

type traceModel struct {
	ID            string               `bson:"_id"`
	MessageID     string               `bson:"message_id"`
	OrgID         int32                `bson:"org_id"`
	IntegrationID string               `bson:"integration_id"`
	Fingerprint   string               `bson:"fingerprint"`
	Direction     string               `bson:"direction"`
	TriggerType   string               `bson:"trigger_type"`
	Status        string               `bson:"status"`
	StartedAt     time.Time            `bson:"started_at"`
	FinishedAt    *time.Time           `bson:"finished_at,omitempty"`
	DurationMs    int64                `bson:"duration_ms,omitempty"`
	Steps         []execlog.Step       `bson:"steps"`
	Request       *execlog.HTTPCapture `bson:"request,omitempty"`
	Response      *execlog.HTTPCapture `bson:"response,omitempty"`
	Error         *fault.Error         `bson:"error,omitempty"`
}

func toTraceModel(l *execlog.Log) *traceModel {
	steps := l.Steps
	if steps == nil {
		steps = []execlog.Step{}
	}

	return &traceModel{
		ID:            l.TraceID.String(),
		MessageID:     l.MessageID.String(),
		OrgID:         l.OrgID,
		IntegrationID: l.IntegrationID.String(),
		Fingerprint:   l.Fingerprint,
		Direction:     string(l.Direction),
		TriggerType:   string(l.TriggerType),
		Status:        string(l.Status),
		StartedAt:     l.StartedAt,
		FinishedAt:    l.FinishedAt,
		DurationMs:    l.DurationMs,
		Steps:         steps,
		Request:       l.Request,
		Response:      l.Response,
		Error:         l.Error,
	}
}

func fromTraceModel(m *traceModel) (*execlog.Log, error) {
	traceID, err := id.ParseTraceID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse trace ID %q: %w", m.ID, err)
	}

	msgID, err := id.ParseAny(m.MessageID)
	if err != nil {
		return nil, fmt.Errorf("parse message ID %q: %w", m.MessageID, err)
	}

	intgID, err := id.ParseIntegrationID(m.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("parse integration ID %q: %w", m.IntegrationID, err)
	}

	return &execlog.Log{
		TraceID:       traceID,
		MessageID:     msgID,
		OrgID:         m.OrgID,
		IntegrationID: intgID,
		Fingerprint:   m.Fingerprint,
		Direction:     integration.Direction(m.Direction),
		TriggerType:   execlog.TriggerType(m.TriggerType),
		Status:        execlog.Status(m.Status),
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
		DurationMs:    m.DurationMs,
		Steps:         m.Steps,
		Request:       m.Request,
		Response:      m.Response,
		Error:         m.Error,
	}, nil
}

// --- DLQ models ---

type dlqEntryModel struct {
	ID            string       `bson:"_id"`
	OrgID         int32        `bson:"org_id"`
	IntegrationID string       `bson:"integration_id"`
	TraceID       string       `bson:"trace_id"`
	Event         *eventModel  `bson:"event"`
	ActionIndex   int          `bson:"action_index"`
	Error         *fault.Error `bson:"error,omitempty"`
	RetryCount    int          `bson:"retry_count"`
	MaxRetries    int          `bson:"max_retries"`
	NextRetryAt   time.Time    `bson:"next_retry_at"`
	Status        string       `bson:"status"`
	FailedAt      time.Time    `bson:"failed_at"`
	Notes         string       `bson:"notes,omitempty"`
	CreatedAt     time.Time    `bson:"created_at"`
	UpdatedAt     time.Time    `bson:"updated_at"`
}

func toDLQEntryModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:            e.ID.String(),
		OrgID:         e.OrgID,
		IntegrationID: e.IntegrationID.String(),
		TraceID:       e.TraceID.String(),
		Event:         toEventModel(e.Event),
		ActionIndex:   e.ActionIndex,
		Error:         e.Error,
		RetryCount:    e.RetryCount,
		MaxRetries:    e.MaxRetries,
		NextRetryAt:   e.NextRetryAt,
		Status:        string(e.Status),
		FailedAt:      e.FailedAt,
		Notes:         e.Notes,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func fromDLQEntryModel(m *dlqEntryModel) (*dlq.Entry, error) {
	dlqID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse dlq ID %q: %w", m.ID, err)
	}

	intgID, err := id.ParseIntegrationID(m.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("parse integration ID %q: %w", m.IntegrationID, err)
	}

	traceID, err := id.ParseTraceID(m.TraceID)
	if err != nil {
		return nil, fmt.Errorf("parse trace ID %q: %w", m.TraceID, err)
	}

	return &dlq.Entry{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            dlqID,
		OrgID:         m.OrgID,
		IntegrationID: intgID,
		TraceID:       traceID,
		Event:         fromEventModel(m.Event),
		ActionIndex:   m.ActionIndex,
		Error:         m.Error,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		NextRetryAt:   m.NextRetryAt,
		Status:        dlq.Status(m.Status),
		FailedAt:      m.FailedAt,
		Notes:         m.Notes,
	}, nil
}

// --- Schedule models ---

type pendingModel struct {
	ID             string         `bson:"_id"`
	OrgID          int32          `bson:"org_id"`
	IntegrationID  string         `bson:"integration_id"`
	ActionIndex    int            `bson:"action_index"`
	Payload        map[string]any `bson:"payload,omitempty"`
	EventType      string         `bson:"event_type,omitempty"`
	Kind           string         `bson:"kind"`
	ScheduledFor   time.Time      `bson:"scheduled_for"`
	Status         string         `bson:"status"`
	Attempt        int            `bson:"attempt"`
	Interval       time.Duration  `bson:"interval,omitempty"`
	MaxOccurrences int            `bson:"max_occurrences,omitempty"`
	EndDate        *time.Time     `bson:"end_date,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
}

func toPendingModel(pd *schedule.PendingDelivery) *pendingModel {
	return &pendingModel{
		ID:             pd.ID.String(),
		OrgID:          pd.OrgID,
		IntegrationID:  pd.IntegrationID.String(),
		ActionIndex:    pd.ActionIndex,
		Payload:        pd.Payload,
		EventType:      pd.EventType,
		Kind:           string(pd.Kind),
		ScheduledFor:   pd.ScheduledFor,
		Status:         string(pd.Status),
		Attempt:        pd.Attempt,
		Interval:       pd.Interval,
		MaxOccurrences: pd.MaxOccurrences,
		EndDate:        pd.EndDate,
		CreatedAt:      pd.CreatedAt,
		UpdatedAt:      pd.UpdatedAt,
	}
}

func fromPendingModel(m *pendingModel) (*schedule.PendingDelivery, error) {
	pndID, err := id.ParsePendingID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse pending ID %q: %w", m.ID, err)
	}

	intgID, err := id.ParseIntegrationID(m.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("parse integration ID %q: %w", m.IntegrationID, err)
	}

	return &schedule.PendingDelivery{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             pndID,
		OrgID:          m.OrgID,
		IntegrationID:  intgID,
		ActionIndex:    m.ActionIndex,
		Payload:        m.Payload,
		EventType:      m.EventType,
		Kind:           schedule.Kind(m.Kind),
		ScheduledFor:   m.ScheduledFor,
		Status:         schedule.Status(m.Status),
		Attempt:        m.Attempt,
		Interval:       m.Interval,
		MaxOccurrences: m.MaxOccurrences,
		EndDate:        m.EndDate,
	}, nil
}

// --- Job models ---

type jobModel struct {
	ID             string                     `bson:"_id"`
	OrgID          int32                      `bson:"org_id"`
	Name           string                     `bson:"name"`
	ScheduleType   string                     `bson:"schedule_type"`
	CronExpr       string                     `bson:"cron_expr,omitempty"`
	Timezone       string                     `bson:"timezone,omitempty"`
	Interval       time.Duration              `bson:"interval,omitempty"`
	DataSource     job.DataSource             `bson:"data_source"`
	Transformation integration.Transformation `bson:"transformation"`
	TargetURL      string                     `bson:"target_url"`
	Method         string                     `bson:"method"`
	Headers        map[string]string          `bson:"headers,omitempty"`
	AuthType       string                     `bson:"auth_type"`
	AuthConfig     integration.AuthConfig     `bson:"auth_config,omitempty"`
	ConfigVars     map[string]string          `bson:"config_vars,omitempty"`
	IsActive       bool                       `bson:"is_active"`
	LastRunAt      *time.Time                 `bson:"last_run_at,omitempty"`
	NextRunAt      time.Time                  `bson:"next_run_at"`
	CreatedAt      time.Time                  `bson:"created_at"`
	UpdatedAt      time.Time                  `bson:"updated_at"`
}

func toJobModel(j *job.ScheduledJob) *jobModel {
	return &jobModel{
		ID:             j.ID.String(),
		OrgID:          j.OrgID,
		Name:           j.Name,
		ScheduleType:   string(j.ScheduleType),
		CronExpr:       j.CronExpr,
		Timezone:       j.Timezone,
		Interval:       j.Interval,
		DataSource:     j.DataSource,
		Transformation: j.Transformation,
		TargetURL:      j.TargetURL,
		Method:         j.Method,
		Headers:        j.Headers,
		AuthType:       string(j.AuthType),
		AuthConfig:     j.AuthConfig,
		ConfigVars:     j.ConfigVars,
		IsActive:       j.IsActive,
		LastRunAt:      j.LastRunAt,
		NextRunAt:      j.NextRunAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.ScheduledJob, error) {
	jobID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse job ID %q: %w", m.ID, err)
	}

	return &job.ScheduledJob{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             jobID,
		OrgID:          m.OrgID,
		Name:           m.Name,
		ScheduleType:   job.ScheduleType(m.ScheduleType),
		CronExpr:       m.CronExpr,
		Timezone:       m.Timezone,
		Interval:       m.Interval,
		DataSource:     m.DataSource,
		Transformation: m.Transformation,
		TargetURL:      m.TargetURL,
		Method:         m.Method,
		Headers:        m.Headers,
		AuthType:       integration.AuthType(m.AuthType),
		AuthConfig:     m.AuthConfig,
		ConfigVars:     m.ConfigVars,
		IsActive:       m.IsActive,
		LastRunAt:      m.LastRunAt,
		NextRunAt:      m.NextRunAt,
	}, nil
}

type jobLogModel struct {
	ID                 string              `bson:"_id"`
	JobID              string              `bson:"job_id"`
	OrgID              int32               `bson:"org_id"`
	StartedAt          time.Time           `bson:"started_at"`
	FinishedAt         time.Time           `bson:"finished_at"`
	Duration           time.Duration       `bson:"duration"`
	Success            bool                `bson:"success"`
	RecordsFetched     int                 `bson:"records_fetched"`
	DataFetched        string              `bson:"data_fetched,omitempty"`
	TransformedPayload string              `bson:"transformed_payload,omitempty"`
	HTTPRequest        string              `bson:"http_request,omitempty"`
	ResponseStatus     int                 `bson:"response_status,omitempty"`
	ResponseHeaders    map[string][]string `bson:"response_headers,omitempty"`
	ResponseBody       string              `bson:"response_body,omitempty"`
	CurlCommand        string              `bson:"curl_command,omitempty"`
	Error              string              `bson:"error,omitempty"`
	CreatedAt          time.Time           `bson:"created_at"`
	UpdatedAt          time.Time           `bson:"updated_at"`
}

func toJobLogModel(l *job.Log) *jobLogModel {
	return &jobLogModel{
		ID:                 l.ID.String(),
		JobID:              l.JobID.String(),
		OrgID:              l.OrgID,
		StartedAt:          l.StartedAt,
		FinishedAt:         l.FinishedAt,
		Duration:           l.Duration,
		Success:            l.Success,
		RecordsFetched:     l.RecordsFetched,
		DataFetched:        l.DataFetched,
		TransformedPayload: l.TransformedPayload,
		HTTPRequest:        l.HTTPRequest,
		ResponseStatus:     l.ResponseStatus,
		ResponseHeaders:    l.ResponseHeaders,
		ResponseBody:       l.ResponseBody,
		CurlCommand:        l.CurlCommand,
		Error:              l.Error,
		CreatedAt:          l.CreatedAt,
		UpdatedAt:          l.UpdatedAt,
	}
}

func fromJobLogModel(m *jobLogModel) (*job.Log, error) {
	logID, err := id.ParseAny(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse job log ID %q: %w", m.ID, err)
	}

	jobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("parse job ID %q: %w", m.JobID, err)
	}

	return &job.Log{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                 logID,
		JobID:              jobID,
		OrgID:              m.OrgID,
		StartedAt:          m.StartedAt,
		FinishedAt:         m.FinishedAt,
		Duration:           m.Duration,
		Success:            m.Success,
		RecordsFetched:     m.RecordsFetched,
		DataFetched:        m.DataFetched,
		TransformedPayload: m.TransformedPayload,
		HTTPRequest:        m.HTTPRequest,
		ResponseStatus:     m.ResponseStatus,
		ResponseHeaders:    m.ResponseHeaders,
		ResponseBody:       m.ResponseBody,
		CurlCommand:        m.CurlCommand,
		Error:              m.Error,
	}, nil
}

// --- Lookup models ---

type lookupModel struct {
	ID        string         `bson:"_id"`
	OrgID     int32          `bson:"org_id"`
	Name      string         `bson:"name"`
	Entries   []lookup.Entry `bson:"entries"`
	Hits      int64          `bson:"hits"`
	Misses    int64          `bson:"misses"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

func toLookupModel(t *lookup.Table) *lookupModel {
	return &lookupModel{
		ID:        t.ID.String(),
		OrgID:     t.OrgID,
		Name:      t.Name,
		Entries:   t.Entries,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func fromLookupModel(m *lookupModel) (*lookup.Table, error) {
	lkpID, err := id.ParseAny(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse lookup ID %q: %w", m.ID, err)
	}

	return &lookup.Table{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:      lkpID,
		OrgID:   m.OrgID,
		Name:    m.Name,
		Entries: m.Entries,
	}, nil
}
