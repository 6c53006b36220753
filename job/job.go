// Package job runs CRON and INTERVAL scheduled jobs: fetch records from a
// configured data source, transform them, and deliver the result to an
// external HTTP target.
package job

import (
	"time"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/internal/entity"
)

// ScheduleType selects how a job's fire times are computed.
type ScheduleType string

// Schedule types.
const (
	ScheduleCron     ScheduleType = "CRON"
	ScheduleInterval ScheduleType = "INTERVAL"
)

// DataSourceKind selects where a job fetches its records from.
type DataSourceKind string

// Data source kinds.
const (
	SourceSQL      DataSourceKind = "SQL"
	SourceDocument DataSourceKind = "DOCUMENT"
	SourceHTTP     DataSourceKind = "INTERNAL_HTTP"
)

// FetchBudget is the hard wall-clock limit for one data-source fetch.
const FetchBudget = 30 * time.Second

// DataSource configures a job's record fetch. Only the fields of the
// selected kind are meaningful. String fields accept "{{…}}" template
// variables, substituted at fetch time.
type DataSource struct {
	Kind DataSourceKind `json:"kind" bson:"kind"`

	// SQL
	ConnectionURL string `json:"connection_url,omitempty" bson:"connection_url,omitempty"`
	Query         string `json:"query,omitempty" bson:"query,omitempty"`

	// DOCUMENT aggregation. ConnectionURL empty means the internal
	// state-store connection.
	Database   string           `json:"database,omitempty" bson:"database,omitempty"`
	Collection string           `json:"collection,omitempty" bson:"collection,omitempty"`
	Pipeline   []map[string]any `json:"pipeline,omitempty" bson:"pipeline,omitempty"`

	// INTERNAL_HTTP
	URL     string            `json:"url,omitempty" bson:"url,omitempty"`
	Method  string            `json:"method,omitempty" bson:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
}

// ScheduledJob is one time-triggered pull, transform, push pipeline.
type ScheduledJob struct {
	entity.Entity

	ID    id.ID  `json:"id"`
	OrgID int32  `json:"org_id"`
	Name  string `json:"name"`

	// ScheduleType is CRON or INTERVAL.
	ScheduleType ScheduleType `json:"schedule_type"`

	// CronExpr is a five-field cron expression, evaluated in Timezone.
	CronExpr string `json:"cron_expr,omitempty"`

	// Timezone is an IANA zone name for CRON evaluation. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	// Interval is the INTERVAL cadence.
	Interval time.Duration `json:"interval,omitempty"`

	// DataSource is the record fetch configuration.
	DataSource DataSource `json:"data_source"`

	// Transformation shapes the fetched records into the request body.
	// The records arrive as payload["data"].
	Transformation integration.Transformation `json:"transformation"`

	// TargetURL and Method describe the delivery target.
	TargetURL string `json:"target_url"`
	Method    string `json:"method"`

	// Headers are fixed headers merged into the delivery request.
	Headers map[string]string `json:"headers,omitempty"`

	// AuthType and AuthConfig authenticate the delivery request.
	AuthType   integration.AuthType   `json:"auth_type"`
	AuthConfig integration.AuthConfig `json:"auth_config,omitempty"`

	// ConfigVars back {{config.<key>}} template variables.
	ConfigVars map[string]string `json:"config_vars,omitempty"`

	IsActive  bool       `json:"is_active"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time  `json:"next_run_at"`
}

// Log is the record of one job run.
type Log struct {
	entity.Entity

	ID    id.ID `json:"id"`
	JobID id.ID `json:"job_id"`
	OrgID int32 `json:"org_id"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`

	// RecordsFetched is the row count returned by the data source.
	RecordsFetched int `json:"records_fetched"`

	// DataFetched is the fetched record set, truncated at the execution
	// log body limit.
	DataFetched string `json:"data_fetched,omitempty"`

	// TransformedPayload is the request body after transformation.
	TransformedPayload string `json:"transformed_payload,omitempty"`

	// HTTPRequest describes the delivery request (method, URL, redacted
	// headers).
	HTTPRequest string `json:"http_request,omitempty"`

	ResponseStatus  int                 `json:"response_status,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    string              `json:"response_body,omitempty"`

	// CurlCommand is a reproducible diagnostic with secrets redacted.
	CurlCommand string `json:"curl_command,omitempty"`

	Error string `json:"error,omitempty"`
}

// ListOpts filters job and job-log listings.
type ListOpts struct {
	OrgID  int32
	JobID  id.ID
	Limit  int
	Offset int
}
