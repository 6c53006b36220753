// Package integration defines the integration configuration model: the
// per-tenant description of how a matched event is transformed, signed,
// authenticated, and delivered to external endpoints.
package integration

import (
	"fmt"
	"slices"
	"time"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/internal/entity"
	"github.com/xraph/conduit/signature"
)

// Direction describes how an integration is triggered.
type Direction string

// Trigger directions.
const (
	DirectionOutbound  Direction = "OUTBOUND"
	DirectionInbound   Direction = "INBOUND"
	DirectionScheduled Direction = "SCHEDULED"
)

// Scope restricts which entities of an org an integration applies to.
type Scope string

// Entity scopes.
const (
	ScopeAllEntities Scope = "ALL_ENTITIES"
	ScopeEntityOnly  Scope = "ENTITY_ONLY"
)

// WildcardEventType matches every event type within an org.
const WildcardEventType = "*"

// TransformationMode selects how an action's payload is produced.
type TransformationMode string

// Transformation modes.
const (
	ModeSimple TransformationMode = "SIMPLE"
	ModeScript TransformationMode = "SCRIPT"
)

// Transformation is the enum-discriminated payload transformation of one
// action. Exactly one of Mapping or Script is meaningful, selected by Mode.
type Transformation struct {
	// Mode discriminates the variant.
	Mode TransformationMode `json:"mode" bson:"mode"`

	// Mapping holds the declarative field map when Mode is SIMPLE.
	Mapping []FieldMapping `json:"mapping,omitempty" bson:"mapping,omitempty"`

	// Script holds the user transform source when Mode is SCRIPT.
	Script string `json:"script,omitempty" bson:"script,omitempty"`
}

// FieldMapping is one declarative source→target assignment of a SIMPLE
// transformation.
type FieldMapping struct {
	// Source is a dot path into the event payload, or a "{{…}}" template.
	Source string `json:"source" bson:"source"`

	// Target is a dot path in the output body.
	Target string `json:"target" bson:"target"`

	// Lookup, when set, resolves the source value through the named
	// per-org lookup table before assignment.
	Lookup string `json:"lookup,omitempty" bson:"lookup,omitempty"`

	// Format applies a formatter to the resolved value
	// ("uppercase", "lowercase", "trim", "string", "number", "date:<layout>").
	Format string `json:"format,omitempty" bson:"format,omitempty"`

	// Default is assigned when the source path resolves to nothing.
	Default any `json:"default,omitempty" bson:"default,omitempty"`
}

// ConditionOp is the operator of an action condition.
type ConditionOp string

// Condition operators.
const (
	OpEquals    ConditionOp = "eq"
	OpNotEquals ConditionOp = "ne"
	OpExists    ConditionOp = "exists"
	OpContains  ConditionOp = "contains"
)

// Condition gates an action on a payload field. A nil condition always
// passes.
type Condition struct {
	Field string      `json:"field" bson:"field"`
	Op    ConditionOp `json:"op" bson:"op"`
	Value any         `json:"value,omitempty" bson:"value,omitempty"`
}

// AuthType selects how outgoing requests authenticate to the target.
type AuthType string

// Outgoing auth types.
const (
	AuthNone          AuthType = "NONE"
	AuthAPIKey        AuthType = "API_KEY"
	AuthBasic         AuthType = "BASIC"
	AuthBearer        AuthType = "BEARER"
	AuthOAuth2        AuthType = "OAUTH2"
	AuthCustomHeaders AuthType = "CUSTOM_HEADERS"
)

// AuthConfig is the enum-discriminated credential set for one auth type.
// Only the fields of the selected variant are meaningful.
type AuthConfig struct {
	// API_KEY
	HeaderName string `json:"header_name,omitempty" bson:"header_name,omitempty"`
	APIKey     string `json:"api_key,omitempty" bson:"api_key,omitempty"`

	// BASIC
	Username string `json:"username,omitempty" bson:"username,omitempty"`
	Password string `json:"password,omitempty" bson:"password,omitempty"`

	// BEARER
	Token string `json:"token,omitempty" bson:"token,omitempty"`

	// OAUTH2 client credentials
	TokenURL     string `json:"token_url,omitempty" bson:"token_url,omitempty"`
	ClientID     string `json:"client_id,omitempty" bson:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty" bson:"client_secret,omitempty"`
	OAuthScope   string `json:"oauth_scope,omitempty" bson:"oauth_scope,omitempty"`

	// CUSTOM_HEADERS
	Headers map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
}

// Action is a single delivery step within an integration: one target URL
// plus its transform, auth, and optional gating condition.
type Action struct {
	// TargetURL is the external endpoint to call.
	TargetURL string `json:"target_url" bson:"target_url"`

	// Method is the HTTP method (GET, POST, PUT, PATCH, DELETE).
	Method string `json:"method" bson:"method"`

	// Headers are fixed headers merged into every request of this action.
	Headers map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`

	// AuthType selects the outgoing auth variant.
	AuthType AuthType `json:"auth_type" bson:"auth_type"`

	// AuthConfig carries the credentials for AuthType.
	AuthConfig AuthConfig `json:"auth_config,omitempty" bson:"auth_config,omitempty"`

	// Transformation produces the request body from the event payload.
	Transformation Transformation `json:"transformation" bson:"transformation"`

	// Condition gates the action; a nil condition always runs.
	Condition *Condition `json:"condition,omitempty" bson:"condition,omitempty"`
}

// RateLimitPolicy is the fixed-window admission policy of an integration.
type RateLimitPolicy struct {
	Enabled       bool `json:"enabled" bson:"enabled"`
	MaxRequests   int  `json:"max_requests" bson:"max_requests"`
	WindowSeconds int  `json:"window_seconds" bson:"window_seconds"`
}

// Window returns the policy window as a duration.
func (p RateLimitPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Integration is one outbound, inbound, or scheduled integration
// configuration. Mutated only by the external control plane; workers take
// read-only snapshots.
type Integration struct {
	entity.Entity

	// ID is the unique TypeID for this integration version.
	ID id.ID `json:"id"`

	// OrgID scopes the integration to a tenant.
	OrgID int32 `json:"org_id"`

	// Name is the stable integration name shared across versions.
	Name string `json:"name"`

	// Version is an optional semver tag for this revision.
	Version string `json:"version,omitempty"`

	// IsDefault marks the version the matcher resolves for Name.
	// Invariant: one default per (OrgID, Name).
	IsDefault bool `json:"is_default"`

	// Direction is the trigger direction.
	Direction Direction `json:"direction"`

	// EventType is the matched event type, or "*" for all types.
	EventType string `json:"event_type"`

	// Scope restricts matching to specific entities.
	Scope Scope `json:"scope"`

	// ExcludedEntityRIDs are entity RIDs excluded under ENTITY_ONLY scope.
	ExcludedEntityRIDs []string `json:"excluded_entity_rids,omitempty"`

	// Actions is the ordered list of delivery steps. At least one.
	Actions []Action `json:"actions"`

	// Timeout is the overall deadline per HTTP attempt. Clamped 1s–120s.
	Timeout time.Duration `json:"timeout"`

	// RetryCount is the inline retry budget per action. Clamped 0–10.
	RetryCount int `json:"retry_count"`

	// MultiActionDelay is the pause between consecutive actions. 0–600s.
	MultiActionDelay time.Duration `json:"multi_action_delay"`

	// HaltOnError stops the action sequence at the first failed action.
	HaltOnError bool `json:"halt_on_error"`

	// RateLimits is the admission policy shared across worker replicas.
	RateLimits RateLimitPolicy `json:"rate_limits"`

	// SigningEnabled turns on HMAC signing of outbound requests.
	SigningEnabled bool `json:"signing_enabled"`

	// SigningSecrets are the active secrets, 1–3 during rotation.
	// Never serialized.
	SigningSecrets []string `json:"-"`

	// IsActive gates the integration for matching.
	IsActive bool `json:"is_active"`
}

// Clamp bounds for integration policies.
const (
	MinTimeout          = 1 * time.Second
	MaxTimeout          = 120 * time.Second
	MaxRetryCount       = 10
	MaxMultiActionDelay = 600 * time.Second
)

// MaxSigningSecrets bounds how many secrets may overlap during rotation.
const MaxSigningSecrets = 3

// AddSigningSecret appends a signing secret for rotation. Outbound requests
// are signed with every active secret so receivers can verify during the
// overlap window.
func (in *Integration) AddSigningSecret(secret string) error {
	if !signature.ValidSecret(secret) {
		return fmt.Errorf("integration: invalid signing secret")
	}
	if slices.Contains(in.SigningSecrets, secret) {
		return nil
	}
	if len(in.SigningSecrets) >= MaxSigningSecrets {
		return fmt.Errorf("integration: at most %d signing secrets may be active", MaxSigningSecrets)
	}
	in.SigningSecrets = append(in.SigningSecrets, secret)
	return nil
}

// RemoveSigningSecret retires a secret. The last secret cannot be removed
// while signing is enabled.
func (in *Integration) RemoveSigningSecret(secret string) error {
	i := slices.Index(in.SigningSecrets, secret)
	if i < 0 {
		return fmt.Errorf("integration: signing secret not found")
	}
	if in.SigningEnabled && len(in.SigningSecrets) == 1 {
		return fmt.Errorf("integration: cannot remove the last signing secret while signing is enabled")
	}
	in.SigningSecrets = slices.Delete(in.SigningSecrets, i, i+1)
	return nil
}

// Normalize clamps policy fields into their allowed ranges and fills
// defaults. Called on every read path so stale documents stay in bounds.
func (in *Integration) Normalize() {
	in.Timeout = min(max(in.Timeout, MinTimeout), MaxTimeout)
	in.RetryCount = min(max(in.RetryCount, 0), MaxRetryCount)
	in.MultiActionDelay = min(max(in.MultiActionDelay, 0), MaxMultiActionDelay)
	if in.Scope == "" {
		in.Scope = ScopeAllEntities
	}
	for i := range in.Actions {
		if in.Actions[i].Method == "" {
			in.Actions[i].Method = "POST"
		}
		if in.Actions[i].AuthType == "" {
			in.Actions[i].AuthType = AuthNone
		}
		if in.Actions[i].Transformation.Mode == "" {
			in.Actions[i].Transformation.Mode = ModeSimple
		}
	}
}

// ListOpts configures filtering and pagination for integration listing.
type ListOpts struct {
	Offset    int
	Limit     int
	Direction *Direction
	Active    *bool
}
