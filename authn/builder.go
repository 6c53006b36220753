// Package authn builds outgoing-auth headers for delivery requests:
// API key, basic, bearer, OAuth2 client credentials with cached tokens,
// and fixed custom headers.
package authn

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
)

// Builder produces the auth headers for one action.
type Builder struct {
	oauth *TokenCache
}

// NewBuilder creates a builder. The token cache handles OAUTH2 actions;
// passing nil makes OAUTH2 actions fail with an AUTH error.
func NewBuilder(oauth *TokenCache) *Builder {
	return &Builder{oauth: oauth}
}

// Apply sets the auth headers for the action on h. AUTH-category errors are
// terminal: they route the delivery to FAILED without a DLQ entry.
func (b *Builder) Apply(ctx context.Context, intgID id.ID, a *integration.Action, h http.Header) error {
	cfg := a.AuthConfig

	switch a.AuthType {
	case integration.AuthNone, "":
		return nil

	case integration.AuthAPIKey:
		if cfg.HeaderName == "" || cfg.APIKey == "" {
			return fault.New(fault.CategoryAuth, "api_key_config", "API key auth requires header name and key")
		}
		h.Set(cfg.HeaderName, cfg.APIKey)
		return nil

	case integration.AuthBasic:
		if cfg.Username == "" {
			return fault.New(fault.CategoryAuth, "basic_config", "basic auth requires a username")
		}
		cred := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		h.Set("Authorization", "Basic "+cred)
		return nil

	case integration.AuthBearer:
		if cfg.Token == "" {
			return fault.New(fault.CategoryAuth, "bearer_config", "bearer auth requires a token")
		}
		h.Set("Authorization", "Bearer "+cfg.Token)
		return nil

	case integration.AuthOAuth2:
		if b.oauth == nil {
			return fault.New(fault.CategoryAuth, "oauth2_unavailable", "OAuth2 auth configured but no token cache installed")
		}
		token, err := b.oauth.Token(ctx, intgID, cfg)
		if err != nil {
			return err
		}
		h.Set("Authorization", "Bearer "+token)
		return nil

	case integration.AuthCustomHeaders:
		for k, v := range cfg.Headers {
			h.Set(k, v)
		}
		return nil

	default:
		return fault.New(fault.CategoryAuth, "unknown_auth_type", "unknown auth type %q", a.AuthType)
	}
}
