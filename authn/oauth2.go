package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
)

// expirySlack is subtracted from expires_in so a token is refreshed before
// the provider's own deadline.
const expirySlack = 30 * time.Second

// TokenCache caches OAuth2 client-credentials tokens per integration.
// Refresh is on-demand and single-flighted per integration so concurrent
// deliveries never stampede the token endpoint.
type TokenCache struct {
	client *http.Client

	mu     sync.RWMutex
	tokens map[string]cachedToken
	group  singleflight.Group

	now func() time.Time
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// NewTokenCache creates a token cache using the given HTTP client.
func NewTokenCache(client *http.Client) *TokenCache {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenCache{
		client: client,
		tokens: make(map[string]cachedToken),
		now:    time.Now,
	}
}

// Token returns a valid access token for the integration, fetching a fresh
// one from the token endpoint when the cache is empty or expired.
func (tc *TokenCache) Token(ctx context.Context, intgID id.ID, cfg integration.AuthConfig) (string, error) {
	key := intgID.String()

	tc.mu.RLock()
	tok, ok := tc.tokens[key]
	tc.mu.RUnlock()
	if ok && tc.now().Before(tok.expiresAt) {
		return tok.value, nil
	}

	v, err, _ := tc.group.Do(key, func() (any, error) {
		// Re-check inside the flight: a concurrent caller may have
		// refreshed while this one queued.
		tc.mu.RLock()
		tok, ok := tc.tokens[key]
		tc.mu.RUnlock()
		if ok && tc.now().Before(tok.expiresAt) {
			return tok.value, nil
		}

		fresh, expiresIn, err := tc.fetch(ctx, cfg)
		if err != nil {
			return nil, err
		}

		tc.mu.Lock()
		tc.tokens[key] = cachedToken{
			value:     fresh,
			expiresAt: tc.now().Add(expiresIn - expirySlack),
		}
		tc.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token for an integration.
func (tc *TokenCache) Invalidate(intgID id.ID) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.tokens, intgID.String())
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// fetch performs the client-credentials grant against the token endpoint.
func (tc *TokenCache) fetch(ctx context.Context, cfg integration.AuthConfig) (string, time.Duration, error) {
	if cfg.TokenURL == "" || cfg.ClientID == "" {
		return "", 0, fault.New(fault.CategoryAuth, "oauth2_config", "OAuth2 auth requires token URL and client ID")
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
	}
	if cfg.OAuthScope != "" {
		form.Set("scope", cfg.OAuthScope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fault.Wrap(fault.CategoryAuth, "oauth2_request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", 0, fault.Wrap(fault.CategoryAuth, "oauth2_token_fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", 0, fault.Wrap(fault.CategoryAuth, "oauth2_token_read", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fault.New(fault.CategoryAuth, "oauth2_token_status",
			"token endpoint returned %d", resp.StatusCode).WithStatus(resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fault.Wrap(fault.CategoryAuth, "oauth2_token_parse", fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return "", 0, fault.New(fault.CategoryAuth, "oauth2_token_empty", "token endpoint returned no access_token")
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn <= expirySlack {
		expiresIn = expirySlack + time.Second
	}
	return tr.AccessToken, expiresIn, nil
}
