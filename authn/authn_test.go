package authn_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/xraph/conduit/authn"
	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
)

func apply(t *testing.T, a *integration.Action) (http.Header, error) {
	t.Helper()
	b := authn.NewBuilder(authn.NewTokenCache(nil))
	h := make(http.Header)
	err := b.Apply(context.Background(), id.NewIntegrationID(), a, h)
	return h, err
}

func TestApplyNone(t *testing.T) {
	h, err := apply(t, &integration.Action{AuthType: integration.AuthNone})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if len(h) != 0 {
		t.Errorf("NONE auth set headers: %v", h)
	}
}

func TestApplyAPIKey(t *testing.T) {
	h, err := apply(t, &integration.Action{
		AuthType:   integration.AuthAPIKey,
		AuthConfig: integration.AuthConfig{HeaderName: "X-Api-Key", APIKey: "sekret"},
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if got := h.Get("X-Api-Key"); got != "sekret" {
		t.Errorf("X-Api-Key = %q", got)
	}
}

func TestApplyAPIKeyMissingConfig(t *testing.T) {
	_, err := apply(t, &integration.Action{AuthType: integration.AuthAPIKey})
	if fault.CategoryOf(err) != fault.CategoryAuth {
		t.Errorf("category = %s, want AUTH", fault.CategoryOf(err))
	}
}

func TestApplyBasic(t *testing.T) {
	h, err := apply(t, &integration.Action{
		AuthType:   integration.AuthBasic,
		AuthConfig: integration.AuthConfig{Username: "ada", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("ada:pw"))
	if got := h.Get("Authorization"); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}
}

func TestApplyBearer(t *testing.T) {
	h, err := apply(t, &integration.Action{
		AuthType:   integration.AuthBearer,
		AuthConfig: integration.AuthConfig{Token: "tok123"},
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer tok123" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestApplyCustomHeaders(t *testing.T) {
	h, err := apply(t, &integration.Action{
		AuthType:   integration.AuthCustomHeaders,
		AuthConfig: integration.AuthConfig{Headers: map[string]string{"X-Tenant": "t1", "X-Env": "prod"}},
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if h.Get("X-Tenant") != "t1" || h.Get("X-Env") != "prod" {
		t.Errorf("custom headers = %v", h)
	}
}

func TestApplyUnknownType(t *testing.T) {
	_, err := apply(t, &integration.Action{AuthType: "KERBEROS"})
	if fault.CategoryOf(err) != fault.CategoryAuth {
		t.Errorf("category = %s, want AUTH", fault.CategoryOf(err))
	}
}

func oauthServer(t *testing.T, fetches *atomic.Int64, expiresIn int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("client_id") != "cid" {
			t.Errorf("client_id = %q", r.PostForm.Get("client_id"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at_abc",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func TestOAuth2TokenCached(t *testing.T) {
	var fetches atomic.Int64
	srv := oauthServer(t, &fetches, 3600)
	defer srv.Close()

	tc := authn.NewTokenCache(srv.Client())
	b := authn.NewBuilder(tc)
	action := &integration.Action{
		AuthType:   integration.AuthOAuth2,
		AuthConfig: integration.AuthConfig{TokenURL: srv.URL, ClientID: "cid", ClientSecret: "cs"},
	}
	intgID := id.NewIntegrationID()

	for range 5 {
		h := make(http.Header)
		if err := b.Apply(context.Background(), intgID, action, h); err != nil {
			t.Fatalf("Apply() error: %v", err)
		}
		if got := h.Get("Authorization"); got != "Bearer at_abc" {
			t.Errorf("Authorization = %q", got)
		}
	}
	if fetches.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", fetches.Load())
	}
}

func TestOAuth2SingleFlight(t *testing.T) {
	var fetches atomic.Int64
	srv := oauthServer(t, &fetches, 3600)
	defer srv.Close()

	tc := authn.NewTokenCache(srv.Client())
	cfg := integration.AuthConfig{TokenURL: srv.URL, ClientID: "cid"}
	intgID := id.NewIntegrationID()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tc.Token(context.Background(), intgID, cfg); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if fetches.Load() != 1 {
		t.Errorf("token endpoint hit %d times under concurrency, want 1", fetches.Load())
	}
}

func TestOAuth2InvalidateForcesRefetch(t *testing.T) {
	var fetches atomic.Int64
	srv := oauthServer(t, &fetches, 3600)
	defer srv.Close()

	tc := authn.NewTokenCache(srv.Client())
	cfg := integration.AuthConfig{TokenURL: srv.URL, ClientID: "cid"}
	intgID := id.NewIntegrationID()

	tc.Token(context.Background(), intgID, cfg)
	tc.Invalidate(intgID)
	tc.Token(context.Background(), intgID, cfg)

	if fetches.Load() != 2 {
		t.Errorf("token endpoint hit %d times after invalidation, want 2", fetches.Load())
	}
}

func TestOAuth2ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tc := authn.NewTokenCache(srv.Client())
	_, err := tc.Token(context.Background(), id.NewIntegrationID(), integration.AuthConfig{TokenURL: srv.URL, ClientID: "cid"})

	fe := fault.As(err)
	if fe == nil || fe.Category != fault.CategoryAuth || fe.StatusCode != http.StatusUnauthorized {
		t.Errorf("error = %v, want AUTH with status 401", err)
	}
}

func TestOAuth2MissingConfig(t *testing.T) {
	tc := authn.NewTokenCache(nil)
	_, err := tc.Token(context.Background(), id.NewIntegrationID(), integration.AuthConfig{})
	if fault.CategoryOf(err) != fault.CategoryAuth {
		t.Errorf("category = %s, want AUTH", fault.CategoryOf(err))
	}
}
