package integration_test

import (
	"testing"
	"time"

	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/signature"
)

func TestNormalizeClamps(t *testing.T) {
	in := &integration.Integration{
		Timeout:          10 * time.Minute,
		RetryCount:       50,
		MultiActionDelay: -time.Second,
		Actions:          []integration.Action{{TargetURL: "https://example.com"}},
	}
	in.Normalize()

	if in.Timeout != integration.MaxTimeout {
		t.Errorf("timeout = %v, want clamped to %v", in.Timeout, integration.MaxTimeout)
	}
	if in.RetryCount != integration.MaxRetryCount {
		t.Errorf("retry count = %d, want clamped to %d", in.RetryCount, integration.MaxRetryCount)
	}
	if in.MultiActionDelay != 0 {
		t.Errorf("multi-action delay = %v, want clamped to 0", in.MultiActionDelay)
	}
	if in.Scope != integration.ScopeAllEntities {
		t.Errorf("scope = %s, want default %s", in.Scope, integration.ScopeAllEntities)
	}
	if in.Actions[0].Method != "POST" || in.Actions[0].AuthType != integration.AuthNone {
		t.Errorf("action defaults not applied: %+v", in.Actions[0])
	}
	if in.Actions[0].Transformation.Mode != integration.ModeSimple {
		t.Errorf("transformation mode = %q, want default %s", in.Actions[0].Transformation.Mode, integration.ModeSimple)
	}
}

func TestSigningSecretRotation(t *testing.T) {
	in := &integration.Integration{SigningEnabled: true}

	first := signature.GenerateSecret()
	if err := in.AddSigningSecret(first); err != nil {
		t.Fatalf("AddSigningSecret: %v", err)
	}

	// Adding the same secret twice is a no-op.
	if err := in.AddSigningSecret(first); err != nil {
		t.Fatalf("AddSigningSecret duplicate: %v", err)
	}
	if len(in.SigningSecrets) != 1 {
		t.Fatalf("secrets = %d, want 1", len(in.SigningSecrets))
	}

	second := signature.GenerateSecret()
	if err := in.AddSigningSecret(second); err != nil {
		t.Fatalf("AddSigningSecret: %v", err)
	}

	if err := in.RemoveSigningSecret(first); err != nil {
		t.Fatalf("RemoveSigningSecret: %v", err)
	}
	if len(in.SigningSecrets) != 1 || in.SigningSecrets[0] != second {
		t.Errorf("secrets = %v, want only the second", in.SigningSecrets)
	}

	// The last secret stays put while signing is on.
	if err := in.RemoveSigningSecret(second); err == nil {
		t.Error("expected error removing the last secret")
	}

	in.SigningEnabled = false
	if err := in.RemoveSigningSecret(second); err != nil {
		t.Errorf("RemoveSigningSecret after disabling: %v", err)
	}
}

func TestSigningSecretLimits(t *testing.T) {
	in := &integration.Integration{}

	if err := in.AddSigningSecret("not-a-secret"); err == nil {
		t.Error("expected error for malformed secret")
	}

	for i := 0; i < integration.MaxSigningSecrets; i++ {
		if err := in.AddSigningSecret(signature.GenerateSecret()); err != nil {
			t.Fatalf("AddSigningSecret %d: %v", i, err)
		}
	}
	if err := in.AddSigningSecret(signature.GenerateSecret()); err == nil {
		t.Errorf("expected error beyond %d secrets", integration.MaxSigningSecrets)
	}

	if err := in.RemoveSigningSecret(signature.GenerateSecret()); err == nil {
		t.Error("expected error removing an unknown secret")
	}
}
