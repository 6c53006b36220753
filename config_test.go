package conduit_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/conduit"
)

func TestDefaultConfig(t *testing.T) {
	c := conduit.DefaultConfig()

	if c.Port != 8080 {
		t.Errorf("port = %d, want 8080", c.Port)
	}
	if c.StateStore.URI != "mongodb://localhost:27017" || c.StateStore.Database != "conduit" {
		t.Errorf("state store = %+v", c.StateStore)
	}
	if !c.Security.EnforceHTTPS || !c.Security.BlockPrivateNetworks {
		t.Error("outbound URL policy should be strict by default")
	}
	if !c.Worker.Enabled || !c.Worker.DLQ.Enabled || !c.Scheduler.Enabled || !c.Jobs.Enabled {
		t.Error("all workers should be enabled by default")
	}
	if c.QueueCapacity != 1024 {
		t.Errorf("queue capacity = %d, want 1024", c.QueueCapacity)
	}
}

func TestNormalizeClampsTunables(t *testing.T) {
	c := conduit.Config{
		Port: 99999,
		Worker: conduit.WorkerConfig{
			Interval:    time.Millisecond,
			BatchSize:   10000,
			Concurrency: -3,
			DLQ:         conduit.DLQConfig{MaxRetries: 100},
		},
		Scheduler: conduit.SchedulerConfig{Interval: 24 * time.Hour},
	}
	c.Normalize()

	if c.Port != 8080 {
		t.Errorf("port = %d, want default for out-of-range value", c.Port)
	}
	if c.Worker.Interval != time.Second {
		t.Errorf("worker interval = %v, want clamped to 1s", c.Worker.Interval)
	}
	if c.Worker.BatchSize != 500 {
		t.Errorf("worker batch size = %d, want clamped to 500", c.Worker.BatchSize)
	}
	if c.Worker.Concurrency != 1 {
		t.Errorf("worker concurrency = %d, want clamped to 1", c.Worker.Concurrency)
	}
	if c.Worker.DLQ.MaxRetries != 20 {
		t.Errorf("dlq max retries = %d, want clamped to 20", c.Worker.DLQ.MaxRetries)
	}
	if c.Scheduler.Interval != time.Hour {
		t.Errorf("scheduler interval = %v, want clamped to 1h", c.Scheduler.Interval)
	}
}

func TestNormalizeFillsZeroes(t *testing.T) {
	var c conduit.Config
	c.Normalize()

	def := conduit.DefaultConfig()
	if c.Worker.Interval != def.Worker.Interval {
		t.Errorf("worker interval = %v, want default %v", c.Worker.Interval, def.Worker.Interval)
	}
	if c.CacheTTL != def.CacheTTL {
		t.Errorf("cache TTL = %v, want default %v", c.CacheTTL, def.CacheTTL)
	}
	if c.ShutdownTimeout != def.ShutdownTimeout {
		t.Errorf("shutdown timeout = %v, want default %v", c.ShutdownTimeout, def.ShutdownTimeout)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	raw := `
port: 9090
stateStore:
  uri: mongodb://db:27017
  database: gateway
redis:
  addr: cache:6379
security:
  apiKey: key_123
  enforceHttps: false
worker:
  intervalMs: 2000
  batchSize: 25
  maxEventAgeDays: 7
  dlq:
    enabled: false
    maxRetries: 3
scheduler:
  intervalMs: 30000
cacheTtlMs: 60000
`
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := conduit.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if c.Port != 9090 {
		t.Errorf("port = %d, want 9090", c.Port)
	}
	if c.StateStore.URI != "mongodb://db:27017" || c.StateStore.Database != "gateway" {
		t.Errorf("state store = %+v", c.StateStore)
	}
	if c.Redis.Addr != "cache:6379" {
		t.Errorf("redis addr = %q", c.Redis.Addr)
	}
	if c.Security.APIKey != "key_123" {
		t.Errorf("api key = %q", c.Security.APIKey)
	}
	if c.Security.EnforceHTTPS {
		t.Error("enforceHttps: false should turn the policy off")
	}
	if c.Worker.Interval != 2*time.Second {
		t.Errorf("worker interval = %v, want 2s", c.Worker.Interval)
	}
	if c.Worker.BatchSize != 25 {
		t.Errorf("worker batch size = %d, want 25", c.Worker.BatchSize)
	}
	if c.Worker.MaxEventAgeDays != 7 {
		t.Errorf("max event age = %d, want 7", c.Worker.MaxEventAgeDays)
	}
	if c.Worker.DLQ.Enabled {
		t.Error("dlq.enabled: false should disable the worker")
	}
	if c.Worker.DLQ.MaxRetries != 3 {
		t.Errorf("dlq max retries = %d, want 3", c.Worker.DLQ.MaxRetries)
	}
	if c.Scheduler.Interval != 30*time.Second {
		t.Errorf("scheduler interval = %v, want 30s", c.Scheduler.Interval)
	}
	if c.CacheTTL != time.Minute {
		t.Errorf("cache TTL = %v, want 1m", c.CacheTTL)
	}

	// Unset fields keep their defaults.
	if c.Worker.Concurrency != 32 {
		t.Errorf("worker concurrency = %d, want default 32", c.Worker.Concurrency)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CONDUIT_STATESTORE_URI", "mongodb://env:27017")
	t.Setenv("CONDUIT_PORT", "7070")
	t.Setenv("CONDUIT_SECURITY_ENFORCE_HTTPS", "false")
	t.Setenv("CONDUIT_WORKER_ENABLED", "false")

	c, err := conduit.LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if c.StateStore.URI != "mongodb://env:27017" {
		t.Errorf("state store URI = %q, want env value", c.StateStore.URI)
	}
	if c.Port != 7070 {
		t.Errorf("port = %d, want 7070", c.Port)
	}
	if c.Security.EnforceHTTPS {
		t.Error("env should disable HTTPS enforcement")
	}
	if c.Worker.Enabled {
		t.Error("env should disable the delivery worker")
	}
}

func TestLoadConfigEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte("port: 9090\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONDUIT_PORT", "7070")

	c, err := conduit.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Port != 7070 {
		t.Errorf("port = %d, want env to win over file", c.Port)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := conduit.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
