package conduit

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-wide configuration for a Gateway.
type Config struct {
	// Port is the HTTP port for the health and push-ingest endpoints.
	Port int

	// StateStore selects the persistence backend connection.
	StateStore StateStoreConfig

	// Redis backs the integration-cache invalidation bus. Optional; empty
	// Addr falls back to TTL-only cache refresh.
	Redis RedisConfig

	// Security holds the inbound credentials and outbound URL policy.
	Security SecurityConfig

	// Worker configures the delivery worker and its DLQ companion.
	Worker WorkerConfig

	// Scheduler configures the delayed/recurring delivery scheduler.
	Scheduler SchedulerConfig

	// Jobs configures the scheduled-job worker.
	Jobs JobsConfig

	// EventSource selects the default adapter kind for orgs without an
	// explicit source configuration.
	EventSource EventSourceConfig

	// CacheTTL bounds integration snapshot staleness.
	CacheTTL time.Duration

	// QueueCapacity is the in-process event buffer between adapters and
	// the delivery worker.
	QueueCapacity int

	// ShutdownTimeout bounds the graceful drain on SIGTERM.
	ShutdownTimeout time.Duration
}

// StateStoreConfig selects the MongoDB state store.
type StateStoreConfig struct {
	URI      string
	Database string
}

// RedisConfig connects the cache invalidation bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SecurityConfig holds inbound credentials and the outbound URL policy.
type SecurityConfig struct {
	// APIKey authenticates control-plane calls into the gateway.
	APIKey string

	// JWTSecret verifies caller-issued tokens on inbound integrations.
	JWTSecret string

	// EnforceHTTPS rejects non-HTTPS delivery targets.
	EnforceHTTPS bool

	// BlockPrivateNetworks rejects delivery targets resolving to private
	// address space.
	BlockPrivateNetworks bool
}

// WorkerConfig configures the delivery worker.
type WorkerConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	Concurrency int

	// MultiActionDelay is the default pause between actions for
	// integrations that do not set their own.
	MultiActionDelay time.Duration

	// MaxEventAgeDays drops events older than this before matching.
	// Zero disables the check.
	MaxEventAgeDays int

	// RetryInterval and RetryBatchSize drive the inline retry scan.
	RetryInterval  time.Duration
	RetryBatchSize int

	DLQ DLQConfig
}

// DLQConfig configures the DLQ reprocessing worker.
type DLQConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	MaxRetries  int
	Concurrency int
}

// SchedulerConfig configures the delayed/recurring delivery scheduler.
type SchedulerConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

// JobsConfig configures the scheduled-job worker.
type JobsConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

// EventSourceConfig selects the default source adapter kind.
type EventSourceConfig struct {
	Type string
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Port: 8080,
		StateStore: StateStoreConfig{
			URI:      "mongodb://localhost:27017",
			Database: "conduit",
		},
		Security: SecurityConfig{
			EnforceHTTPS:         true,
			BlockPrivateNetworks: true,
		},
		Worker: WorkerConfig{
			Enabled:        true,
			Interval:       time.Second,
			BatchSize:      50,
			Concurrency:    32,
			RetryInterval:  time.Minute,
			RetryBatchSize: 50,
			DLQ: DLQConfig{
				Enabled:     true,
				Interval:    time.Minute,
				BatchSize:   50,
				MaxRetries:  5,
				Concurrency: 16,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			Interval:    time.Minute,
			BatchSize:   50,
			Concurrency: 16,
		},
		Jobs: JobsConfig{
			Enabled:     true,
			Interval:    time.Minute,
			BatchSize:   20,
			Concurrency: 8,
		},
		CacheTTL:        30 * time.Second,
		QueueCapacity:   1024,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Normalize clamps tunables into their allowed ranges.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Port <= 0 || c.Port > 65535 {
		c.Port = def.Port
	}
	if c.StateStore.URI == "" {
		c.StateStore.URI = def.StateStore.URI
	}
	if c.StateStore.Database == "" {
		c.StateStore.Database = def.StateStore.Database
	}

	c.Worker.Interval = clampDuration(c.Worker.Interval, time.Second, 5*time.Minute, def.Worker.Interval)
	c.Worker.BatchSize = clampInt(c.Worker.BatchSize, 1, 500, def.Worker.BatchSize)
	c.Worker.Concurrency = clampInt(c.Worker.Concurrency, 1, 256, def.Worker.Concurrency)
	c.Worker.MultiActionDelay = clampDuration(c.Worker.MultiActionDelay, 0, 600*time.Second, 0)
	c.Worker.MaxEventAgeDays = clampInt(c.Worker.MaxEventAgeDays, 0, 365, 0)
	c.Worker.RetryInterval = clampDuration(c.Worker.RetryInterval, time.Second, time.Hour, def.Worker.RetryInterval)
	c.Worker.RetryBatchSize = clampInt(c.Worker.RetryBatchSize, 1, 500, def.Worker.RetryBatchSize)

	c.Worker.DLQ.Interval = clampDuration(c.Worker.DLQ.Interval, time.Second, time.Hour, def.Worker.DLQ.Interval)
	c.Worker.DLQ.BatchSize = clampInt(c.Worker.DLQ.BatchSize, 1, 500, def.Worker.DLQ.BatchSize)
	c.Worker.DLQ.MaxRetries = clampInt(c.Worker.DLQ.MaxRetries, 1, 20, def.Worker.DLQ.MaxRetries)
	c.Worker.DLQ.Concurrency = clampInt(c.Worker.DLQ.Concurrency, 1, 128, def.Worker.DLQ.Concurrency)

	c.Scheduler.Interval = clampDuration(c.Scheduler.Interval, time.Second, time.Hour, def.Scheduler.Interval)
	c.Scheduler.BatchSize = clampInt(c.Scheduler.BatchSize, 1, 500, def.Scheduler.BatchSize)
	c.Scheduler.Concurrency = clampInt(c.Scheduler.Concurrency, 1, 128, def.Scheduler.Concurrency)

	c.Jobs.Interval = clampDuration(c.Jobs.Interval, time.Second, time.Hour, def.Jobs.Interval)
	c.Jobs.BatchSize = clampInt(c.Jobs.BatchSize, 1, 500, def.Jobs.BatchSize)
	c.Jobs.Concurrency = clampInt(c.Jobs.Concurrency, 1, 128, def.Jobs.Concurrency)

	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	return min(max(v, lo), hi)
}

func clampDuration(v, lo, hi, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return min(max(v, lo), hi)
}

// fileConfig is the YAML shape of the daemon config file. Durations are
// millisecond integers.
type fileConfig struct {
	Port       int `yaml:"port"`
	StateStore struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"stateStore"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Security struct {
		APIKey               string `yaml:"apiKey"`
		JWTSecret            string `yaml:"jwtSecret"`
		EnforceHTTPS         *bool  `yaml:"enforceHttps"`
		BlockPrivateNetworks *bool  `yaml:"blockPrivateNetworks"`
	} `yaml:"security"`
	Worker struct {
		Enabled            *bool `yaml:"enabled"`
		IntervalMs         int   `yaml:"intervalMs"`
		BatchSize          int   `yaml:"batchSize"`
		Concurrency        int   `yaml:"concurrency"`
		MultiActionDelayMs int   `yaml:"multiActionDelayMs"`
		MaxEventAgeDays    int   `yaml:"maxEventAgeDays"`
		RetryIntervalMs    int   `yaml:"retryIntervalMs"`
		RetryBatchSize     int   `yaml:"retryBatchSize"`
		DLQ                struct {
			Enabled     *bool `yaml:"enabled"`
			IntervalMs  int   `yaml:"intervalMs"`
			BatchSize   int   `yaml:"batchSize"`
			MaxRetries  int   `yaml:"maxRetries"`
			Concurrency int   `yaml:"concurrency"`
		} `yaml:"dlq"`
	} `yaml:"worker"`
	Scheduler struct {
		Enabled     *bool `yaml:"enabled"`
		IntervalMs  int   `yaml:"intervalMs"`
		BatchSize   int   `yaml:"batchSize"`
		Concurrency int   `yaml:"concurrency"`
	} `yaml:"scheduler"`
	Jobs struct {
		Enabled     *bool `yaml:"enabled"`
		IntervalMs  int   `yaml:"intervalMs"`
		BatchSize   int   `yaml:"batchSize"`
		Concurrency int   `yaml:"concurrency"`
	} `yaml:"jobs"`
	EventSource struct {
		Type string `yaml:"type"`
	} `yaml:"eventSource"`
	CacheTTLMs        int `yaml:"cacheTtlMs"`
	QueueCapacity     int `yaml:"queueCapacity"`
	ShutdownTimeoutMs int `yaml:"shutdownTimeoutMs"`
}

// LoadConfig reads a YAML config file, applies CONDUIT_* environment
// overrides, and normalizes the result. An empty path skips the file and
// uses defaults plus environment.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("conduit: read config: %w", err)
		}

		var f fileConfig
		if err := yaml.Unmarshal(data, &f); err != nil {
			return Config{}, fmt.Errorf("conduit: parse config: %w", err)
		}

		applyFile(&c, &f)
	}

	applyEnv(&c)
	c.Normalize()

	return c, nil
}

func applyFile(c *Config, f *fileConfig) {
	setInt(&c.Port, f.Port)
	setString(&c.StateStore.URI, f.StateStore.URI)
	setString(&c.StateStore.Database, f.StateStore.Database)
	setString(&c.Redis.Addr, f.Redis.Addr)
	setString(&c.Redis.Password, f.Redis.Password)
	setInt(&c.Redis.DB, f.Redis.DB)

	setString(&c.Security.APIKey, f.Security.APIKey)
	setString(&c.Security.JWTSecret, f.Security.JWTSecret)
	setBool(&c.Security.EnforceHTTPS, f.Security.EnforceHTTPS)
	setBool(&c.Security.BlockPrivateNetworks, f.Security.BlockPrivateNetworks)

	setBool(&c.Worker.Enabled, f.Worker.Enabled)
	setMs(&c.Worker.Interval, f.Worker.IntervalMs)
	setInt(&c.Worker.BatchSize, f.Worker.BatchSize)
	setInt(&c.Worker.Concurrency, f.Worker.Concurrency)
	setMs(&c.Worker.MultiActionDelay, f.Worker.MultiActionDelayMs)
	setInt(&c.Worker.MaxEventAgeDays, f.Worker.MaxEventAgeDays)
	setMs(&c.Worker.RetryInterval, f.Worker.RetryIntervalMs)
	setInt(&c.Worker.RetryBatchSize, f.Worker.RetryBatchSize)

	setBool(&c.Worker.DLQ.Enabled, f.Worker.DLQ.Enabled)
	setMs(&c.Worker.DLQ.Interval, f.Worker.DLQ.IntervalMs)
	setInt(&c.Worker.DLQ.BatchSize, f.Worker.DLQ.BatchSize)
	setInt(&c.Worker.DLQ.MaxRetries, f.Worker.DLQ.MaxRetries)
	setInt(&c.Worker.DLQ.Concurrency, f.Worker.DLQ.Concurrency)

	setBool(&c.Scheduler.Enabled, f.Scheduler.Enabled)
	setMs(&c.Scheduler.Interval, f.Scheduler.IntervalMs)
	setInt(&c.Scheduler.BatchSize, f.Scheduler.BatchSize)
	setInt(&c.Scheduler.Concurrency, f.Scheduler.Concurrency)

	setBool(&c.Jobs.Enabled, f.Jobs.Enabled)
	setMs(&c.Jobs.Interval, f.Jobs.IntervalMs)
	setInt(&c.Jobs.BatchSize, f.Jobs.BatchSize)
	setInt(&c.Jobs.Concurrency, f.Jobs.Concurrency)

	setString(&c.EventSource.Type, f.EventSource.Type)
	setMs(&c.CacheTTL, f.CacheTTLMs)
	setInt(&c.QueueCapacity, f.QueueCapacity)
	setMs(&c.ShutdownTimeout, f.ShutdownTimeoutMs)
}

// applyEnv overrides config values from CONDUIT_* environment variables.
func applyEnv(c *Config) {
	envString(&c.StateStore.URI, "CONDUIT_STATESTORE_URI")
	envString(&c.StateStore.Database, "CONDUIT_STATESTORE_DATABASE")
	envString(&c.Redis.Addr, "CONDUIT_REDIS_ADDR")
	envString(&c.Redis.Password, "CONDUIT_REDIS_PASSWORD")
	envString(&c.Security.APIKey, "CONDUIT_SECURITY_API_KEY")
	envString(&c.Security.JWTSecret, "CONDUIT_SECURITY_JWT_SECRET")
	envString(&c.EventSource.Type, "CONDUIT_EVENTSOURCE_TYPE")

	envInt(&c.Port, "CONDUIT_PORT")
	envInt(&c.Redis.DB, "CONDUIT_REDIS_DB")

	envBool(&c.Security.EnforceHTTPS, "CONDUIT_SECURITY_ENFORCE_HTTPS")
	envBool(&c.Security.BlockPrivateNetworks, "CONDUIT_SECURITY_BLOCK_PRIVATE_NETWORKS")
	envBool(&c.Worker.Enabled, "CONDUIT_WORKER_ENABLED")
	envBool(&c.Worker.DLQ.Enabled, "CONDUIT_WORKER_DLQ_ENABLED")
	envBool(&c.Scheduler.Enabled, "CONDUIT_SCHEDULER_ENABLED")
	envBool(&c.Jobs.Enabled, "CONDUIT_JOBS_ENABLED")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setMs(dst *time.Duration, ms int) {
	if ms != 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
