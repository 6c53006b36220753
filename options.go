package conduit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/store"
	"github.com/xraph/conduit/transform"
)

// Option configures a Gateway instance.
type Option func(*Gateway) error

// WithStore sets the persistence backend for the Gateway.
func WithStore(s store.Store) Option {
	return func(g *Gateway) error {
		g.store = s
		return nil
	}
}

// WithConfig replaces the entire configuration.
func WithConfig(c Config) Option {
	return func(g *Gateway) error {
		g.config = c
		return nil
	}
}

// WithLogger sets the structured logger for the Gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithRedis sets the Redis client backing cache invalidation. Optional;
// without it the integration cache refreshes on TTL only.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(g *Gateway) error {
		g.rdb = rdb
		return nil
	}
}

// WithMongoClient sets the MongoDB client used by scheduled-job document
// data sources that target the internal connection. Optional; jobs with
// an explicit connection URL do not need it.
func WithMongoClient(client *mongod.Client) Option {
	return func(g *Gateway) error {
		g.mongoClient = client
		return nil
	}
}

// WithScriptEngine sets the sandboxed script engine for SCRIPT
// transformations. Without it, script transformations fail with a
// TRANSFORMATION error.
func WithScriptEngine(engine transform.Engine) Option {
	return func(g *Gateway) error {
		g.engine = engine
		return nil
	}
}

// WithAlerter sets the alert sink. Defaults to the log-backed alerter.
func WithAlerter(a alert.Alerter) Option {
	return func(g *Gateway) error {
		g.alerter = a
		return nil
	}
}

// WithHTTPClient sets the outbound HTTP client shared by delivery, OAuth2
// token fetches, and job data sources.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) error {
		g.httpClient = client
		return nil
	}
}

// WithConcurrency sets the delivery pool size.
func WithConcurrency(n int) Option {
	return func(g *Gateway) error {
		g.config.Worker.Concurrency = n
		return nil
	}
}

// WithCacheTTL sets the TTL for the integration snapshot cache.
func WithCacheTTL(d time.Duration) Option {
	return func(g *Gateway) error {
		g.config.CacheTTL = d
		return nil
	}
}

// WithShutdownTimeout sets the graceful drain deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(g *Gateway) error {
		g.config.ShutdownTimeout = d
		return nil
	}
}
