// Conduitd runs a conduit Gateway as a standalone daemon: it connects the
// state store, starts the supervised workers and source adapters, and
// serves the push and health endpoints.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/source"
	"github.com/xraph/conduit/store/mongo"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("conduitd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := conduit.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := mongo.Connect(ctx, cfg.StateStore.URI, cfg.StateStore.Database)
	if err != nil {
		return fmt.Errorf("connect state store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate state store: %w", err)
	}

	opts := []conduit.Option{
		conduit.WithStore(st),
		conduit.WithLogger(logger),
		conduit.WithConfig(cfg),
		conduit.WithMongoClient(st.Client()),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		opts = append(opts, conduit.WithRedis(rdb))
	}

	gw, err := conduit.New(opts...)
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", gw.HealthHandler())
	mux.Handle("POST /ingest/{org}", gw.PushHandler())
	mux.Handle("POST /events", requireAPIKey(cfg.Security.APIKey, sendHandler(gw, logger)))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Duration("deadline", cfg.ShutdownTimeout))
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}
	return gw.Stop(drainCtx)
}

// requireAPIKey guards control-plane endpoints with the configured key.
// Without a configured key the endpoint is disabled entirely.
func requireAPIKey(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" {
			http.Error(w, "endpoint disabled", http.StatusNotFound)
			return
		}
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sendHandler accepts a synthetic event from the control plane and feeds
// it into the delivery queue.
func sendHandler(gw *conduit.Gateway, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt source.Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := gw.Send(r.Context(), &evt); err != nil {
			logger.WarnContext(r.Context(), "event rejected", slog.Any("error", err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}
