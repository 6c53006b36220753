package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// WorkerHealth is one worker's liveness snapshot.
type WorkerHealth struct {
	Name     string        `json:"name"`
	Healthy  bool          `json:"healthy"`
	LastTick *time.Time    `json:"last_tick,omitempty"`
	Interval time.Duration `json:"interval_ms"`
}

// HealthReport is the health endpoint payload.
type HealthReport struct {
	Healthy bool           `json:"healthy"`
	Store   bool           `json:"store"`
	Workers []WorkerHealth `json:"workers"`
}

// Health returns the current liveness snapshot of the store and every
// registered worker.
func (s *Supervisor) Health(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Store: true}

	if err := s.store.Ping(ctx); err != nil {
		report.Store = false
		report.Healthy = false
	}

	for _, sv := range s.workers {
		wh := WorkerHealth{
			Name:     sv.worker.Name(),
			Healthy:  workerHealthy(sv.worker, s.startedAtOf(sv)),
			Interval: sv.worker.Interval() / time.Millisecond,
		}

		if last := sv.worker.LastTick(); !last.IsZero() {
			wh.LastTick = &last
		}

		if !wh.Healthy {
			report.Healthy = false
		}

		report.Workers = append(report.Workers, wh)
	}

	return report
}

// Handler serves the health report: 200 when the store and every worker
// are live, 503 otherwise.
func (s *Supervisor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := s.Health(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(report)
	})
}
