package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/nmxmxh/chatrelay/pkg/json"
)

// Status represents the health status
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// HealthCheck represents a health check
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthChecker manages health checks
type HealthChecker struct {
	checks  []HealthCheck
	timeout time.Duration
	mu      sync.RWMutex
}

// NewHealthChecker creates a new health checker. Each check run is bounded by timeout.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{
		checks:  make([]HealthCheck, 0),
		timeout: timeout,
	}
}

// Register adds a new health check
func (hc *HealthChecker) Register(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check performs all health checks
func (hc *HealthChecker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	results := make(map[string]error)
	for _, check := range hc.checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// Report is the JSON body served by Handler.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Handler serves the aggregated status; 503 when any check fails.
func (hc *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := Report{Status: StatusUp, Checks: map[string]string{}}
		for name, err := range hc.Check(r.Context()) {
			if err != nil {
				report.Status = StatusDown
				report.Checks[name] = err.Error()
				continue
			}
			report.Checks[name] = string(StatusUp)
		}
		w.Header().Set("Content-Type", "application/json")
		if report.Status != StatusUp {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
