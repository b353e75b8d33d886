// Package admin serves the worker's health, status and metrics endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/syntor/querybot/pkg/logging"
)

const (
	defaultCheckTimeout = 5 * time.Second
	maxGoroutines       = 10000
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// ServiceCheck is the result of one probe
type ServiceCheck struct {
	Healthy        bool    `json:"healthy"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	Error          string  `json:"error,omitempty"`
}

// HealthReport is the body of the /health endpoint
type HealthReport struct {
	Status      string                  `json:"status"`
	Version     string                  `json:"version"`
	Environment string                  `json:"environment"`
	Checks      map[string]ServiceCheck `json:"checks"`
	Timestamp   time.Time               `json:"timestamp"`
}

// Healthy reports whether every check passed
func (r HealthReport) Healthy() bool {
	return r.Status == "healthy"
}

// HealthChecker runs named dependency probes
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
}

// NewHealthChecker creates a checker with the goroutine probe registered
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	hc := &HealthChecker{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
	}
	hc.RegisterCheck("goroutines", checkGoroutines)
	return hc
}

// RegisterCheck registers a health check, replacing any with the same name
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// Names lists the registered checks in sorted order
func (hc *HealthChecker) Names() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every probe concurrently, each under the checker timeout
func (hc *HealthChecker) Check(ctx context.Context) map[string]ServiceCheck {
	hc.mu.RLock()
	checks := make(map[string]CheckFunc, len(hc.checks))
	for name, fn := range hc.checks {
		checks[name] = fn
	}
	hc.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]ServiceCheck, len(checks))
	)
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			res := hc.run(ctx, fn)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()
	return results
}

func (hc *HealthChecker) run(ctx context.Context, fn CheckFunc) (res ServiceCheck) {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = ServiceCheck{Error: fmt.Sprintf("check panicked: %v", r)}
		}
		res.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	if err := fn(ctx); err != nil {
		return ServiceCheck{Error: err.Error()}
	}
	return ServiceCheck{Healthy: true}
}

func checkGoroutines(context.Context) error {
	if n := runtime.NumGoroutine(); n > maxGoroutines {
		return fmt.Errorf("too many goroutines: %d", n)
	}
	return nil
}

// StorageCheck verifies dir accepts a write, read back and delete
func StorageCheck(dir string) CheckFunc {
	return func(ctx context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(dir, "health_check.txt")
		const probe = "health check"
		if err := os.WriteFile(path, []byte(probe), 0o644); err != nil {
			return err
		}
		defer os.Remove(path)

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if string(data) != probe {
			return errors.New("file content mismatch")
		}
		return nil
	}
}

// StatusFunc produces the body of the /status endpoint
type StatusFunc func(ctx context.Context) (any, error)

// Config holds admin server configuration
type Config struct {
	Port        int
	Version     string
	Environment string
}

// Server exposes health, readiness, status and metrics over HTTP
type Server struct {
	config  Config
	health  *HealthChecker
	status  StatusFunc
	metrics http.Handler
	logger  logging.Logger
	server  *http.Server
}

// NewServer creates an admin server. A nil status or metrics handler
// leaves that route unregistered.
func NewServer(config Config, health *HealthChecker, status StatusFunc, metricsHandler http.Handler, logger logging.Logger) *Server {
	if config.Port <= 0 {
		config.Port = 8001
	}
	if health == nil {
		health = NewHealthChecker(0)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		config:  config,
		health:  health,
		status:  status,
		metrics: metricsHandler,
		logger:  logger.With(logging.String("component", "admin")),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	if s.status != nil {
		mux.HandleFunc("/status", s.handleStatus)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Report runs the health checks and builds the report
func (s *Server) Report(ctx context.Context) HealthReport {
	checks := s.health.Check(ctx)
	report := HealthReport{
		Status:      "healthy",
		Version:     s.config.Version,
		Environment: s.config.Environment,
		Checks:      checks,
		Timestamp:   time.Now().UTC(),
	}
	for _, c := range checks {
		if !c.Healthy {
			report.Status = "unhealthy"
			break
		}
	}
	return report
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.Report(r.Context())
	code := http.StatusOK
	if !report.Healthy() {
		code = http.StatusServiceUnavailable
		s.logger.Warn("Health check failed", logging.Any("checks", report.Checks))
	}
	writeJSON(w, code, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body, err := s.status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin server starting", logging.Int("port", s.config.Port))
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}
