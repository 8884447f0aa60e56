package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer serves health, metrics and pprof endpoints.
type MonitoringServer struct {
	collector *Collector

	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck

	server *http.Server
}

func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		healthChecks: make(map[string]func() HealthCheck),
	}
	mux := http.NewServeMux()
	ms.routes(mux)
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

func (ms *MonitoringServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("/debug/build", buildInfoHandler)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// healthHandler answers 200 when every check is healthy or degraded and
// 503 otherwise.
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()

	overall := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			overall = HealthStatusUnhealthy
			break
		} else if check.Status == HealthStatusDegraded {
			overall = HealthStatusDegraded
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if overall == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler writes the Prometheus text exposition format.
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	WritePrometheus(w, ms.collector.Snapshot())
}

// WritePrometheus renders series in the Prometheus text format. Timers and
// histograms become summaries with _sum and _count.
func WritePrometheus(w io.Writer, series []Series) {
	typed := make(map[string]bool)
	for _, s := range series {
		promType := "gauge"
		switch s.Type {
		case Counter:
			promType = "counter"
		case Timer, Histogram:
			promType = "summary"
		}
		if !typed[s.Name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", s.Name, promType)
			typed[s.Name] = true
		}
		labels := promLabels(s.Labels)
		if promType == "summary" {
			fmt.Fprintf(w, "%s_sum%s %g\n", s.Name, labels, s.Sum)
			fmt.Fprintf(w, "%s_count%s %d\n", s.Name, labels, s.Count)
			continue
		}
		fmt.Fprintf(w, "%s%s %g\n", s.Name, labels, s.Value)
	}
}

func promLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		v = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.Snapshot())
}

func buildInfoHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		http.Error(w, "build info unavailable", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"go_version": info.GoVersion,
		"path":       info.Path,
		"version":    ServiceVersion,
		"num_cpu":    runtime.NumCPU(),
	})
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.healthChecks[name] = checkFn
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	fns := make([]func() HealthCheck, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		fns = append(fns, ms.healthChecks[name])
	}
	ms.mu.RUnlock()

	checks := make([]HealthCheck, 0, len(fns))
	for _, fn := range fns {
		start := time.Now()
		check := fn()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Serve serves on ln until Shutdown.
func (ms *MonitoringServer) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting monitoring server")
	if err := ms.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown.
func (ms *MonitoringServer) Start() error {
	ln, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", ms.server.Addr, err)
	}
	return ms.Serve(ln)
}

func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// GoroutineCheck flags goroutine leaks.
func GoroutineCheck() HealthCheck {
	count := runtime.NumGoroutine()
	status := HealthStatusHealthy
	if count > 5000 {
		status = HealthStatusUnhealthy
	} else if count > 1000 {
		status = HealthStatusDegraded
	}
	return HealthCheck{
		Name:    "goroutines",
		Status:  status,
		Message: fmt.Sprintf("%d goroutines", count),
	}
}
