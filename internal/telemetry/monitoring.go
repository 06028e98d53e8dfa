package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
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

// Monitor serves health and metrics endpoints. The dev server mounts its
// handlers under its own mux.
type Monitor struct {
	collector *Collector

	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
}

// NewMonitor creates a Monitor with the default health checks registered.
func NewMonitor(collector *Collector) *Monitor {
	m := &Monitor{collector: collector, healthChecks: make(map[string]func() HealthCheck)}
	for name, fn := range DefaultHealthChecks() {
		m.RegisterHealthCheck(name, fn)
	}
	return m
}

// RegisterHealthCheck registers a health check function
func (m *Monitor) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthChecks[name] = checkFn
}

// RunHealthChecks executes all registered health checks, sorted by name
func (m *Monitor) RunHealthChecks() []HealthCheck {
	m.mu.RLock()
	names := make([]string, 0, len(m.healthChecks))
	for name := range m.healthChecks {
		names = append(names, name)
	}
	fns := make(map[string]func() HealthCheck, len(names))
	for k, v := range m.healthChecks {
		fns[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		if check.Name == "" {
			check.Name = name
		}
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Overall folds check results into one status.
func Overall(checks []HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy
		} else if check.Status == HealthStatusDegraded {
			status = HealthStatusDegraded
		}
	}
	return status
}

// HealthHandler reports all checks as JSON, 503 unless healthy
func (m *Monitor) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.RunHealthChecks()
	overallStatus := Overall(checks)

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now(),
		"checks":    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus != HealthStatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// MetricsHandler provides Prometheus-style metrics, or JSON with ?format=json
func (m *Monitor) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := m.collector.GetMetrics()

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metrics)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	typed := make(map[string]bool)
	for _, metric := range metrics {
		labelStr := ""
		if len(metric.Labels) > 0 {
			var pairs []string
			for k, v := range metric.Labels {
				pairs = append(pairs, fmt.Sprintf(`%s=%q`, k, v))
			}
			sort.Strings(pairs)
			labelStr = "{" + strings.Join(pairs, ",") + "}"
		}

		switch metric.Type {
		case Counter, Gauge:
			if !typed[metric.Name] {
				fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, metric.Type)
				typed[metric.Name] = true
			}
			fmt.Fprintf(w, "%s%s %g\n", metric.Name, labelStr, metric.Value)
		default:
			if !typed[metric.Name] {
				fmt.Fprintf(w, "# TYPE %s summary\n", metric.Name)
				typed[metric.Name] = true
			}
			fmt.Fprintf(w, "%s_count%s %d\n", metric.Name, labelStr, metric.Count)
			fmt.Fprintf(w, "%s_sum%s %g\n", metric.Name, labelStr, metric.Sum)
		}
	}
}

// DefaultHealthChecks returns a set of default health checks
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"memory": func() HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			status := HealthStatusHealthy
			message := fmt.Sprintf("Heap memory: %.2f MB", heapMB)

			if heapMB > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High memory usage: %.2f MB", heapMB)
			}
			if heapMB > 2000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical memory usage: %.2f MB", heapMB)
			}

			return HealthCheck{
				Name:    "memory",
				Status:  status,
				Message: message,
				Details: map[string]string{"heap_mb": fmt.Sprintf("%.2f", heapMB)},
			}
		},
		"goroutines": func() HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			message := fmt.Sprintf("Goroutines: %d", count)

			if count > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High goroutine count: %d", count)
			}
			if count > 5000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical goroutine count: %d", count)
			}

			return HealthCheck{
				Name:    "goroutines",
				Status:  status,
				Message: message,
				Details: map[string]string{"count": fmt.Sprintf("%d", count)},
			}
		},
	}
}
