package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric is the aggregated state of one series: a name plus a label set.
// Counters sum, gauges keep the last value, histograms and timers keep
// count, sum and max.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Count     int64             `json:"count,omitempty"`
	Sum       float64           `json:"sum,omitempty"`
	Max       float64           `json:"max,omitempty"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector aggregates metrics in memory
type Collector struct {
	mu      sync.RWMutex
	series  map[string]*Metric
	enabled bool
}

// NewCollector creates a new telemetry collector
func NewCollector(enabled bool) *Collector {
	return &Collector{series: make(map[string]*Metric), enabled: enabled}
}

// Enabled reports whether metrics are recorded.
func (c *Collector) Enabled() bool { return c.enabled }

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(name, Counter, value, labels, "")
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(name, Gauge, value, labels, "")
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.record(name, Histogram, value, labels, "")
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.record(name, Timer, float64(duration.Milliseconds()), labels, "ms")
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

func (c *Collector) record(name string, typ MetricType, value float64, labels map[string]string, unit string) {
	if !c.enabled {
		return
	}
	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.series[key]
	if !ok {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		m = &Metric{Name: name, Type: typ, Labels: copied, Unit: unit}
		c.series[key] = m
	}
	m.Timestamp = time.Now()
	switch typ {
	case Counter:
		m.Value += value
	case Gauge:
		m.Value = value
	default:
		m.Count++
		m.Sum += value
		m.Value = value
		if value > m.Max {
			m.Max = value
		}
	}
}

// GetMetrics returns a copy of every series, sorted by name then labels
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]Metric, 0, len(keys))
	for _, k := range keys {
		result = append(result, *c.series[k])
	}
	c.mu.RUnlock()
	return result
}

// Get returns one series, if recorded.
func (c *Collector) Get(name string, labels map[string]string) (Metric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.series[seriesKey(name, labels)]
	if !ok {
		return Metric{}, false
	}
	return *m, true
}

// FlushMetrics logs every series at debug level
func (c *Collector) FlushMetrics() {
	for _, metric := range c.GetMetrics() {
		log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Int64("count", metric.Count).
			Interface("labels", metric.Labels).
			Msg("telemetry_metric")
	}
}

// Global collector instance
var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled)
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// Shutdown flushes the global collector
func Shutdown() {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	if c != nil {
		c.FlushMetrics()
	}
}
