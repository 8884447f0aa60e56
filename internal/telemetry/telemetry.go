// Package telemetry records counters, gauges and timings for the client
// and the worker, serves them over HTTP and optionally pushes them to an
// OTLP/HTTP collector.
package telemetry

import (
	"context"
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

// Metric is one recorded observation.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Series is the running total of every observation sharing a name and a
// label set. Value is the sum for counters and the last value for gauges;
// Count and Sum summarize histograms and timers.
type Series struct {
	Name   string            `json:"name"`
	Type   MetricType        `json:"type"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
	Count  int64             `json:"count,omitempty"`
	Sum    float64           `json:"sum,omitempty"`
	Unit   string            `json:"unit,omitempty"`
}

// Collector records metrics. A nil or disabled Collector drops everything,
// so callers never need to check.
type Collector struct {
	mu       sync.Mutex
	pending  []Metric
	series   map[string]*Series
	enabled  bool
	exporter *OTLPExporter
	flushCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector creates a collector. With a non-empty otlpEndpoint pending
// observations are pushed every flushEvery and on Shutdown.
func NewCollector(enabled bool, otlpEndpoint string) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		series:  make(map[string]*Series),
		enabled: enabled,
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if enabled && otlpEndpoint != "" {
		c.exporter = NewOTLPExporter(otlpEndpoint)
		go c.periodicFlush()
	} else {
		close(c.done)
	}
	return c
}

const (
	flushEvery     = 30 * time.Second
	flushThreshold = 100
)

func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Histogram, Value: value, Labels: labels})
}

// Timer records a duration in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d) / float64(time.Millisecond), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if c == nil || !c.enabled {
		return
	}
	m.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	key := seriesKey(m.Name, m.Labels)
	s, ok := c.series[key]
	if !ok {
		s = &Series{Name: m.Name, Type: m.Type, Labels: copyLabels(m.Labels), Unit: m.Unit}
		c.series[key] = s
	}
	switch m.Type {
	case Counter:
		s.Value += m.Value
	case Gauge:
		s.Value = m.Value
	default:
		s.Value = m.Value
		s.Count++
		s.Sum += m.Value
	}

	if c.exporter == nil {
		return
	}
	c.pending = append(c.pending, m)
	if len(c.pending) >= flushThreshold {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Snapshot returns every series, sorted by name then labels.
func (c *Collector) Snapshot() []Series {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Series, 0, len(keys))
	for _, k := range keys {
		s := *c.series[k]
		s.Labels = copyLabels(s.Labels)
		out = append(out, s)
	}
	c.mu.Unlock()
	return out
}

// Lookup returns the series for name and labels.
func (c *Collector) Lookup(name string, labels map[string]string) (Series, bool) {
	if c == nil {
		return Series{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[seriesKey(name, labels)]
	if !ok {
		return Series{}, false
	}
	return *s, true
}

// Flush pushes pending observations to the OTLP endpoint.
func (c *Collector) Flush() error {
	if c == nil || c.exporter == nil {
		return nil
	}
	c.mu.Lock()
	metrics := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}
	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	return c.exporter.Export(metrics)
}

func (c *Collector) periodicFlush() {
	defer close(c.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.flushCh:
		}
		if err := c.Flush(); err != nil {
			log.Warn().Err(err).Msg("Telemetry export failed")
		}
	}
}

// Shutdown stops the background exporter and sends what is pending.
func (c *Collector) Shutdown() error {
	if c == nil {
		return nil
	}
	c.cancel()
	<-c.done
	return c.Flush()
}
