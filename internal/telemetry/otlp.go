package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// ServiceName and ServiceVersion label every exported resource. The
// binaries set them at startup.
var (
	ServiceName    = "ccfleet"
	ServiceVersion = "dev"
)

// DELTA: each point is one observation, not a running total.
const temporalityDelta = 1

// OTLPExporter posts metrics as OTLP/HTTP JSON.
type OTLPExporter struct {
	endpoint string
	client   *http.Client
}

func NewOTLPExporter(endpoint string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type otlpMetricsPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type otlpMetric struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Unit        string         `json:"unit,omitempty"`
	Sum         *otlpSum       `json:"sum,omitempty"`
	Gauge       *otlpGauge     `json:"gauge,omitempty"`
	Histogram   *otlpHistogram `json:"histogram,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpNumberDataPoint `json:"dataPoints"`
	AggregationTemporality int                   `json:"aggregationTemporality"`
	IsMonotonic            bool                  `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpNumberDataPoint `json:"dataPoints"`
}

type otlpHistogram struct {
	DataPoints             []otlpHistogramDataPoint `json:"dataPoints"`
	AggregationTemporality int                      `json:"aggregationTemporality"`
}

type otlpNumberDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	AsDouble     float64         `json:"asDouble"`
}

type otlpHistogramDataPoint struct {
	Attributes     []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano   int64           `json:"timeUnixNano"`
	Count          int64           `json:"count"`
	Sum            float64         `json:"sum"`
	BucketCounts   []int64         `json:"bucketCounts"`
	ExplicitBounds []float64       `json:"explicitBounds"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue,omitempty"`
}

// Export posts one batch. The body is gzip-compressed, which every
// OTLP/HTTP receiver accepts.
func (e *OTLPExporter) Export(metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	data, err := json.Marshal(buildPayload(metrics))
	if err != nil {
		return fmt.Errorf("marshal OTLP payload: %w", err)
	}
	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("compress OTLP payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress OTLP payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.endpoint, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("OTLP endpoint returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", e.endpoint).
		Int("points", len(metrics)).
		Int("raw_bytes", len(data)).
		Msg("Exported metrics")
	return nil
}

func attributesOf(labels map[string]string) []otlpAttribute {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]otlpAttribute, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, otlpAttribute{Key: k, Value: otlpValue{StringValue: v}})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return attrs
}

// buildPayload groups observations by metric name, one data point per
// observation, keeping first-seen order.
func buildPayload(metrics []Metric) otlpMetricsPayload {
	var out []otlpMetric
	index := make(map[string]int)
	for _, m := range metrics {
		i, ok := index[m.Name]
		if !ok {
			i = len(out)
			index[m.Name] = i
			om := otlpMetric{Name: m.Name, Unit: m.Unit}
			switch m.Type {
			case Counter:
				om.Sum = &otlpSum{AggregationTemporality: temporalityDelta, IsMonotonic: true}
			case Gauge:
				om.Gauge = &otlpGauge{}
			default:
				om.Histogram = &otlpHistogram{AggregationTemporality: temporalityDelta}
			}
			out = append(out, om)
		}
		om := &out[i]
		attrs := attributesOf(m.Labels)
		ts := m.Timestamp.UnixNano()
		point := otlpNumberDataPoint{Attributes: attrs, TimeUnixNano: ts, AsDouble: m.Value}
		switch {
		case om.Sum != nil:
			om.Sum.DataPoints = append(om.Sum.DataPoints, point)
		case om.Gauge != nil:
			om.Gauge.DataPoints = append(om.Gauge.DataPoints, point)
		default:
			om.Histogram.DataPoints = append(om.Histogram.DataPoints, otlpHistogramDataPoint{
				Attributes:     attrs,
				TimeUnixNano:   ts,
				Count:          1,
				Sum:            m.Value,
				BucketCounts:   []int64{1},
				ExplicitBounds: []float64{},
			})
		}
	}

	resource := []otlpAttribute{
		{Key: "service.name", Value: otlpValue{StringValue: ServiceName}},
		{Key: "service.version", Value: otlpValue{StringValue: ServiceVersion}},
	}
	if host, err := os.Hostname(); err == nil {
		resource = append(resource, otlpAttribute{Key: "host.name", Value: otlpValue{StringValue: host}})
	}
	return otlpMetricsPayload{ResourceMetrics: []otlpResourceMetrics{{
		Resource: otlpResource{Attributes: resource},
		ScopeMetrics: []otlpScopeMetrics{{
			Scope:   otlpScope{Name: "github.com/3cpo-dev/ccfleet/internal/telemetry", Version: ServiceVersion},
			Metrics: out,
		}},
	}}}
}
