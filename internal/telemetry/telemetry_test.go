package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(true, "")
	defer c.Shutdown()

	labels := map[string]string{"host": "a"}
	c.Counter("jobs", 1, labels)
	c.Counter("jobs", 2, map[string]string{"host": "a"})
	c.Counter("jobs", 1, map[string]string{"host": "b"})
	c.Gauge("busy", 3, nil)
	c.Gauge("busy", 1, nil)
	c.Timer("took", 1500*time.Millisecond, nil)
	c.Timer("took", 500*time.Millisecond, nil)

	if s, ok := c.Lookup("jobs", labels); !ok || s.Value != 3 {
		t.Fatalf("jobs{host=a}: %+v %v", s, ok)
	}
	if s, _ := c.Lookup("busy", nil); s.Value != 1 {
		t.Fatalf("gauge keeps last value: %+v", s)
	}
	if s, _ := c.Lookup("took", nil); s.Count != 2 || s.Sum != 2000 {
		t.Fatalf("timer: %+v", s)
	}
	if n := len(c.Snapshot()); n != 4 {
		t.Fatalf("got %d series", n)
	}
}

func TestDisabledAndNilCollectorsDrop(t *testing.T) {
	var nilC *Collector
	nilC.Counter("x", 1, nil)
	if nilC.Snapshot() != nil {
		t.Fatalf("nil collector recorded")
	}
	c := NewCollector(false, "")
	c.Counter("x", 1, nil)
	if len(c.Snapshot()) != 0 {
		t.Fatalf("disabled collector recorded")
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector(true, "")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Counter("n", 1, nil)
			}
		}()
	}
	wg.Wait()
	if s, _ := c.Lookup("n", nil); s.Value != 8000 {
		t.Fatalf("got %v", s.Value)
	}
}

func TestWritePrometheus(t *testing.T) {
	c := NewCollector(true, "")
	c.Counter("ccfleet_jobs_total", 2, map[string]string{"host": "b", "mode": `t"cp`})
	c.Timer("ccfleet_compile_ms", 10*time.Millisecond, nil)
	var b strings.Builder
	WritePrometheus(&b, c.Snapshot())
	out := b.String()
	for _, want := range []string{
		"# TYPE ccfleet_jobs_total counter\n",
		`ccfleet_jobs_total{host="b",mode="t\"cp"} 2` + "\n",
		"# TYPE ccfleet_compile_ms summary\n",
		"ccfleet_compile_ms_sum 10\n",
		"ccfleet_compile_ms_count 1\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

func TestOTLPExport(t *testing.T) {
	var mu sync.Mutex
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			http.Error(w, "want gzip", http.StatusBadRequest)
			return
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(zr)
		mu.Lock()
		defer mu.Unlock()
		_ = json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	c := NewCollector(true, srv.URL)
	c.Counter("ccfleet_jobs_total", 1, nil)
	c.Counter("ccfleet_jobs_total", 1, map[string]string{"outcome": "local"})
	if err := c.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatalf("nothing exported")
	}
	raw, _ := json.Marshal(got)
	if !strings.Contains(string(raw), `"ccfleet_jobs_total"`) || !strings.Contains(string(raw), `"service.name"`) {
		t.Fatalf("payload %s", raw)
	}
}

func TestBuildPayloadGroupsByName(t *testing.T) {
	now := time.Now()
	p := buildPayload([]Metric{
		{Name: "a", Type: Counter, Value: 1, Timestamp: now},
		{Name: "b", Type: Timer, Value: 0.5, Timestamp: now, Unit: "s"},
		{Name: "a", Type: Counter, Value: 2, Labels: map[string]string{"z": "1", "y": "2"}, Timestamp: now},
	})
	ms := p.ResourceMetrics[0].ScopeMetrics[0].Metrics
	if len(ms) != 2 || ms[0].Name != "a" || ms[1].Name != "b" {
		t.Fatalf("metrics %+v", ms)
	}
	if ms[0].Sum == nil || len(ms[0].Sum.DataPoints) != 2 {
		t.Fatalf("counter points %+v", ms[0].Sum)
	}
	if attrs := ms[0].Sum.DataPoints[1].Attributes; len(attrs) != 2 || attrs[0].Key != "y" {
		t.Fatalf("attributes not sorted: %+v", attrs)
	}
	if ms[1].Histogram == nil || ms[1].Histogram.DataPoints[0].Sum != 0.5 {
		t.Fatalf("timer %+v", ms[1])
	}
}

func TestHealthEndpoint(t *testing.T) {
	ms := NewMonitoringServer("", NewCollector(true, ""))
	mux := http.NewServeMux()
	ms.routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}

	ms.RegisterHealthCheck("disk", func() HealthCheck {
		return HealthCheck{Name: "disk", Status: HealthStatusUnhealthy}
	})
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rr.Code)
	}
	var resp struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != HealthStatusUnhealthy || len(resp.Checks) != 1 {
		t.Fatalf("got %+v", resp)
	}
}

func TestSystemMonitorSample(t *testing.T) {
	c := NewCollector(true, "")
	m := NewSystemMonitor(c, time.Hour)
	s := m.Sample()
	if s.CPUs <= 0 || s.Goroutines <= 0 {
		t.Fatalf("sample %+v", s)
	}
	if m.Last().At != s.At {
		t.Fatalf("last sample not kept")
	}
	if _, ok := c.Lookup("ccfleet_process_goroutines", nil); !ok {
		t.Fatalf("gauge not recorded")
	}
	if check := m.LoadCheck(); check.Name != "load" {
		t.Fatalf("check %+v", check)
	}
}
