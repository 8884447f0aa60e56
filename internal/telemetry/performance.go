package telemetry

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSample is one reading of the host's state.
type SystemSample struct {
	At             time.Time `json:"at"`
	CPUs           int       `json:"cpus"`
	Load1          float64   `json:"load1"`
	MemUsedPercent float64   `json:"mem_used_percent"`
	HeapMB         float64   `json:"heap_mb"`
	Goroutines     int       `json:"goroutines"`
}

// SystemMonitor samples load and memory periodically and records them as
// gauges. Workers use the last sample to report whether they are
// overloaded.
type SystemMonitor struct {
	collector *Collector
	interval  time.Duration

	mu   sync.RWMutex
	last SystemSample

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSystemMonitor(collector *Collector, interval time.Duration) *SystemMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &SystemMonitor{collector: collector, interval: interval}
}

// Start samples once and then every interval until Stop.
func (m *SystemMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.Sample()
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sample()
			}
		}
	}()
}

// Sample reads the host state now. Readings gopsutil cannot provide on
// this platform are left at zero.
func (m *SystemMonitor) Sample() SystemSample {
	s := SystemSample{At: time.Now(), Goroutines: runtime.NumGoroutine()}
	if n, err := cpu.Counts(true); err == nil {
		s.CPUs = n
	} else {
		s.CPUs = runtime.NumCPU()
	}
	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemUsedPercent = vm.UsedPercent
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.HeapMB = float64(ms.HeapAlloc) / (1 << 20)

	m.mu.Lock()
	m.last = s
	m.mu.Unlock()

	m.collector.Gauge("ccfleet_system_load1", s.Load1, nil)
	m.collector.Gauge("ccfleet_system_mem_used_percent", s.MemUsedPercent, nil)
	m.collector.Gauge("ccfleet_process_heap_mb", s.HeapMB, nil)
	m.collector.Gauge("ccfleet_process_goroutines", float64(s.Goroutines), nil)
	return s
}

// Last returns the most recent sample.
func (m *SystemMonitor) Last() SystemSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *SystemMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// LoadCheck reports degraded when the one-minute load exceeds twice the
// CPU count and unhealthy past four times.
func (m *SystemMonitor) LoadCheck() HealthCheck {
	s := m.Last()
	status := HealthStatusHealthy
	if s.CPUs > 0 {
		switch ratio := s.Load1 / float64(s.CPUs); {
		case ratio > 4:
			status = HealthStatusUnhealthy
		case ratio > 2:
			status = HealthStatusDegraded
		}
	}
	return HealthCheck{
		Name:    "load",
		Status:  status,
		Message: fmt.Sprintf("load %.2f on %d cpus", s.Load1, s.CPUs),
		Details: map[string]string{
			"load1":            fmt.Sprintf("%.2f", s.Load1),
			"mem_used_percent": fmt.Sprintf("%.1f", s.MemUsedPercent),
		},
	}
}
