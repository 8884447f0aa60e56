package core

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffPolicy controls how long a failed host is skipped. Each further
// failure multiplies the window up to Max; a success clears it.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads windows by ±Jitter of their length so clients that saw
	// the same outage do not come back in lockstep.
	Jitter float64
}

// DefaultBackoffPolicy starts with a one minute window, grown
// exponentially.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:    60 * time.Second,
		Max:        10 * time.Minute,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// Enabled reports whether hosts are backed off at all.
func (p BackoffPolicy) Enabled() bool { return p.Initial > 0 }

// Delay returns the window after the given number of consecutive failures.
func (p BackoffPolicy) Delay(failures int) time.Duration {
	if !p.Enabled() || failures <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.Initial) * math.Pow(mult, float64(failures-1))
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (2*rand.Float64() - 1)
	}
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	return time.Duration(delay)
}

// Backoff tracks hosts that recently failed. Implementations are safe for
// concurrent use.
type Backoff interface {
	// BackedOff reports whether key is inside a backoff window at now.
	BackedOff(key string, now time.Time) bool
	// MarkFailed opens or extends the window for key and returns its length.
	MarkFailed(key string, now time.Time, cause error) time.Duration
	// Clear forgets past failures of key.
	Clear(key string)
}

type backoffEntry struct {
	failures int
	until    time.Time
}

// MemoryBackoff keeps backoff state for the life of the process.
type MemoryBackoff struct {
	Policy BackoffPolicy

	mu    sync.Mutex
	hosts map[string]backoffEntry
}

func NewMemoryBackoff(p BackoffPolicy) *MemoryBackoff {
	return &MemoryBackoff{Policy: p, hosts: make(map[string]backoffEntry)}
}

func (m *MemoryBackoff) BackedOff(key string, now time.Time) bool {
	if !m.Policy.Enabled() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hosts[key]
	return ok && now.Before(e.until)
}

func (m *MemoryBackoff) MarkFailed(key string, now time.Time, _ error) time.Duration {
	if !m.Policy.Enabled() {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.hosts[key]
	e.failures++
	d := m.Policy.Delay(e.failures)
	e.until = now.Add(d)
	m.hosts[key] = e
	return d
}

func (m *MemoryBackoff) Clear(key string) {
	m.mu.Lock()
	delete(m.hosts, key)
	m.mu.Unlock()
}
