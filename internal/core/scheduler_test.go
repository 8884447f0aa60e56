package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3cpo-dev/ccfleet/internal/hosts"
)

func testHosts(slots ...int) []hosts.HostDef {
	out := make([]hosts.HostDef, len(slots))
	for i, n := range slots {
		out[i] = hosts.HostDef{
			Spec:  "w" + string(rune('a'+i)),
			Mode:  hosts.ModeTCP,
			Host:  "w" + string(rune('a'+i)),
			Port:  3632,
			Slots: n,
		}
	}
	return out
}

func TestTryAcquireFillsHostsInOrder(t *testing.T) {
	p := NewSlotPool("hosts", testHosts(2, 1), nil, nil)
	var got []string
	for i := 0; i < 3; i++ {
		h := p.TryAcquire(context.Background())
		if h == nil {
			t.Fatalf("acquire %d: pool saturated early", i)
		}
		got = append(got, h.Host.Host)
	}
	want := []string{"wa", "wa", "wb"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if h := p.TryAcquire(context.Background()); h != nil {
		t.Fatalf("acquired %s beyond capacity", h.Host.Host)
	}
}

func TestTryAcquireSkipsDownAndBackedOff(t *testing.T) {
	hs := testHosts(1, 1, 1)
	hs[0].Down = true
	b := NewMemoryBackoff(BackoffPolicy{Initial: time.Minute, Max: time.Hour, Multiplier: 2})
	b.MarkFailed(hs[1].Key(), time.Now(), errors.New("refused"))
	p := NewSlotPool("hosts", hs, b, nil)

	h := p.TryAcquire(context.Background())
	if h == nil || h.Host.Host != "wc" {
		t.Fatalf("got %+v, want wc", h)
	}
	b.Clear(hs[1].Key())
	if h2 := p.TryAcquire(context.Background()); h2 == nil || h2.Host.Host != "wb" {
		t.Fatalf("cleared host not eligible: %+v", h2)
	}
}

func TestReleaseTwiceIsNoop(t *testing.T) {
	p := NewSlotPool("hosts", testHosts(2), nil, nil)
	a := p.TryAcquire(context.Background())
	b := p.TryAcquire(context.Background())
	a.Release()
	a.Release()
	if n := p.InUse(0); n != 1 {
		t.Fatalf("in use = %d after double release, want 1", n)
	}
	b.Release()
	if n := p.InUse(0); n != 0 {
		t.Fatalf("in use = %d, want 0", n)
	}
}

func TestConcurrentAcquireNeverExceedsSlots(t *testing.T) {
	const slots = 3
	p := NewSlotPool("hosts", testHosts(slots), nil, nil)
	var held, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h := p.TryAcquire(context.Background())
				if h == nil {
					continue
				}
				n := held.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				if in := p.InUse(0); in > slots || in < 0 {
					t.Errorf("in use %d out of range", in)
				}
				held.Add(-1)
				h.Release()
			}
		}()
	}
	wg.Wait()
	if peak.Load() > slots {
		t.Fatalf("peak %d concurrent holders, limit %d", peak.Load(), slots)
	}
	if n := p.InUse(0); n != 0 {
		t.Fatalf("in use = %d after all releases", n)
	}
}

func TestAcquireFailFast(t *testing.T) {
	p := NewSlotPool("hosts", testHosts(1), nil, nil)
	h := p.TryAcquire(context.Background())
	defer h.Release()
	if _, err := p.Acquire(context.Background(), WaitPolicy{}); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("err = %v, want ErrNoSlot", err)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	p := NewSlotPool("hosts", testHosts(1), nil, nil)
	h := p.TryAcquire(context.Background())
	time.AfterFunc(20*time.Millisecond, h.Release)

	start := time.Now()
	got, err := p.Acquire(context.Background(), WaitPolicy{Wait: true, Timeout: 5 * time.Second, Pause: time.Hour})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer got.Release()
	if time.Since(start) > 2*time.Second {
		t.Fatalf("release did not wake the waiter")
	}
}

func TestAcquireWaitTimeout(t *testing.T) {
	p := NewSlotPool("hosts", testHosts(1), nil, nil)
	h := p.TryAcquire(context.Background())
	defer h.Release()
	_, err := p.Acquire(context.Background(), WaitPolicy{Wait: true, Timeout: 30 * time.Millisecond, Pause: 5 * time.Millisecond})
	if !errors.Is(err, ErrNoSlot) {
		t.Fatalf("err = %v, want ErrNoSlot", err)
	}
}

func TestAcquireCanceled(t *testing.T) {
	p := NewSlotPool("hosts", testHosts(1), nil, nil)
	h := p.TryAcquire(context.Background())
	defer h.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, WaitPolicy{Wait: true, Pause: 5 * time.Millisecond}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

// countingLeaser grants at most limit leases per key.
type countingLeaser struct {
	mu    sync.Mutex
	limit int
	held  map[string]int
}

func (l *countingLeaser) Lease(_ context.Context, key string, _ int) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]int)
	}
	if l.held[key] >= l.limit {
		return nil, false, nil
	}
	l.held[key]++
	return func() {
		l.mu.Lock()
		l.held[key]--
		l.mu.Unlock()
	}, true, nil
}

func TestLeaserLimitsAcrossPools(t *testing.T) {
	leaser := &countingLeaser{limit: 1}
	hs := testHosts(1, 1)
	// Two pools over the same hosts stand in for two client processes.
	a := NewSlotPool("hosts", hs, nil, leaser)
	b := NewSlotPool("hosts", hs, nil, leaser)

	ha := a.TryAcquire(context.Background())
	hb := b.TryAcquire(context.Background())
	if ha == nil || hb == nil {
		t.Fatalf("acquire failed: %v %v", ha, hb)
	}
	if ha.Host.Host == hb.Host.Host {
		t.Fatalf("both processes got %s", ha.Host.Host)
	}
	if h := b.TryAcquire(context.Background()); h != nil {
		t.Fatalf("lease limit ignored: got %s", h.Host.Host)
	}
	if n := b.InUse(0) + b.InUse(1); n != 1 {
		t.Fatalf("failed lease left %d reservations", n)
	}
	ha.Release()
	if h := b.TryAcquire(context.Background()); h == nil || h.Host.Host != ha.Host.Host {
		t.Fatalf("released lease not reusable")
	}
}

func TestAcquireDoesNotWaitForIneligibleHosts(t *testing.T) {
	wait := WaitPolicy{Wait: true, Timeout: time.Minute, Pause: 5 * time.Millisecond}
	tests := []struct {
		name string
		spec string
		prep func(b Backoff, hs []hosts.HostDef)
	}{
		{"backed off", "buildbox/2", func(b Backoff, hs []hosts.HostDef) {
			b.MarkFailed(hs[0].Key(), time.Now(), errors.New("refused"))
		}},
		{"down", "buildbox/2,down", nil},
		{"down and backed off", "a/1,down b/1", func(b Backoff, hs []hosts.HostDef) {
			b.MarkFailed(hs[1].Key(), time.Now(), errors.New("refused"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := hosts.Parse(tt.spec)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			b := NewMemoryBackoff(BackoffPolicy{Initial: time.Minute, Max: time.Hour, Multiplier: 2})
			if tt.prep != nil {
				tt.prep(b, list.Hosts)
			}
			p := NewSlotPool("hosts", list.Hosts, b, nil)

			start := time.Now()
			_, err = p.Acquire(context.Background(), wait)
			if !errors.Is(err, ErrNoSlot) {
				t.Fatalf("err = %v, want ErrNoSlot", err)
			}
			if waited := time.Since(start); waited > time.Second {
				t.Fatalf("waited %s with no eligible host", waited)
			}
		})
	}
}

func TestAcquireWaitsWhenEligibleHostIsBusy(t *testing.T) {
	hs := testHosts(1, 1)
	b := NewMemoryBackoff(BackoffPolicy{Initial: time.Minute, Max: time.Hour, Multiplier: 2})
	b.MarkFailed(hs[1].Key(), time.Now(), errors.New("refused"))
	p := NewSlotPool("hosts", hs, b, nil)
	busy := p.TryAcquire(context.Background())
	time.AfterFunc(20*time.Millisecond, busy.Release)

	got, err := p.Acquire(context.Background(), WaitPolicy{Wait: true, Timeout: 5 * time.Second, Pause: time.Hour})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer got.Release()
	if got.Host.Host != "wa" {
		t.Fatalf("got %s, want the busy host once released", got.Host.Host)
	}
}

// flakyLeaser fails the first failures calls, then grants everything.
type flakyLeaser struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyLeaser) Lease(context.Context, string, int) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls <= l.failures {
		return nil, false, errors.New("database is locked")
	}
	return func() {}, true, nil
}

func TestLeaseErrorCountsAsBusy(t *testing.T) {
	leaser := &flakyLeaser{failures: 2}
	p := NewSlotPool("hosts", testHosts(1), nil, leaser)

	if h := p.TryAcquire(context.Background()); h != nil {
		t.Fatalf("slot granted although its lease failed")
	}
	if n := p.InUse(0); n != 0 {
		t.Fatalf("failed lease left %d reservations", n)
	}
	if _, err := p.Acquire(context.Background(), WaitPolicy{}); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("fail-fast err = %v, want ErrNoSlot", err)
	}

	leaser.failures = 3
	leaser.calls = 0
	h, err := p.Acquire(context.Background(), WaitPolicy{Wait: true, Timeout: 5 * time.Second, Pause: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("acquire after lease errors: %v", err)
	}
	defer h.Release()
	if leaser.calls != 4 {
		t.Fatalf("lease attempts = %d, want 4", leaser.calls)
	}
}
