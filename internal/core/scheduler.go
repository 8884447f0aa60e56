package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ccfleet/internal/hosts"
)

// Leaser coordinates slots between client processes. A SlotPool holding an
// in-process slot also takes a lease so that concurrent invocations of the
// client, one per compile, share the same limits.
type Leaser interface {
	// Lease takes one of slots leases for key. ok is false when all are
	// held. release gives the lease back.
	Lease(ctx context.Context, key string, slots int) (release func(), ok bool, err error)
}

// WaitPolicy says what Acquire does when every eligible host is saturated.
type WaitPolicy struct {
	Wait bool
	// Timeout bounds the wait; zero waits until the context ends.
	Timeout time.Duration
	// Pause is how often hosts are re-examined. Backoff windows expire and
	// other processes release leases without waking this one.
	Pause time.Duration
}

var errNoEligible = fmt.Errorf("every host is down or backed off: %w", ErrNoSlot)

// SlotPool hands out slots on an ordered list of hosts. For every host,
// in-use never exceeds its slot count.
type SlotPool struct {
	name    string
	hosts   []hosts.HostDef
	backoff Backoff
	leaser  Leaser
	now     func() time.Time

	mu      sync.Mutex
	inUse   []int
	changed chan struct{}
}

// NewSlotPool builds a pool over hs. name scopes lease keys so that pools
// for different purposes never share leases. backoff and leaser may be nil.
func NewSlotPool(name string, hs []hosts.HostDef, backoff Backoff, leaser Leaser) *SlotPool {
	return &SlotPool{
		name:    name,
		hosts:   hs,
		backoff: backoff,
		leaser:  leaser,
		now:     time.Now,
		inUse:   make([]int, len(hs)),
		changed: make(chan struct{}),
	}
}

// Hosts returns the hosts in selection order.
func (p *SlotPool) Hosts() []hosts.HostDef { return p.hosts }

// InUse returns the number of slots held on the i'th host.
func (p *SlotPool) InUse(i int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[i]
}

// SlotHandle is one acquired slot.
type SlotHandle struct {
	Host hosts.HostDef

	pool     *SlotPool
	index    int
	lease    func()
	released atomic.Bool
}

// Release returns the slot. Only the first call has an effect.
func (h *SlotHandle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if h.lease != nil {
		h.lease()
	}
	p := h.pool
	p.mu.Lock()
	p.inUse[h.index]--
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

// TryAcquire takes a slot on the first eligible host in order, skipping
// hosts marked down or backed off. It returns nil when all are saturated.
func (p *SlotPool) TryAcquire(ctx context.Context) *SlotHandle {
	h, _ := p.tryAcquire(ctx)
	return h
}

// tryAcquire also reports whether any host is eligible at all: not down,
// with slots, and not backed off. Only busy eligible hosts are worth
// waiting for.
func (p *SlotPool) tryAcquire(ctx context.Context) (*SlotHandle, bool) {
	now := p.now()
	eligible := false
	for i, h := range p.hosts {
		if h.Down || h.Slots <= 0 {
			continue
		}
		if p.backoff != nil && p.backoff.BackedOff(h.Key(), now) {
			continue
		}
		eligible = true
		if !p.reserve(i) {
			continue
		}
		handle := &SlotHandle{Host: h, pool: p, index: i}
		if p.leaser != nil {
			release, ok, err := p.leaser.Lease(ctx, p.name+"/"+h.Key(), h.Slots)
			if err != nil {
				// Counted as busy: granting it could exceed the limit
				// other processes see.
				log.Warn().Err(err).Str("host", h.Spec).Msg("Slot lease failed, treating host as busy")
			}
			if err != nil || !ok {
				p.unreserve(i)
				continue
			}
			handle.lease = release
		}
		return handle, true
	}
	return nil, eligible
}

func (p *SlotPool) reserve(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[i] >= p.hosts[i].Slots {
		return false
	}
	p.inUse[i]++
	return true
}

// unreserve drops a reservation that never became a handle. Waiters are
// not woken since no slot was actually freed.
func (p *SlotPool) unreserve(i int) {
	p.mu.Lock()
	p.inUse[i]--
	p.mu.Unlock()
}

// Acquire takes a slot under policy. It returns ErrNoSlot when no slot
// became free in time, or at once when no host is eligible, and the
// context's error when ctx ends first. Only busy hosts are waited for.
func (p *SlotPool) Acquire(ctx context.Context, policy WaitPolicy) (*SlotHandle, error) {
	h, eligible := p.tryAcquire(ctx)
	switch {
	case h != nil:
		return h, nil
	case !eligible:
		return nil, errNoEligible
	case !policy.Wait:
		return nil, ErrNoSlot
	}
	var expired <-chan time.Time
	if policy.Timeout > 0 {
		t := time.NewTimer(policy.Timeout)
		defer t.Stop()
		expired = t.C
	}
	pause := policy.Pause
	if pause <= 0 {
		pause = time.Second
	}
	tick := time.NewTicker(pause)
	defer tick.Stop()
	for {
		p.mu.Lock()
		changed := p.changed
		p.mu.Unlock()
		h, eligible := p.tryAcquire(ctx)
		if h != nil {
			return h, nil
		}
		if !eligible {
			return nil, errNoEligible
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			return nil, ErrNoSlot
		case <-changed:
		case <-tick.C:
		}
	}
}
