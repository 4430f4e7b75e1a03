package container

import (
	"sort"
	"sync"
	"time"
)

// PortPool tracks the three disjoint port sets from spec §4.2/§8: free,
// inUse, and cooldown. Their union is always exactly [start, end].
type PortPool struct {
	mu         sync.Mutex
	free       map[int]bool
	inUse      map[int]bool
	cooldown   map[int]time.Time
	cooldownAt time.Duration
	now        func() time.Time
}

// NewPortPool constructs a pool covering [start, end] inclusive, all
// initially free.
func NewPortPool(start, end int, cooldown time.Duration, now func() time.Time) *PortPool {
	if now == nil {
		now = time.Now
	}
	p := &PortPool{
		free:       make(map[int]bool),
		inUse:      make(map[int]bool),
		cooldown:   make(map[int]time.Time),
		cooldownAt: cooldown,
		now:        now,
	}
	for port := start; port <= end; port++ {
		p.free[port] = true
	}
	return p
}

// Acquire selects the lowest free port not in cooldown and moves it to
// inUse. Returns 0, false if none is available (spec §4.2: "If none,
// start returns null and the core queues the job").
func (p *PortPool) Acquire() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseExpiredCooldowns()

	ports := make([]int, 0, len(p.free))
	for port := range p.free {
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return 0, false
	}
	sort.Ints(ports)
	lowest := ports[0]
	delete(p.free, lowest)
	p.inUse[lowest] = true
	return lowest, true
}

// Release moves port from inUse into cooldown; it becomes free again
// after the configured cooldown duration elapses, checked lazily on the
// next Acquire/Tick call (spec §8: "A port returned to the pool is
// unavailable for selection for at least portCooldown ms").
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
	p.cooldown[port] = p.now().Add(p.cooldownAt)
}

// Tick promotes any port whose cooldown has elapsed back to free. Safe to
// call on a timer; Acquire also calls it internally.
func (p *PortPool) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseExpiredCooldowns()
}

func (p *PortPool) releaseExpiredCooldowns() {
	now := p.now()
	for port, until := range p.cooldown {
		if !now.Before(until) {
			delete(p.cooldown, port)
			p.free[port] = true
		}
	}
}

// InUseCount reports how many ports are currently allocated.
func (p *PortPool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Size reports the pool's total port count (free + inUse + cooldown).
func (p *PortPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) + len(p.inUse) + len(p.cooldown)
}
