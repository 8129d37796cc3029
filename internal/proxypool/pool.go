package proxypool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/liveness-keeper/internal/metrics"
	"github.com/liveness-keeper/internal/types"
	log "github.com/sirupsen/logrus"
)

// Pool owns the candidate proxy endpoints shared by every credential worker.
// Draw, Evict, Release and Refill are serialized by one mutex; Size and
// Available read an atomically published count and may be stale.
type Pool struct {
	mu       sync.Mutex
	members  []Endpoint
	index    map[Endpoint]struct{}
	assigned map[Endpoint]struct{}

	schemes []string
	metrics *metrics.Collector

	size       atomic.Int64
	available  atomic.Int64
	evicted    atomic.Int64
	lastRefill atomic.Value // time.Time
	lastAdded  atomic.Int64
}

func NewPool(schemes []string, metricsCollector *metrics.Collector) *Pool {
	p := &Pool{
		index:    make(map[Endpoint]struct{}),
		assigned: make(map[Endpoint]struct{}),
		schemes:  schemes,
		metrics:  metricsCollector,
	}
	p.lastRefill.Store(time.Time{})
	return p
}

// Draw returns up to n unassigned endpoints in pool order and marks them assigned
func (p *Pool) Draw(n int) []Endpoint {
	if n <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	drawn := make([]Endpoint, 0, n)
	for _, e := range p.members {
		if len(drawn) == n {
			break
		}
		if _, taken := p.assigned[e]; taken {
			continue
		}
		p.assigned[e] = struct{}{}
		drawn = append(drawn, e)
	}

	p.publishLocked()
	return drawn
}

// Evict removes e from the pool until a later Refill adds it again.
// Evicting an absent endpoint is a no-op and returns false.
func (p *Pool) Evict(e Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.assigned, e)
	if _, ok := p.index[e]; !ok {
		return false
	}
	delete(p.index, e)

	// compact in place, order of survivors is kept
	kept := p.members[:0]
	for _, m := range p.members {
		if m != e {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(p.members); i++ {
		p.members[i] = ""
	}
	p.members = kept

	p.evicted.Add(1)
	p.metrics.RecordEviction()
	p.publishLocked()

	log.WithField("proxy", e.Redacted()).Info("Proxy evicted from pool")
	return true
}

// Release hands an assigned endpoint back without evicting it
func (p *Pool) Release(e Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.assigned, e)
	p.publishLocked()
}

// Refill appends newly discovered endpoints, skipping invalid entries and
// endpoints already in the pool. It returns the number added.
func (p *Pool) Refill(entries []string) int {
	parsed := make([]Endpoint, 0, len(entries))
	invalid := 0
	for _, raw := range entries {
		e, err := ParseEndpoint(raw, p.schemes)
		if err != nil {
			invalid++
			log.Debugf("Skipping proxy entry %q: %v", raw, err)
			continue
		}
		parsed = append(parsed, e)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, e := range parsed {
		if _, exists := p.index[e]; exists {
			continue
		}
		p.index[e] = struct{}{}
		p.members = append(p.members, e)
		added++
	}

	p.lastRefill.Store(time.Now())
	p.lastAdded.Store(int64(added))
	p.publishLocked()

	log.Infof("Pool refill: %d added, %d duplicates, %d invalid, %d members",
		added, len(parsed)-added, invalid, len(p.members))
	return added
}

// Size is an advisory member count
func (p *Pool) Size() int {
	return int(p.size.Load())
}

// Available is an advisory count of unassigned members
func (p *Pool) Available() int {
	return int(p.available.Load())
}

// Snapshot returns the current members as text
func (p *Pool) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, len(p.members))
	for i, e := range p.members {
		out[i] = string(e)
	}
	return out
}

// Stats returns current pool statistics
func (p *Pool) Stats() types.PoolStats {
	size := p.Size()
	available := p.Available()
	return types.PoolStats{
		Members:       size,
		Available:     available,
		Assigned:      size - available,
		Evicted:       p.evicted.Load(),
		LastRefill:    p.lastRefill.Load().(time.Time),
		LastRefillAdd: int(p.lastAdded.Load()),
	}
}

func (p *Pool) publishLocked() {
	size := len(p.members)
	available := size - len(p.assigned)
	p.size.Store(int64(size))
	p.available.Store(int64(available))
	p.metrics.SetPoolSize(size, available)
}
