package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/liveness-keeper/internal/proxypool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Refresher feeds the pool from the aggregator, on a schedule and on demand.
// On-demand requests are throttled so exhausted workers cannot hammer the sources.
type Refresher struct {
	agg       *Aggregator
	pool      *proxypool.Pool
	persister *proxypool.Persister
	interval  time.Duration
	limiter   *rate.Limiter
	requests  chan struct{}

	runMu     sync.Mutex
	mu        sync.RWMutex
	lastStats map[string]SourceStats
	lastRun   time.Time
}

// NewRefresher allows at most one on-demand refresh per minInterval; persister may be nil
func NewRefresher(agg *Aggregator, pool *proxypool.Pool, persister *proxypool.Persister, interval, minInterval time.Duration) *Refresher {
	return &Refresher{
		agg:       agg,
		pool:      pool,
		persister: persister,
		interval:  interval,
		limiter:   rate.NewLimiter(rate.Every(minInterval), 1),
		requests:  make(chan struct{}, 1),
	}
}

// Request asks for a refresh without blocking; concurrent requests coalesce
func (r *Refresher) Request() {
	select {
	case r.requests <- struct{}{}:
	default:
	}
}

// RefreshNow fetches every source, refills the pool and saves the result.
// It also takes the on-demand token, so a request arriving right after a
// scheduled or manual refresh is throttled.
func (r *Refresher) RefreshNow(ctx context.Context) (int, error) {
	r.limiter.Allow()
	return r.runRefresh(ctx)
}

func (r *Refresher) runRefresh(ctx context.Context) (int, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	proxies, stats, err := r.agg.Aggregate(ctx)
	if err != nil {
		return 0, err
	}

	added := r.pool.Refill(proxies)

	r.mu.Lock()
	r.lastStats = stats
	r.lastRun = time.Now()
	r.mu.Unlock()

	if r.persister != nil {
		r.persister.Persist()
	}
	return added, nil
}

// Run refreshes every interval and serves throttled requests until ctx is done
func (r *Refresher) Run(ctx context.Context) {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("Proxy refresh loop stopped")
			return
		case <-tick:
			r.refresh(ctx, "scheduled", r.RefreshNow)
		case <-r.requests:
			if !r.limiter.Allow() {
				log.Debug("Proxy refresh request throttled")
				continue
			}
			r.refresh(ctx, "requested", r.runRefresh)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context, trigger string, run func(context.Context) (int, error)) {
	added, err := run(ctx)
	if err != nil {
		log.Errorf("Proxy refresh (%s) failed: %v", trigger, err)
		return
	}
	log.Infof("Proxy refresh (%s): %d new proxies, pool size %d", trigger, added, r.pool.Size())
}

// LastStats returns per-source results of the most recent refresh
func (r *Refresher) LastStats() (map[string]SourceStats, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastStats, r.lastRun
}
