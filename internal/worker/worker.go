package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liveness-keeper/internal/credential"
	"github.com/liveness-keeper/internal/heartbeat"
	"github.com/liveness-keeper/internal/metrics"
	"github.com/liveness-keeper/internal/proxypool"
	"github.com/liveness-keeper/internal/types"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	UseProxies    bool
	MaxProxies    int
	AutoReplenish bool
	EmptyBackoff  time.Duration
	Heartbeat     heartbeat.Config
}

// Refresher is asked for more proxies when a worker runs dry. Request must not block.
type Refresher interface {
	Request()
}

// Forgetter drops per-proxy transport state once a proxy is evicted
type Forgetter interface {
	Forget(p proxypool.Endpoint)
}

type Deps struct {
	Pool      *proxypool.Pool
	Client    heartbeat.SessionClient
	Refresher Refresher
	Transport Forgetter
	Metrics   *metrics.Collector
}

// Worker keeps one credential alive across a bounded set of proxies
type Worker struct {
	cred credential.Credential
	cfg  Config
	deps Deps
	log  *log.Entry

	mu        sync.Mutex
	loops     map[string]types.LoopStatus
	evictions atomic.Int64
}

func New(cred credential.Credential, cfg Config, deps Deps) *Worker {
	if cfg.MaxProxies < 1 {
		cfg.MaxProxies = 1
	}
	return &Worker{
		cred:  cred,
		cfg:   cfg,
		deps:  deps,
		log:   log.WithField("credential", cred.Mask()),
		loops: make(map[string]types.LoopStatus),
	}
}

func (w *Worker) Credential() credential.Credential { return w.cred }

// Run blocks until ctx is cancelled and every loop it started has returned
func (w *Worker) Run(ctx context.Context) {
	if !w.cfg.UseProxies || w.deps.Pool == nil {
		w.runDirect(ctx)
		return
	}
	w.runProxied(ctx)
}

// runDirect keeps exactly one loop without a proxy, restarting it after the backoff
func (w *Worker) runDirect(ctx context.Context) {
	w.log.Info("Worker started without proxies")
	for {
		res := w.runLoop(ctx, "")
		w.dropStatus("")
		if ctx.Err() != nil {
			return
		}
		w.log.WithField("reason", res.Reason).Infof("Restarting direct loop in %v", w.cfg.EmptyBackoff)
		if !heartbeat.Sleep(ctx, w.cfg.EmptyBackoff) {
			return
		}
	}
}

func (w *Worker) runProxied(ctx context.Context) {
	results := make(chan heartbeat.Result)
	active := make(map[proxypool.Endpoint]struct{}, w.cfg.MaxProxies)
	var wg sync.WaitGroup

	// Loops run on loopCtx so an early return, including a panic, can stop
	// them; the drain keeps their final sends from blocking wg.Wait.
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer func() {
		go func() {
			wg.Wait()
			close(results)
		}()
		for res := range results {
			w.settle(res)
		}
	}()
	defer stopLoops()

	start := func(p proxypool.Endpoint) {
		active[p] = struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- w.runLoop(loopCtx, p)
		}()
	}

	fill := func(limit int) {
		need := w.cfg.MaxProxies - len(active)
		if limit < need {
			need = limit
		}
		if need <= 0 {
			return
		}
		for _, p := range w.deps.Pool.Draw(need) {
			start(p)
		}
	}

	fill(w.cfg.MaxProxies)
	w.log.Infof("Worker started with %d proxies", len(active))

	var retry <-chan time.Time
	var retryTimer *time.Timer
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	for {
		if len(active) == 0 {
			if ctx.Err() != nil {
				return
			}
			w.log.Warnf("No active proxies, backing off %v", w.cfg.EmptyBackoff)
			if w.deps.Refresher != nil {
				w.deps.Refresher.Request()
			}
			if !heartbeat.Sleep(ctx, w.cfg.EmptyBackoff) {
				return
			}
			retry = nil
			fill(w.cfg.MaxProxies)
			continue
		}

		select {
		case res := <-results:
			delete(active, res.Proxy)
			w.dropStatus(string(res.Proxy))

			switch {
			case res.Reason == heartbeat.ReasonCancelled:
				w.deps.Pool.Release(res.Proxy)
			case res.Evict:
				w.evict(res)
				if w.cfg.AutoReplenish && ctx.Err() == nil {
					fill(1)
				}
			default:
				// not the proxy's fault: hand it back and try again later
				w.deps.Pool.Release(res.Proxy)
				if retry == nil && ctx.Err() == nil {
					retryTimer = time.NewTimer(w.cfg.EmptyBackoff)
					retry = retryTimer.C
				}
			}
		case <-retry:
			retry = nil
			if ctx.Err() == nil {
				fill(w.cfg.MaxProxies)
			}
		}
	}
}

// settle hands the proxy of a loop that ended during shutdown back to the pool
func (w *Worker) settle(res heartbeat.Result) {
	w.dropStatus(string(res.Proxy))
	if res.Evict {
		w.evict(res)
		return
	}
	w.deps.Pool.Release(res.Proxy)
}

// runLoop runs one heartbeat loop and turns a panic inside it into a
// non-evicting Result, so one broken loop cannot take the process down.
func (w *Worker) runLoop(ctx context.Context, p proxypool.Endpoint) (res heartbeat.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			w.deps.Metrics.LoopFinished(heartbeat.ReasonPanic)
			w.log.WithField("proxy", p.Redacted()).Errorf("Heartbeat loop crashed: %v\n%s", rec, debug.Stack())
			res = heartbeat.Result{
				Proxy:  p,
				State:  types.LoopTerminated,
				Reason: heartbeat.ReasonPanic,
				Err:    err,
			}
		}
	}()
	return w.newLoop(p).Run(ctx)
}

func (w *Worker) evict(res heartbeat.Result) {
	w.deps.Pool.Evict(res.Proxy)
	if w.deps.Transport != nil {
		w.deps.Transport.Forget(res.Proxy)
	}
	w.evictions.Add(1)
	w.log.WithFields(log.Fields{
		"proxy":  res.Proxy.Redacted(),
		"reason": res.Reason,
	}).Warnf("Evicted proxy: %v", res.Err)
}

func (w *Worker) newLoop(p proxypool.Endpoint) *heartbeat.Loop {
	return heartbeat.NewLoop(w.cred, p, w.deps.Client, w.cfg.Heartbeat,
		heartbeat.WithMetrics(w.deps.Metrics),
		heartbeat.WithObserver(w.observe),
	)
}

func (w *Worker) observe(ev types.LoopEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := w.loops[ev.Proxy]
	st.Proxy = ev.Proxy
	st.State = ev.State.String()
	st.Retries = ev.Retries
	st.PingCount = ev.PingCount
	st.SuccessfulPing = ev.SuccessfulPings
	if ev.Kind == types.EventPing {
		st.LastPingTime = ev.At
		if ev.Success {
			st.LastPingStatus = "Success"
		} else {
			st.LastPingStatus = "Failed"
		}
	}
	if st.LastPingStatus == "" {
		st.LastPingStatus = "Waiting..."
	}
	w.loops[ev.Proxy] = st
}

func (w *Worker) dropStatus(p string) {
	w.mu.Lock()
	delete(w.loops, p)
	w.mu.Unlock()
}

// Status returns a copy of the worker's current loops
func (w *Worker) Status() types.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	loops := make([]types.LoopStatus, 0, len(w.loops))
	for _, st := range w.loops {
		if st.Proxy != "" {
			st.Proxy = proxypool.Endpoint(st.Proxy).Redacted()
		}
		loops = append(loops, st)
	}
	sort.Slice(loops, func(i, j int) bool { return loops[i].Proxy < loops[j].Proxy })

	return types.WorkerStatus{
		Credential:  w.cred.Mask(),
		ActiveLoops: len(loops),
		Evictions:   w.evictions.Load(),
		Loops:       loops,
		Updated:     time.Now(),
	}
}
