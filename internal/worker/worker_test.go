package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liveness-keeper/internal/credential"
	"github.com/liveness-keeper/internal/heartbeat"
	"github.com/liveness-keeper/internal/proxypool"
	"github.com/liveness-keeper/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	p1 proxypool.Endpoint = "http://1.1.1.1:80"
	p2 proxypool.Endpoint = "http://2.2.2.2:80"
	p3 proxypool.Endpoint = "http://3.3.3.3:80"
)

// scriptedClient fails authentication or pings per proxy
type scriptedClient struct {
	mu        sync.Mutex
	authErr   map[proxypool.Endpoint]error
	authPanic map[proxypool.Endpoint]bool
	pingFail  map[proxypool.Endpoint]bool
	auths     map[proxypool.Endpoint]int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		authErr:   make(map[proxypool.Endpoint]error),
		authPanic: make(map[proxypool.Endpoint]bool),
		pingFail:  make(map[proxypool.Endpoint]bool),
		auths:     make(map[proxypool.Endpoint]int),
	}
}

func (c *scriptedClient) Authenticate(ctx context.Context, cred credential.Credential, p proxypool.Endpoint) (*session.AccountSession, error) {
	c.mu.Lock()
	c.auths[p]++
	crash, err := c.authPanic[p], c.authErr[p]
	c.mu.Unlock()

	if crash {
		panic("session client bug")
	}
	if err != nil {
		return nil, err
	}
	return &session.AccountSession{UID: "u1"}, nil
}

func (c *scriptedClient) Ping(ctx context.Context, url string, cred credential.Credential, p proxypool.Endpoint, payload session.PingPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingFail[p] {
		return &session.ProtocolError{URL: url, StatusCode: 200, Msg: "not ok"}
	}
	return nil
}

func (c *scriptedClient) authCount(p proxypool.Endpoint) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auths[p]
}

type recordingForgetter struct {
	mu     sync.Mutex
	forgot []proxypool.Endpoint
}

func (f *recordingForgetter) Forget(p proxypool.Endpoint) {
	f.mu.Lock()
	f.forgot = append(f.forgot, p)
	f.mu.Unlock()
}

func (f *recordingForgetter) list() []proxypool.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proxypool.Endpoint(nil), f.forgot...)
}

// refillingRefresher adds entries to the pool on request
type refillingRefresher struct {
	pool     *proxypool.Pool
	entries  []string
	requests atomic.Int32
}

func (r *refillingRefresher) Request() {
	r.requests.Add(1)
	if r.pool != nil {
		r.pool.Refill(r.entries)
	}
}

func testConfig() Config {
	return Config{
		UseProxies:    true,
		MaxProxies:    1,
		AutoReplenish: true,
		EmptyBackoff:  20 * time.Millisecond,
		Heartbeat: heartbeat.Config{
			PingURLs:     []string{"http://ping-a.test/ping", "http://ping-b.test/ping"},
			Interval:     5 * time.Millisecond,
			RetryCeiling: 2,
		},
	}
}

func newPool(entries ...proxypool.Endpoint) *proxypool.Pool {
	pool := proxypool.NewPool(nil, nil)
	raw := make([]string, len(entries))
	for i, e := range entries {
		raw[i] = string(e)
	}
	pool.Refill(raw)
	return pool
}

// start runs w until the test ends
func start(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop after cancel")
		}
	})
	return cancel
}

func activeProxies(w *Worker) []string {
	st := w.Status()
	out := make([]string, 0, len(st.Loops))
	for _, l := range st.Loops {
		out = append(out, l.Proxy)
	}
	return out
}

func TestWorkerRespectsProxyCap(t *testing.T) {
	pool := newPool(p1, p2)
	w := New("tok1-aaaaaaaaaaaa", testConfig(), Deps{Pool: pool, Client: newScriptedClient()})
	start(t, w)

	require.Eventually(t, func() bool {
		st := w.Status()
		return st.ActiveLoops == 1 && st.Loops[0].LastPingStatus == "Success"
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{string(p1)}, activeProxies(w))
	assert.Equal(t, 1, pool.Available(), "p2 stays unassigned")
	assert.Equal(t, []proxypool.Endpoint{p2}, pool.Draw(5))
}

func TestWorkerEvictsOnIdentityFailure(t *testing.T) {
	pool := newPool(p1, p2)
	client := newScriptedClient()
	client.authErr[p1] = &session.AuthError{Kind: session.AuthIdentity, Err: errors.New("code -1")}
	forgetter := &recordingForgetter{}

	w := New("tok1-aaaaaaaaaaaa", testConfig(), Deps{Pool: pool, Client: client, Transport: forgetter})
	start(t, w)

	require.Eventually(t, func() bool {
		p := activeProxies(w)
		return len(p) == 1 && p[0] == string(p2)
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{string(p2)}, pool.Snapshot())
	assert.Equal(t, []proxypool.Endpoint{p1}, forgetter.list())
	assert.Equal(t, int64(1), w.Status().Evictions)
	assert.Equal(t, 1, client.authCount(p1))
}

func TestWorkerEvictsOnceAfterRetryCeiling(t *testing.T) {
	pool := newPool(p1)
	client := newScriptedClient()
	client.pingFail[p1] = true
	refresher := &refillingRefresher{}

	cfg := testConfig()
	cfg.EmptyBackoff = time.Hour
	w := New("tok1-aaaaaaaaaaaa", cfg, Deps{Pool: pool, Client: client, Refresher: refresher})
	start(t, w)

	require.Eventually(t, func() bool {
		return refresher.requests.Load() == 1
	}, time.Second, 5*time.Millisecond)

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Evicted)
	assert.Zero(t, stats.Members)
	assert.Equal(t, int64(1), w.Status().Evictions)
	assert.Zero(t, w.Status().ActiveLoops)
}

func TestWorkerRefillsAfterEmptyBackoff(t *testing.T) {
	pool := proxypool.NewPool(nil, nil)
	refresher := &refillingRefresher{pool: pool, entries: []string{string(p3)}}

	w := New("tok1-aaaaaaaaaaaa", testConfig(), Deps{Pool: pool, Client: newScriptedClient(), Refresher: refresher})
	start(t, w)

	require.Eventually(t, func() bool {
		p := activeProxies(w)
		return len(p) == 1 && p[0] == string(p3)
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, refresher.requests.Load(), int32(1))
}

func TestWorkerReleasesOnCredentialRejection(t *testing.T) {
	pool := newPool(p1)
	client := newScriptedClient()
	client.authErr[p1] = &session.AuthError{Kind: session.AuthProtocol, Err: errors.New("HTTP 401")}

	w := New("tok1-aaaaaaaaaaaa", testConfig(), Deps{Pool: pool, Client: client})
	start(t, w)

	require.Eventually(t, func() bool {
		return client.authCount(p1) >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, pool.Stats().Evicted)
	assert.Equal(t, 1, pool.Size())
	assert.Zero(t, w.Status().Evictions)
}

func TestDirectWorkerNeverEvicts(t *testing.T) {
	pool := newPool(p1)
	client := newScriptedClient()
	client.authErr[""] = &session.AuthError{Kind: session.AuthTransport, Err: errors.New("timeout")}

	cfg := testConfig()
	cfg.UseProxies = false
	w := New("tok1-aaaaaaaaaaaa", cfg, Deps{Pool: pool, Client: client})
	start(t, w)

	require.Eventually(t, func() bool {
		return client.authCount("") >= 3
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, client.authCount(p1))
	assert.Zero(t, pool.Stats().Evicted)
	assert.Zero(t, w.Status().Evictions)
}

func TestWorkerReleasesProxiesOnCancel(t *testing.T) {
	pool := newPool(p1, p2)
	cfg := testConfig()
	cfg.MaxProxies = 2
	w := New("tok1-aaaaaaaaaaaa", cfg, Deps{Pool: pool, Client: newScriptedClient()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return w.Status().ActiveLoops == 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, pool.Available())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, 2, pool.Available())
	assert.Zero(t, w.Status().ActiveLoops)
}

// panickingForgetter blows up inside the worker goroutine itself
type panickingForgetter struct{}

func (panickingForgetter) Forget(p proxypool.Endpoint) { panic("forget failed") }

func TestLoopPanicReleasesProxyAndRetries(t *testing.T) {
	pool := newPool(p1, p2)
	client := newScriptedClient()
	client.authPanic[p1] = true

	cfg := testConfig()
	cfg.MaxProxies = 2
	w := New("tok1-aaaaaaaaaaaa", cfg, Deps{Pool: pool, Client: client})
	start(t, w)

	// the crashed loop is retried on the same proxy while p2 keeps pinging
	require.Eventually(t, func() bool {
		return client.authCount(p1) >= 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, l := range w.Status().Loops {
			if l.Proxy == string(p2) && l.LastPingStatus == "Success" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, pool.Stats().Evicted)
	assert.Equal(t, 2, pool.Size())
	assert.Equal(t, 1, client.authCount(p2))
}

func TestWorkerPanicStopsAndReleasesRunningLoops(t *testing.T) {
	pool := newPool(p1, p2)
	client := newScriptedClient()
	client.authErr[p1] = &session.AuthError{Kind: session.AuthIdentity, Err: errors.New("code -1")}

	cfg := testConfig()
	cfg.MaxProxies = 2
	cfg.AutoReplenish = false
	w := New("tok1-aaaaaaaaaaaa", cfg, Deps{Pool: pool, Client: client, Transport: panickingForgetter{}})

	crashed := make(chan interface{}, 1)
	go func() {
		defer func() { crashed <- recover() }()
		w.Run(context.Background())
	}()

	select {
	case rec := <-crashed:
		assert.Equal(t, "forget failed", rec)
	case <-time.After(2 * time.Second):
		t.Fatal("worker hung after a panic instead of returning")
	}

	// p1 was evicted before the crash, p2's loop was stopped and handed back
	assert.Equal(t, []string{string(p2)}, pool.Snapshot())
	assert.Equal(t, 1, pool.Available())
	assert.Zero(t, w.Status().ActiveLoops)
}
