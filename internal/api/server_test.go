package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/liveness-keeper/internal/aggregator"
	"github.com/liveness-keeper/internal/config"
	"github.com/liveness-keeper/internal/metrics"
	"github.com/liveness-keeper/internal/proxypool"
	"github.com/liveness-keeper/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkers []types.WorkerStatus

func (f fakeWorkers) Status() []types.WorkerStatus { return f }

type staticSource struct{}

func (staticSource) Name() string { return "static" }

func (staticSource) Fetch(ctx context.Context) ([]string, error) {
	return []string{"http://9.9.9.9:80"}, nil
}

func testConfig() *config.Config {
	cfg, err := config.Parse([]byte(`{
		"service": {"session_url": "http://s.test", "ping_urls": ["http://p.test"]},
		"metrics": {"enabled": true}
	}`))
	if err != nil {
		panic(err)
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, refresher *aggregator.Refresher) (*Server, *proxypool.Pool) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("keeper", reg)

	pool := proxypool.NewPool(nil, m)
	pool.Refill([]string{"http://1.1.1.1:80", "http://2.2.2.2:80"})
	pool.Draw(1)

	workers := fakeWorkers{{
		Credential:  "tok1...aaaa",
		ActiveLoops: 1,
		Loops: []types.LoopStatus{{
			Proxy: "http://1.1.1.1:80",
			State: types.LoopConnected.String(),
		}},
	}}
	return NewServer(cfg, pool, workers, refresher, m, reg), pool
}

func do(t *testing.T, s *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), nil)
	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStat(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), nil)
	rec := do(t, s, http.MethodGet, "/stat", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TotalWorkers   int                  `json:"total_workers"`
		ActiveLoops    int                  `json:"active_loops"`
		ConnectedLoops int                  `json:"connected_loops"`
		Pool           types.PoolStats      `json:"pool"`
		Workers        []types.WorkerStatus `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, 1, body.TotalWorkers)
	assert.Equal(t, 1, body.ActiveLoops)
	assert.Equal(t, 1, body.ConnectedLoops)
	assert.Equal(t, 2, body.Pool.Members)
	assert.Equal(t, 1, body.Pool.Assigned)
	assert.Equal(t, "tok1...aaaa", body.Workers[0].Credential)
}

func TestReload(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), nil)
	rec := do(t, s, http.MethodPost, "/reload", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	pool := proxypool.NewPool(nil, nil)
	refresher := aggregator.NewRefresher(aggregator.NewWithSources([]aggregator.Source{staticSource{}}, nil), pool, nil, 0, time.Minute)
	s, _ = newTestServer(t, testConfig(), refresher)
	rec = do(t, s, http.MethodPost, "/reload", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	t.Setenv("KEEPER_TEST_API_KEY", "sekret")
	cfg := testConfig()
	cfg.API.EnableAPIKeyAuth = true
	cfg.API.APIKeyEnv = "KEEPER_TEST_API_KEY"
	s, _ := newTestServer(t, cfg, nil)

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/stat", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/stat", map[string]string{"X-Api-Key": "sekret"}).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/stat?key=sekret", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code, "health stays public")
}

func TestIPRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.API.EnableIPRateLimit = true
	cfg.API.RateLimitPerMinute = 1
	s, _ := newTestServer(t, cfg, nil)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/stat", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, "/stat", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), nil)
	do(t, s, http.MethodGet, "/health", nil)

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "keeper_pool_proxies 2"), body)
	assert.Contains(t, body, "keeper_api_requests_total")
}
