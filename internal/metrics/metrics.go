package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the keeper exports. A nil *Collector is valid
// and records nothing.
type Collector struct {
	// Session metrics
	authTotal     *prometheus.CounterVec
	pingsTotal    *prometheus.CounterVec
	pingDuration  prometheus.Histogram
	loopsActive   prometheus.Gauge
	loopsFinished *prometheus.CounterVec

	// Pool metrics
	poolSize      prometheus.Gauge
	poolAvailable prometheus.Gauge
	evictions     prometheus.Counter

	// Aggregation metrics
	proxiesFetched *prometheus.CounterVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers the metrics with reg; a nil reg means the default registry
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		authTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_total",
				Help:      "Total number of session authentication attempts",
			},
			[]string{"result"},
		),
		pingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pings_total",
				Help:      "Total number of ping cycles",
			},
			[]string{"result"},
		),
		pingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ping_duration_seconds",
				Help:      "Ping cycle duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		loopsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loops_active",
				Help:      "Current number of running heartbeat loops",
			},
		),
		loopsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loops_finished_total",
				Help:      "Total number of heartbeat loops that terminated",
			},
			[]string{"reason"},
		),
		poolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_proxies",
				Help:      "Current number of proxies in the pool",
			},
		),
		poolAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_proxies_available",
				Help:      "Current number of unassigned proxies in the pool",
			},
		),
		evictions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_evictions_total",
				Help:      "Total number of proxies evicted from the pool",
			},
		),
		proxiesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_fetched_total",
				Help:      "Total number of proxies fetched from sources",
			},
			[]string{"source"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordAuth(success bool) {
	if c == nil {
		return
	}
	c.authTotal.WithLabelValues(resultLabel(success)).Inc()
}

func (c *Collector) RecordPing(success bool, seconds float64) {
	if c == nil {
		return
	}
	c.pingsTotal.WithLabelValues(resultLabel(success)).Inc()
	c.pingDuration.Observe(seconds)
}

func (c *Collector) LoopStarted() {
	if c == nil {
		return
	}
	c.loopsActive.Inc()
}

func (c *Collector) LoopFinished(reason string) {
	if c == nil {
		return
	}
	c.loopsActive.Dec()
	c.loopsFinished.WithLabelValues(reason).Inc()
}

func (c *Collector) SetPoolSize(size, available int) {
	if c == nil {
		return
	}
	c.poolSize.Set(float64(size))
	c.poolAvailable.Set(float64(available))
}

func (c *Collector) RecordEviction() {
	if c == nil {
		return
	}
	c.evictions.Inc()
}

func (c *Collector) RecordProxiesFetched(source string, count int) {
	if c == nil {
		return
	}
	c.proxiesFetched.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	if c == nil {
		return
	}
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
