package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liveness-keeper/internal/aggregator"
	"github.com/liveness-keeper/internal/config"
	"github.com/liveness-keeper/internal/metrics"
	"github.com/liveness-keeper/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// PoolStater reports proxy pool statistics
type PoolStater interface {
	Stats() types.PoolStats
}

// WorkerStater reports the status of every credential worker
type WorkerStater interface {
	Status() []types.WorkerStatus
}

type Server struct {
	config      *config.Config
	pool        PoolStater
	workers     WorkerStater
	refresher   *aggregator.Refresher
	metrics     *metrics.Collector
	gatherer    prometheus.Gatherer
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
	started     time.Time
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 10 // Allow bursts
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

// NewServer wires the status API; refresher may be nil when proxies are not fetched
func NewServer(cfg *config.Config, pool PoolStater, workers WorkerStater, refresher *aggregator.Refresher,
	metricsCollector *metrics.Collector, gatherer prometheus.Gatherer) *Server {

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		pool:        pool,
		workers:     workers,
		refresher:   refresher,
		metrics:     metricsCollector,
		gatherer:    gatherer,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
		started:     time.Now(),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	// Protected endpoints
	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/stat", s.handleStat)
	protected.POST("/reload", s.handleReload)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Debug("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleStat(c *gin.Context) {
	workers := s.workers.Status()

	connected := 0
	loops := 0
	for _, w := range workers {
		loops += w.ActiveLoops
		for _, l := range w.Loops {
			if l.State == types.LoopConnected.String() {
				connected++
			}
		}
	}

	response := gin.H{
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"workers":         workers,
		"total_workers":   len(workers),
		"active_loops":    loops,
		"connected_loops": connected,
	}

	if s.pool != nil {
		response["pool"] = s.pool.Stats()
	}

	if s.refresher != nil {
		stats, lastRun := s.refresher.LastStats()
		if stats != nil {
			response["sources"] = stats
			response["last_refresh"] = lastRun.Format(time.RFC3339)
		}
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReload(c *gin.Context) {
	if s.refresher == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Proxy refresh is not configured",
		})
		return
	}

	log.Info("Manual proxy refresh triggered via API")
	s.refresher.Request()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Reload triggered",
	})
}
