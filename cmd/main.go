package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/liveness-keeper/internal/aggregator"
	"github.com/liveness-keeper/internal/api"
	"github.com/liveness-keeper/internal/config"
	"github.com/liveness-keeper/internal/credential"
	"github.com/liveness-keeper/internal/heartbeat"
	"github.com/liveness-keeper/internal/metrics"
	"github.com/liveness-keeper/internal/proxypool"
	"github.com/liveness-keeper/internal/session"
	"github.com/liveness-keeper/internal/storage"
	"github.com/liveness-keeper/internal/supervisor"
	"github.com/liveness-keeper/internal/transport"
	"github.com/liveness-keeper/internal/worker"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting liveness keeper v%s", version)

	// .env is optional; it usually carries the API key
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to load .env: %v", err)
	}

	configPath := os.Getenv("KEEPER_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	setupLogging(cfg.Logging)

	// Credentials are mandatory
	creds, err := credential.LoadFile(cfg.Credentials.Path)
	if err != nil {
		log.Fatalf("Failed to load credentials: %v", err)
	}
	if len(creds) == 0 {
		log.Fatalf("No credentials found in %s", cfg.Credentials.Path)
	}
	log.Infof("Loaded %d credentials", len(creds))

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, nil)

	// Initialize storage
	store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	pool := proxypool.NewPool(cfg.Proxy.Schemes, metricsCollector)
	persister := proxypool.NewPersister(pool, store, cfg.Proxy.StoreName)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var refresher *aggregator.Refresher
	if cfg.Proxy.Enabled {
		refresher, err = preparePool(ctx, cfg, pool, persister, metricsCollector)
		if err != nil {
			log.Fatalf("Proxy setup failed: %v", err)
		}
	}

	tr := transport.New(cfg.Service.Timeout())
	defer tr.Close()

	client := session.NewClient(tr, cfg.Service.SessionURL, cfg.Service.UserAgent, cfg.Service.Timeout())

	workerCfg := worker.Config{
		UseProxies:    cfg.Proxy.Enabled,
		MaxProxies:    cfg.Proxy.MaxPerCredential,
		AutoReplenish: cfg.Proxy.AutoReplenish,
		EmptyBackoff:  cfg.Proxy.EmptyBackoff(),
		Heartbeat: heartbeat.Config{
			PingURLs:     cfg.Service.PingURLs,
			Interval:     cfg.Service.PingInterval(),
			RetryCeiling: cfg.Service.RetryCeiling,
		},
	}
	deps := worker.Deps{
		Pool:      pool,
		Client:    client,
		Transport: tr,
		Metrics:   metricsCollector,
	}
	if refresher != nil {
		deps.Refresher = refresher
	}

	sup := supervisor.New(creds, supervisor.WorkerFactory(workerCfg, deps), cfg.Proxy.EmptyBackoff())

	var wg sync.WaitGroup

	if cfg.Proxy.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			persister.Run(ctx, time.Duration(cfg.Storage.PersistIntervalSeconds)*time.Second)
		}()
	}
	if refresher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refresher.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()

	// Start API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, pool, sup, refresher, metricsCollector, nil)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("API server failed: %v", err)
			}
		}()
	}

	log.Infof("Keeper started: %d workers, proxies enabled=%v", sup.Size(), cfg.Proxy.Enabled)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("API server shutdown error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for workers to stop")
	}

	log.Info("Shutdown complete")
}

// preparePool loads the saved proxy list, optionally refreshes it from the
// configured sources, and fails when the pool would start empty.
func preparePool(ctx context.Context, cfg *config.Config, pool *proxypool.Pool, persister *proxypool.Persister,
	metricsCollector *metrics.Collector) (*aggregator.Refresher, error) {

	if _, err := persister.LoadFromStorage(); err != nil {
		log.Warnf("Failed to load saved proxies: %v", err)
	}

	var refresher *aggregator.Refresher
	if cfg.Aggregator.Enabled {
		agg, err := aggregator.NewAggregator(cfg.Aggregator, metricsCollector)
		if err != nil {
			return nil, &config.ConfigError{What: "proxy sources", Err: err}
		}
		refresher = aggregator.NewRefresher(agg, pool, persister,
			time.Duration(cfg.Aggregator.IntervalSeconds)*time.Second,
			time.Duration(cfg.Aggregator.MinRefreshIntervalSeconds)*time.Second)

		added, err := refresher.RefreshNow(ctx)
		if err != nil {
			log.Warnf("Initial proxy refresh failed: %v", err)
		} else {
			log.Infof("Initial proxy refresh added %d proxies", added)
		}
	}

	if pool.Size() == 0 {
		return nil, &config.ConfigError{What: "no proxies available from store or sources"}
	}
	return refresher, nil
}

func setupLogging(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
}
