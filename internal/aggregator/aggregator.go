package aggregator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/liveness-keeper/internal/config"
	"github.com/liveness-keeper/internal/metrics"
	log "github.com/sirupsen/logrus"
)

type Aggregator struct {
	sources []Source
	metrics *metrics.Collector
}

type SourceStats struct {
	Name         string `json:"name"`
	ProxiesFound int    `json:"proxies_found"`
	Error        string `json:"error,omitempty"`
}

func NewAggregator(cfg config.AggregatorConfig, metricsCollector *metrics.Collector) (*Aggregator, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	sources := make([]Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		if !sc.Enabled {
			continue
		}
		src, err := NewSource(sc, client, cfg.UserAgent)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	return NewWithSources(sources, metricsCollector), nil
}

func NewWithSources(sources []Source, metricsCollector *metrics.Collector) *Aggregator {
	return &Aggregator{
		sources: sources,
		metrics: metricsCollector,
	}
}

// Aggregate fetches every source concurrently and returns the deduplicated union.
// A failing source is reported in the stats; only "no sources" is an error.
func (a *Aggregator) Aggregate(ctx context.Context) ([]string, map[string]SourceStats, error) {
	if len(a.sources) == 0 {
		return nil, nil, fmt.Errorf("no enabled sources")
	}

	log.Infof("Fetching from %d sources", len(a.sources))

	results := make([][]string, len(a.sources))
	stats := make([]SourceStats, len(a.sources))

	var wg sync.WaitGroup
	for i, source := range a.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()

			startTime := time.Now()
			proxies, err := src.Fetch(ctx)
			duration := time.Since(startTime)

			stat := SourceStats{
				Name:         src.Name(),
				ProxiesFound: len(proxies),
			}

			if err != nil {
				stat.Error = err.Error()
				log.Warnf("Source %s failed: %v (took %v)", src.Name(), err, duration)
			} else {
				log.Infof("Source %s returned %d proxies (took %v)", src.Name(), len(proxies), duration)
			}

			a.metrics.RecordProxiesFetched(src.Name(), len(proxies))

			results[i] = proxies
			stats[i] = stat
		}(i, source)
	}
	wg.Wait()

	// keep source order so the pool order is stable between refreshes
	all := make([]string, 0)
	for _, r := range results {
		all = append(all, r...)
	}

	sourceStats := make(map[string]SourceStats, len(stats))
	for _, st := range stats {
		sourceStats[st.Name] = st
	}

	unique := deduplicate(all)
	log.Infof("Deduplicated: %d -> %d unique proxies", len(all), len(unique))

	return unique, sourceStats, nil
}

func deduplicate(proxies []string) []string {
	seen := make(map[string]struct{}, len(proxies))
	unique := make([]string, 0, len(proxies))

	for _, p := range proxies {
		key := strings.ToLower(strings.TrimSpace(p))
		if key == "" {
			continue
		}
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			unique = append(unique, strings.TrimSpace(p))
		}
	}

	return unique
}
