package proxypool

import (
	"context"
	"sync"
	"time"

	"github.com/liveness-keeper/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Persister saves pool membership through a proxy store
type Persister struct {
	pool      *Pool
	store     storage.Storage
	name      string
	persistMu sync.Mutex
}

func NewPersister(pool *Pool, store storage.Storage, name string) *Persister {
	return &Persister{
		pool:  pool,
		store: store,
		name:  name,
	}
}

// LoadFromStorage refills the pool from the last saved list
func (ps *Persister) LoadFromStorage() (int, error) {
	lines, err := ps.store.Load(ps.name)
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		log.Infof("No saved proxies under %q", ps.name)
		return 0, nil
	}

	added := ps.pool.Refill(lines)
	log.Infof("Loaded %d proxies from storage", added)
	return added, nil
}

// Persist saves the current membership
func (ps *Persister) Persist() {
	ps.persistMu.Lock()
	defer ps.persistMu.Unlock()

	lines := ps.pool.Snapshot()
	if err := ps.store.Save(ps.name, lines); err != nil {
		log.Errorf("Failed to persist proxy pool: %v", err)
		return
	}
	log.Debugf("Proxy pool persisted: %d proxies", len(lines))
}

// Run saves at regular intervals and once more when ctx ends
func (ps *Persister) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		ps.Persist()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ps.Persist()
		case <-ctx.Done():
			ps.Persist()
			return
		}
	}
}
