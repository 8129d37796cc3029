package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/liveness-keeper/internal/credential"
	"github.com/liveness-keeper/internal/heartbeat"
	"github.com/liveness-keeper/internal/types"
	"github.com/liveness-keeper/internal/worker"
	log "github.com/sirupsen/logrus"
)

// Runner is what the supervisor fans out, one per credential
type Runner interface {
	Run(ctx context.Context)
	Status() types.WorkerStatus
}

// Factory builds the runner for one credential
type Factory func(cred credential.Credential) Runner

// Supervisor runs one worker per credential, isolating each from the
// others' failures.
type Supervisor struct {
	runners        []Runner
	restartBackoff time.Duration
}

func New(creds []credential.Credential, factory Factory, restartBackoff time.Duration) *Supervisor {
	runners := make([]Runner, 0, len(creds))
	for _, c := range creds {
		runners = append(runners, factory(c))
	}
	return &Supervisor{
		runners:        runners,
		restartBackoff: restartBackoff,
	}
}

// WorkerFactory adapts worker.New to Factory
func WorkerFactory(cfg worker.Config, deps worker.Deps) Factory {
	return func(cred credential.Credential) Runner {
		return worker.New(cred, cfg, deps)
	}
}

// Run starts every worker and waits for all of them to return after ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) {
	log.Infof("Starting %d credential workers", len(s.runners))

	var wg sync.WaitGroup
	for i, r := range s.runners {
		wg.Add(1)
		go func(idx int, r Runner) {
			defer wg.Done()
			s.supervise(ctx, idx, r)
		}(i, r)
	}
	wg.Wait()

	log.Info("All credential workers stopped")
}

// supervise reruns r after a panic until ctx is cancelled
func (s *Supervisor) supervise(ctx context.Context, idx int, r Runner) {
	for {
		err := runSafely(ctx, r)
		if ctx.Err() != nil {
			return
		}
		entry := log.WithField("worker", idx)
		if err != nil {
			entry.Errorf("Worker crashed: %v", err)
		} else {
			entry.Warn("Worker returned before shutdown")
		}
		if !heartbeat.Sleep(ctx, s.restartBackoff) {
			return
		}
	}
}

func runSafely(ctx context.Context, r Runner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	r.Run(ctx)
	return nil
}

// Status collects every worker's status
func (s *Supervisor) Status() []types.WorkerStatus {
	out := make([]types.WorkerStatus, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.Status())
	}
	return out
}

// Size is the number of supervised workers
func (s *Supervisor) Size() int { return len(s.runners) }
