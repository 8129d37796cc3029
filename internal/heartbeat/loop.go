package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/liveness-keeper/internal/credential"
	"github.com/liveness-keeper/internal/metrics"
	"github.com/liveness-keeper/internal/proxypool"
	"github.com/liveness-keeper/internal/session"
	"github.com/liveness-keeper/internal/types"
	log "github.com/sirupsen/logrus"
)

// SessionClient is the part of session.Client a loop needs
type SessionClient interface {
	Authenticate(ctx context.Context, cred credential.Credential, p proxypool.Endpoint) (*session.AccountSession, error)
	Ping(ctx context.Context, pingURL string, cred credential.Credential, p proxypool.Endpoint, payload session.PingPayload) error
}

type Config struct {
	PingURLs     []string
	Interval     time.Duration
	RetryCeiling int
}

// Termination reasons reported in Result.Reason
const (
	ReasonCancelled  = "cancelled"
	ReasonAuthFailed = "auth_failed"
	ReasonRetries    = "retries_exhausted"
	ReasonPanic      = "panic"
)

// Result describes how a loop ended
type Result struct {
	Proxy  proxypool.Endpoint
	State  types.LoopState
	Evict  bool
	Reason string
	Err    error
	Cycles int
}

// Loop drives the heartbeat for one credential and proxy pairing. The
// session and identity it holds are touched only by the goroutine in Run.
type Loop struct {
	cred     credential.Credential
	proxy    proxypool.Endpoint
	client   SessionClient
	cfg      Config
	metrics  *metrics.Collector
	observer func(types.LoopEvent)
	logger   *log.Entry

	state    types.LoopState
	session  *session.AccountSession
	identity *Identity
	cycles   int
}

type Option func(*Loop)

// WithObserver receives every event the loop emits, on the loop's goroutine
func WithObserver(fn func(types.LoopEvent)) Option {
	return func(l *Loop) { l.observer = fn }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(l *Loop) { l.metrics = m }
}

func NewLoop(cred credential.Credential, p proxypool.Endpoint, client SessionClient, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		cred:   cred,
		proxy:  p,
		client: client,
		cfg:    cfg,
		state:  types.LoopUnauthenticated,
	}
	for _, opt := range opts {
		opt(l)
	}

	proxyField := "direct"
	if p != "" {
		proxyField = p.Redacted()
	}
	l.logger = log.WithFields(log.Fields{
		"credential": cred.Mask(),
		"proxy":      proxyField,
	})
	return l
}

// State returns the current state; only meaningful from the Run goroutine or after Run returns
func (l *Loop) State() types.LoopState { return l.state }

// Run authenticates and then pings until the retry ceiling is exceeded,
// authentication fails, or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) Result {
	l.metrics.LoopStarted()

	if ctx.Err() != nil {
		return l.terminate(ReasonCancelled, false, ctx.Err())
	}

	l.transition(types.LoopAuthenticating)
	sess, err := l.client.Authenticate(ctx, l.cred, l.proxy)
	l.metrics.RecordAuth(err == nil)
	l.emit(types.LoopEvent{Kind: types.EventAuth, Success: err == nil, Err: err})
	if err != nil {
		if ctx.Err() != nil {
			return l.terminate(ReasonCancelled, false, ctx.Err())
		}
		return l.terminate(ReasonAuthFailed, l.proxy != "" && proxyAttributable(err), err)
	}

	l.session = sess
	l.identity = NewIdentity(time.Now())
	l.transition(types.LoopConnected)
	l.logger.WithField("uid", sess.UID).Info("Session authenticated")

	for {
		if ctx.Err() != nil {
			return l.terminate(ReasonCancelled, false, ctx.Err())
		}

		ok, duration, lastErr := l.cycle(ctx)
		if !ok && ctx.Err() != nil {
			return l.terminate(ReasonCancelled, false, ctx.Err())
		}

		if ok {
			l.session.Retries = 0
			l.session.State = types.StateConnected
			l.session.LastPingStatus = "Success"
			l.transition(types.LoopConnected)
		} else {
			l.session.Retries++
			l.session.State = types.StateDisconnected
			l.session.LastPingStatus = "Failed"
			l.transition(types.LoopDisconnected)
			l.logger.WithFields(log.Fields{
				"retries": l.session.Retries,
				"ceiling": l.cfg.RetryCeiling,
			}).Warnf("Ping cycle failed: %v", lastErr)
		}
		l.emit(types.LoopEvent{
			Kind:     types.EventPing,
			Success:  ok,
			Duration: duration,
			Err:      lastErr,
		})

		if l.session.Retries > l.cfg.RetryCeiling {
			return l.terminate(ReasonRetries, l.proxy != "", lastErr)
		}

		if !Sleep(ctx, l.cfg.Interval) {
			return l.terminate(ReasonCancelled, false, ctx.Err())
		}
	}
}

// cycle tries each ping URL in order and stops at the first success
func (l *Loop) cycle(ctx context.Context) (bool, time.Duration, error) {
	start := time.Now()
	payload := session.PingPayload{
		ID:        l.session.UID,
		BrowserID: l.identity,
		Timestamp: start.Unix(),
	}

	var lastErr error
	ok := false
	for _, url := range l.cfg.PingURLs {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		err := l.client.Ping(ctx, url, l.cred, l.proxy, payload)
		if err == nil {
			ok = true
			break
		}
		lastErr = err
		l.logger.WithField("url", url).Debugf("Ping attempt failed: %v", err)
	}

	now := time.Now()
	duration := now.Sub(start)
	l.cycles++
	l.identity.Record(ok, now)
	l.session.LastPingAt = now
	l.metrics.RecordPing(ok, duration.Seconds())

	return ok, duration, lastErr
}

func (l *Loop) transition(to types.LoopState) {
	if l.state == to {
		return
	}
	l.logger.Debugf("State %s -> %s", l.state, to)
	l.state = to
	l.emit(types.LoopEvent{Kind: types.EventTransition})
}

func (l *Loop) terminate(reason string, evict bool, err error) Result {
	l.transition(types.LoopTerminated)
	l.metrics.LoopFinished(reason)

	// the session dies with the loop; a replacement loop authenticates afresh
	if l.session != nil {
		l.session.Reset()
	}

	entry := l.logger.WithFields(log.Fields{"reason": reason, "evict": evict, "cycles": l.cycles})
	if reason == ReasonCancelled {
		entry.Debug("Heartbeat loop stopped")
	} else {
		entry.Warnf("Heartbeat loop terminated: %v", err)
	}

	return Result{
		Proxy:  l.proxy,
		State:  l.state,
		Evict:  evict,
		Reason: reason,
		Err:    err,
		Cycles: l.cycles,
	}
}

func (l *Loop) emit(ev types.LoopEvent) {
	if l.observer == nil {
		return
	}
	ev.Proxy = string(l.proxy)
	ev.State = l.state
	ev.At = time.Now()
	if l.session != nil {
		ev.Retries = l.session.Retries
	}
	if l.identity != nil {
		ev.PingCount = l.identity.PingCount
		ev.SuccessfulPings = l.identity.SuccessfulPings
	}
	l.observer(ev)
}

func proxyAttributable(err error) bool {
	var authErr *session.AuthError
	if errors.As(err, &authErr) {
		return authErr.ProxyAttributable()
	}
	return true
}

// Sleep waits d or until ctx is done; it reports whether the full wait elapsed
func Sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
