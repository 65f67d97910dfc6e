package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

// failureWindow tracks recent relaunch failures for the circuit breaker.
type failureWindow struct {
	count int
	first time.Time
}

// ReconnectPolicy relaunches the backend after an unexpected disconnect. It
// waits out a grace period (the CLI often reconnects on its own), then
// reattaches through the connector. Repeated failures within the recovery
// window trip a breaker that stops further attempts.
type ReconnectPolicy struct {
	connector *Connector
	grace     time.Duration
	threshold int
	recovery  time.Duration
	logger    *logger.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	failures map[string]*failureWindow
}

// NewReconnectPolicy creates the policy and hooks it into the connector.
func NewReconnectPolicy(connector *Connector, grace time.Duration, threshold int, recovery time.Duration, log *logger.Logger) *ReconnectPolicy {
	p := &ReconnectPolicy{
		connector: connector,
		grace:     grace,
		threshold: threshold,
		recovery:  recovery,
		logger:    log.WithFields(zap.String("component", "reconnect")),
		timers:    make(map[string]*time.Timer),
		failures:  make(map[string]*failureWindow),
	}
	connector.SetDisconnectHook(p.OnDisconnect)
	return p
}

// OnDisconnect schedules a reconnect attempt after the grace period.
func (p *ReconnectPolicy) OnDisconnect(sess *session.Session) {
	if sess.Closed() || p.grace <= 0 {
		return
	}

	p.mu.Lock()
	if timer, ok := p.timers[sess.ID()]; ok {
		timer.Stop()
	}
	p.timers[sess.ID()] = time.AfterFunc(p.grace, func() {
		p.attempt(sess, false)
	})
	p.mu.Unlock()
}

// WatchRestored arms a relaunch watchdog for sessions restored without a
// backend. Consumers are told the session is being watched; when the grace
// period passes without the CLI reattaching, the backend is relaunched even
// with nobody connected, so restored work resumes unattended.
func (p *ReconnectPolicy) WatchRestored(sessions []*session.Session) {
	if p.grace <= 0 {
		return
	}
	for _, sess := range sessions {
		if sess.Closed() || sess.Archived() || sess.Backend() != nil {
			continue
		}
		payload := consumerwire.NewPayload(consumerwire.OutStatusChange)
		payload["status"] = "watchdog"
		payload["grace_period_ms"] = p.grace.Milliseconds()
		p.connector.broadcaster.Broadcast(sess, payload)

		p.mu.Lock()
		if timer, ok := p.timers[sess.ID()]; ok {
			timer.Stop()
		}
		p.timers[sess.ID()] = time.AfterFunc(p.grace, func() {
			p.attempt(sess, true)
		})
		p.mu.Unlock()
		p.logger.Info("watchdog armed for restored session",
			zap.String("session_id", sess.ID()),
			zap.Duration("grace", p.grace))
	}
}

// Cancel drops the scheduled attempt and clears the failure window. Called
// when the session closes or the backend reattaches on its own.
func (p *ReconnectPolicy) Cancel(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timer, ok := p.timers[sessionID]; ok {
		timer.Stop()
		delete(p.timers, sessionID)
	}
	delete(p.failures, sessionID)
}

func (p *ReconnectPolicy) attempt(sess *session.Session, force bool) {
	p.mu.Lock()
	delete(p.timers, sess.ID())
	p.mu.Unlock()

	if sess.Closed() || sess.Archived() || sess.Backend() != nil {
		return
	}
	if !force && sess.ConsumerCount() == 0 {
		// Nobody is watching; the next consumer join reattaches.
		return
	}
	if p.tripped(sess.ID()) {
		p.logger.Warn("relaunch breaker open, giving up", zap.String("session_id", sess.ID()))
		payload := newErrorPayload(consumerwire.OutError, "backend keeps failing, not relaunching")
		payload["kind"] = "RELAUNCH_SUPPRESSED"
		p.connector.broadcaster.Broadcast(sess, payload)
		return
	}

	p.logger.Info("relaunching backend", zap.String("session_id", sess.ID()))
	err := p.connector.Connect(context.Background(), sess, adapter.ConnectOptions{
		SessionID: sess.ID(),
		Resume:    true,
	})
	if err != nil {
		p.recordFailure(sess.ID())
		p.OnDisconnect(sess)
		return
	}
	p.Cancel(sess.ID())
}

// tripped reports whether the breaker is open for the session.
func (p *ReconnectPolicy) tripped(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.failures[sessionID]
	if !ok {
		return false
	}
	if time.Since(w.first) > p.recovery {
		delete(p.failures, sessionID)
		return false
	}
	return w.count >= p.threshold
}

func (p *ReconnectPolicy) recordFailure(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.failures[sessionID]
	if !ok || time.Since(w.first) > p.recovery {
		p.failures[sessionID] = &failureWindow{count: 1, first: time.Now()}
		return
	}
	w.count++
}

// IdlePolicy reaps sessions with no consumers and no recent traffic. A zero
// timeout disables the reaper.
type IdlePolicy struct {
	repo     *storage.Repository
	timeout  time.Duration
	interval time.Duration
	closer   func(sess *session.Session)
	logger   *logger.Logger
}

// NewIdlePolicy creates the policy. closer runs for each reaped session.
func NewIdlePolicy(repo *storage.Repository, timeout, interval time.Duration, closer func(sess *session.Session), log *logger.Logger) *IdlePolicy {
	return &IdlePolicy{
		repo:     repo,
		timeout:  timeout,
		interval: interval,
		closer:   closer,
		logger:   log.WithFields(zap.String("component", "idle-reaper")),
	}
}

// Run sweeps periodically until the context ends.
func (p *IdlePolicy) Run(ctx context.Context) {
	if p.timeout <= 0 || p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *IdlePolicy) sweep() {
	for _, sess := range p.repo.All() {
		if sess.Closed() || sess.ConsumerCount() > 0 {
			continue
		}
		if time.Since(sess.LastActivity()) < p.timeout {
			continue
		}
		p.logger.Info("reaping idle session",
			zap.String("session_id", sess.ID()),
			zap.Time("last_activity", sess.LastActivity()))
		p.closer(sess)
	}
}
