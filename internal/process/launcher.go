package process

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
)

// SpawnRecord is the per-session spawn metadata the launcher keeps.
type SpawnRecord struct {
	SessionID string
	Binary    string
	Args      []string
	Cwd       string
	PID       int
	SpawnedAt time.Time
}

// Launcher spawns child CLIs for sessions, records spawn metadata, and fires
// process domain events.
type Launcher struct {
	manager   Manager
	eventBus  bus.EventBus
	killGrace time.Duration
	logger    *logger.Logger

	mu      sync.Mutex
	records map[string]*SpawnRecord
	handles map[string]Handle
}

// NewLauncher creates a launcher over the given process manager.
func NewLauncher(manager Manager, eventBus bus.EventBus, killGrace time.Duration, log *logger.Logger) *Launcher {
	return &Launcher{
		manager:   manager,
		eventBus:  eventBus,
		killGrace: killGrace,
		logger:    log.WithFields(zap.String("component", "launcher")),
		records:   make(map[string]*SpawnRecord),
		handles:   make(map[string]Handle),
	}
}

// Launch spawns a child for the session and watches for its exit. A previous
// child for the same session is killed first.
func (l *Launcher) Launch(ctx context.Context, sessionID string, spec Spec) (Handle, error) {
	l.mu.Lock()
	if old, ok := l.handles[sessionID]; ok {
		delete(l.handles, sessionID)
		l.mu.Unlock()
		_ = old.Kill(l.killGrace)
		l.mu.Lock()
	}
	l.mu.Unlock()

	handle, err := l.manager.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}

	record := &SpawnRecord{
		SessionID: sessionID,
		Binary:    spec.Binary,
		Args:      spec.Args,
		Cwd:       spec.Cwd,
		PID:       handle.PID(),
		SpawnedAt: time.Now(),
	}
	l.mu.Lock()
	l.records[sessionID] = record
	l.handles[sessionID] = handle
	l.mu.Unlock()

	l.publish(ctx, events.ProcessSpawned, sessionID, map[string]any{
		"pid":    handle.PID(),
		"binary": spec.Binary,
	})

	go l.watchExit(sessionID, handle)
	return handle, nil
}

func (l *Launcher) watchExit(sessionID string, handle Handle) {
	<-handle.Exited()
	status := handle.ExitStatus()

	l.mu.Lock()
	if l.handles[sessionID] == handle {
		delete(l.handles, sessionID)
	}
	l.mu.Unlock()

	l.publish(context.Background(), events.ProcessExited, sessionID, map[string]any{
		"exit_code": status.Code,
		"uptime_ms": status.UptimeMS,
	})
}

// Kill terminates the session's child, if any.
func (l *Launcher) Kill(sessionID string) {
	l.mu.Lock()
	handle, ok := l.handles[sessionID]
	l.mu.Unlock()
	if ok {
		_ = handle.Kill(l.killGrace)
	}
}

// KillAll terminates every tracked child. Used at shutdown.
func (l *Launcher) KillAll() {
	l.mu.Lock()
	handles := make([]Handle, 0, len(l.handles))
	for _, h := range l.handles {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	for _, h := range handles {
		_ = h.Kill(l.killGrace)
	}
}

// Record returns the spawn metadata for a session, if any.
func (l *Launcher) Record(sessionID string) (*SpawnRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[sessionID]
	return record, ok
}

// IsAlive reports whether the session's last spawned child is still running.
func (l *Launcher) IsAlive(sessionID string) bool {
	l.mu.Lock()
	record, ok := l.records[sessionID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	return l.manager.IsAlive(record.PID)
}

func (l *Launcher) publish(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if l.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "launcher", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := l.eventBus.Publish(ctx, subject, event); err != nil {
		l.logger.Warn("failed to publish process event",
			zap.String("event", eventType),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}
