package storage

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
)

// Repository owns the live session map and schedules persistence. Saves are
// debounced per session; SaveSync flushes immediately and is used at
// lifecycle transitions.
type Repository struct {
	storage  SessionStorage
	limits   session.Limits
	maxLive  int
	debounce time.Duration
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	timers   map[string]*time.Timer
	closed   bool
}

// NewRepository creates a repository over the given storage backend.
func NewRepository(storage SessionStorage, limits session.Limits, maxLive int, debounce time.Duration, log *logger.Logger) *Repository {
	return &Repository{
		storage:  storage,
		limits:   limits,
		maxLive:  maxLive,
		debounce: debounce,
		logger:   log.WithFields(zap.String("component", "session-repository")),
		sessions: make(map[string]*session.Session),
		timers:   make(map[string]*time.Timer),
	}
}

// Get returns the live session for id, if any.
func (r *Repository) Get(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the live session for id, creating it when absent.
// Creation happens under the map lock so two concurrent callers with the
// same id always observe the same session.
func (r *Repository) GetOrCreate(id, adapterName string) (*session.Session, bool, error) {
	if !session.ValidID(id) {
		return nil, false, apperrors.InvalidPath(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}
	if r.maxLive > 0 && len(r.sessions) >= r.maxLive {
		return nil, false, apperrors.MaxSessionsReached(r.maxLive)
	}
	s := session.New(id, adapterName, r.limits)
	r.sessions[id] = s
	return s, true, nil
}

// All returns a snapshot of all live sessions.
func (r *Repository) All() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Repository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove drops the session from the map and deletes its persisted snapshot.
func (r *Repository) Remove(id string) error {
	r.mu.Lock()
	delete(r.sessions, id)
	if timer, ok := r.timers[id]; ok {
		timer.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()
	return r.storage.Remove(id)
}

// Save schedules a debounced write of the session. Repeated calls within the
// debounce window coalesce into one write.
func (r *Repository) Save(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	id := s.ID()
	if timer, ok := r.timers[id]; ok {
		timer.Reset(r.debounce)
		return
	}
	r.timers[id] = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		r.write(s)
	})
}

// SaveSync writes the session immediately, cancelling any pending debounce.
func (r *Repository) SaveSync(s *session.Session) error {
	r.mu.Lock()
	if timer, ok := r.timers[s.ID()]; ok {
		timer.Stop()
		delete(r.timers, s.ID())
	}
	r.mu.Unlock()
	return r.write(s)
}

func (r *Repository) write(s *session.Session) error {
	pending := s.PendingPermissions()
	permissions := make([]PersistedPermission, 0, len(pending))
	for _, req := range pending {
		permissions = append(permissions, PersistedPermission{ID: req.RequestID, Request: req})
	}
	record := &PersistedSession{
		State:              s.State(),
		AdapterName:        s.AdapterName(),
		Archived:           s.Archived(),
		MessageHistory:     s.HistorySince(0),
		PendingMessages:    s.PendingMessages(),
		PendingPermissions: permissions,
		SchemaVersion:      SchemaVersion,
		UpdatedAt:          time.Now(),
	}
	if err := r.storage.Save(s.ID(), record); err != nil {
		r.logger.Error("failed to persist session", zap.String("session_id", s.ID()), zap.Error(err))
		return err
	}
	return nil
}

// RestoreAll loads persisted sessions into the map. Sessions already live
// are not overwritten. Returns the restored sessions.
func (r *Repository) RestoreAll() ([]*session.Session, error) {
	records, err := r.storage.LoadAll()
	if err != nil {
		return nil, err
	}

	var restored []*session.Session
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range records {
		if record.State == nil || !session.ValidID(record.State.ID) {
			continue
		}
		if record.SchemaVersion > SchemaVersion {
			r.logger.Warn("skipping session persisted by a newer version",
				zap.String("session_id", record.State.ID),
				zap.Int("schema_version", record.SchemaVersion))
			continue
		}
		id := record.State.ID
		if _, live := r.sessions[id]; live {
			continue
		}
		s := session.Restore(record.State, record.AdapterName, record.Archived, r.limits)
		s.RestoreHistory(record.MessageHistory)
		for _, content := range record.PendingMessages {
			s.PushPendingMessage(content)
		}
		for _, entry := range record.PendingPermissions {
			if entry.Request != nil && entry.Request.RequestID == entry.ID {
				s.AddPendingPermission(entry.Request)
			}
		}
		r.sessions[id] = s
		restored = append(restored, s)
	}
	if len(restored) > 0 {
		r.logger.Info("restored persisted sessions", zap.Int("count", len(restored)))
	}
	return restored, nil
}

// Close flushes every pending debounced save and stops scheduling new ones.
func (r *Repository) Close() {
	r.mu.Lock()
	r.closed = true
	pending := make([]string, 0, len(r.timers))
	for id, timer := range r.timers {
		timer.Stop()
		pending = append(pending, id)
	}
	r.timers = make(map[string]*time.Timer)
	sessions := make([]*session.Session, 0, len(pending))
	for _, id := range pending {
		if s, ok := r.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.write(s)
	}
}
