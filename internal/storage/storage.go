// Package storage persists session snapshots and owns the live session map.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

// SchemaVersion is written into every persisted session file. Files with a
// newer version than the running broker understands are skipped on restore.
const SchemaVersion = 1

// PersistedPermission is one pendingPermissions entry, serialized as an
// [id, request] pair so the unique-key mapping survives the round trip.
type PersistedPermission struct {
	ID      string
	Request *session.PermissionRequest
}

// MarshalJSON encodes the entry as a two-element array.
func (p PersistedPermission) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.ID, p.Request})
}

// UnmarshalJSON decodes the two-element array form.
func (p *PersistedPermission) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("permission entry must be an [id, request] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &p.Request)
}

// PersistedSession is the on-disk snapshot of one session: the reduced state
// plus the runtime collections a restart must not lose (replay history,
// buffered user messages, undecided permission requests).
type PersistedSession struct {
	State              *session.State            `json:"state"`
	AdapterName        string                    `json:"adapter_name"`
	Archived           bool                      `json:"archived"`
	MessageHistory     []*consumerwire.Sequenced `json:"message_history,omitempty"`
	PendingMessages    []string                  `json:"pending_messages,omitempty"`
	PendingPermissions []PersistedPermission     `json:"pending_permissions,omitempty"`
	SchemaVersion      int                       `json:"schema_version"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

// SessionStorage is the pluggable persistence backend.
type SessionStorage interface {
	Save(sessionID string, record *PersistedSession) error
	Load(sessionID string) (*PersistedSession, error)
	LoadAll() ([]*PersistedSession, error)
	Remove(sessionID string) error
}
