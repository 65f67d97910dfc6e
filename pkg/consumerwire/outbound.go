package consumerwire

import "encoding/json"

// Outbound message types.
const (
	OutIdentity            = "identity"
	OutSessionInit         = "session_init"
	OutSessionUpdate       = "session_update"
	OutAssistant           = "assistant"
	OutStreamEvent         = "stream_event"
	OutResult              = "result"
	OutPermissionRequest   = "permission_request"
	OutPermissionCancelled = "permission_cancelled"
	OutToolProgress        = "tool_progress"
	OutStatusChange        = "status_change"
	OutError               = "error"
	OutCLIConnected        = "cli_connected"
	OutCLIDisconnected     = "cli_disconnected"
	OutMessageHistory      = "message_history"
	OutPresenceUpdate      = "presence_update"
	OutSlashCommandResult  = "slash_command_result"
	OutSlashCommandError   = "slash_command_error"
	OutCapabilitiesReady   = "capabilities_ready"
	OutQueuedMessage       = "queued_message_set"
	OutQueuedMessageUpdate = "queued_message_updated"
	OutQueuedMessageCancel = "queued_message_cancelled"
	OutUserMessage         = "user_message"
)

// Sequenced is the outbound envelope. Seq is session-global and strictly
// monotonic; MessageID is unique per session.
type Sequenced struct {
	Seq       uint64         `json:"seq"`
	MessageID string         `json:"message_id"`
	Payload   map[string]any `json:"payload"`
}

// PayloadType returns the type discriminator of the wrapped payload.
func (s *Sequenced) PayloadType() string {
	if t, ok := s.Payload["type"].(string); ok {
		return t
	}
	return ""
}

// Encode marshals the envelope followed by a newline, ready for transport.
func (s *Sequenced) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// NewPayload builds an outbound payload with its type discriminator set.
func NewPayload(msgType string) map[string]any {
	return map[string]any{"type": msgType}
}

// criticalTypes is the closed set of message types that are still enqueued
// between a consumer's high-water mark and its hard queue cap.
var criticalTypes = map[string]struct{}{
	OutPermissionRequest:   {},
	OutPermissionCancelled: {},
	OutResult:              {},
	OutSessionInit:         {},
	OutError:               {},
	OutCLIDisconnected:     {},
	OutCLIConnected:        {},
}

// IsCritical reports whether a message type must survive backpressure
// shedding.
func IsCritical(msgType string) bool {
	_, ok := criticalTypes[msgType]
	return ok
}
