// Package consumerwire defines the wire format spoken between the broker and
// its consumers over WebSocket: newline-delimited JSON objects discriminated
// by a type field, wrapped in a sequenced envelope on the outbound side.
package consumerwire

import (
	"encoding/json"
	"fmt"
)

// Inbound message types (closed set).
const (
	InUserMessage         = "user_message"
	InPermissionResponse  = "permission_response"
	InInterrupt           = "interrupt"
	InSetModel            = "set_model"
	InSetPermissionMode   = "set_permission_mode"
	InPresenceQuery       = "presence_query"
	InSlashCommand        = "slash_command"
	InSetAdapter          = "set_adapter"
	InQueueMessage        = "queue_message"
	InUpdateQueuedMessage = "update_queued_message"
	InCancelQueuedMessage = "cancel_queued_message"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Inbound is a consumer-originated frame. Type determines which fields are
// meaningful; Validate enforces the schema.
type Inbound struct {
	Type string `json:"type"`

	// user_message / queue_message / update_queued_message
	Content   string   `json:"content,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Images    []string `json:"images,omitempty"`

	// permission_response
	RequestID          string           `json:"request_id,omitempty"`
	Behavior           string           `json:"behavior,omitempty"`
	UpdatedInput       map[string]any   `json:"updated_input,omitempty"`
	UpdatedPermissions []map[string]any `json:"updated_permissions,omitempty"`
	Message            string           `json:"message,omitempty"`

	// set_model
	Model string `json:"model,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`

	// slash_command
	Command string `json:"command,omitempty"`

	// set_adapter
	Adapter string `json:"adapter,omitempty"`
}

// ParseInbound decodes and validates one inbound frame.
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the frame against the inbound schema.
func (m *Inbound) Validate() error {
	switch m.Type {
	case InUserMessage, InQueueMessage, InUpdateQueuedMessage:
		if m.Content == "" {
			return fmt.Errorf("%s requires content", m.Type)
		}
	case InPermissionResponse:
		if m.RequestID == "" {
			return fmt.Errorf("permission_response requires request_id")
		}
		if m.Behavior != BehaviorAllow && m.Behavior != BehaviorDeny {
			return fmt.Errorf("permission_response behavior must be allow or deny, got %q", m.Behavior)
		}
	case InSetModel:
		if m.Model == "" {
			return fmt.Errorf("set_model requires model")
		}
	case InSetPermissionMode:
		if m.Mode == "" {
			return fmt.Errorf("set_permission_mode requires mode")
		}
	case InSlashCommand:
		if m.Command == "" {
			return fmt.Errorf("slash_command requires command")
		}
	case InSetAdapter:
		if m.Adapter == "" {
			return fmt.Errorf("set_adapter requires adapter")
		}
	case InInterrupt, InPresenceQuery, InCancelQueuedMessage:
		// No required fields.
	case "":
		return fmt.Errorf("missing type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
