// Package unified defines the canonical internal message envelope every
// backend adapter normalizes to, and the per-session sequencer applied to
// consumer-facing messages.
package unified

// MessageType discriminates UnifiedMessage variants.
type MessageType string

const (
	// Adapter-originated metadata messages
	TypeSessionInit     MessageType = "session_init"
	TypeStatusChange    MessageType = "status_change"
	TypeResult          MessageType = "result"
	TypeControlResponse MessageType = "control_response"

	// Consumer-originated messages
	TypeUserMessage         MessageType = "user_message"
	TypeInterrupt           MessageType = "interrupt"
	TypePermissionResponse  MessageType = "permission_response"
	TypeConfigurationChange MessageType = "configuration_change"

	// Streaming and tool traffic
	TypeAssistant         MessageType = "assistant"
	TypeStreamEvent       MessageType = "stream_event"
	TypePermissionRequest MessageType = "permission_request"
	TypeToolProgress      MessageType = "tool_progress"
)

// Role identifies the producer of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one block of message content. The Type field determines
// which of the remaining fields are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For image blocks (base64 data or URL reference)
	Source string `json:"source,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is the canonical envelope exchanged between adapters and the core.
// Adapters are pure translators: every wire event maps to a Message or is
// dropped; every consumer-originated Message maps to a wire form.
type Message struct {
	Type     MessageType    `json:"type"`
	Role     Role           `json:"role,omitempty"`
	Content  []ContentBlock `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Common metadata keys. Adapters populate these; the reducer and router read
// them. Keys not listed here are adapter-specific hints passed through as-is.
const (
	MetaSessionID          = "session_id"
	MetaModel              = "model"
	MetaCwd                = "cwd"
	MetaPermissionMode     = "permission_mode"
	MetaTools              = "tools"
	MetaMCPServers         = "mcp_servers"
	MetaSlashCommands      = "slash_commands"
	MetaSkills             = "skills"
	MetaStatus             = "status"
	MetaIsCompacting       = "is_compacting"
	MetaIsError            = "is_error"
	MetaError              = "error"
	MetaCostUSD            = "total_cost_usd"
	MetaNumTurns           = "num_turns"
	MetaDurationMS         = "duration_ms"
	MetaDurationAPIMS      = "duration_api_ms"
	MetaLinesAdded         = "lines_added"
	MetaLinesRemoved       = "lines_removed"
	MetaModelUsage         = "model_usage"
	MetaRequestID          = "request_id"
	MetaToolName           = "tool_name"
	MetaToolCallID         = "tool_call_id"
	MetaToolInput          = "input"
	MetaBehavior           = "behavior"
	MetaUpdatedInput       = "updated_input"
	MetaUpdatedPermissions = "updated_permissions"
	MetaMessage            = "message"
	MetaSubtype            = "subtype"
	MetaCapabilities       = "capabilities"
	MetaEvent              = "event"
)

// ModelUsage is per-model token usage attached to result messages under
// MetaModelUsage as a map[string]ModelUsage keyed by model id.
type ModelUsage struct {
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	ContextWindow int64 `json:"context_window,omitempty"`
}

// MetaModelUsageMap returns the typed model-usage map, or nil when absent.
func (m *Message) MetaModelUsageMap() map[string]ModelUsage {
	if m.Metadata == nil {
		return nil
	}
	if usage, ok := m.Metadata[MetaModelUsage].(map[string]ModelUsage); ok {
		return usage
	}
	return nil
}

// NewMessage builds a Message with an initialized metadata map.
func NewMessage(msgType MessageType, role Role) *Message {
	return &Message{
		Type:     msgType,
		Role:     role,
		Metadata: make(map[string]any),
	}
}

// TextMessage builds a message with a single text content block.
func TextMessage(msgType MessageType, role Role, text string) *Message {
	msg := NewMessage(msgType, role)
	msg.Content = []ContentBlock{{Type: BlockText, Text: text}}
	return msg
}

// HasMeta reports whether the metadata key is present.
func (m *Message) HasMeta(key string) bool {
	if m.Metadata == nil {
		return false
	}
	_, ok := m.Metadata[key]
	return ok
}

// MetaString returns a string metadata value, or "" when absent.
func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	if s, ok := m.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// MetaBool returns a bool metadata value, or false when absent.
func (m *Message) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	if b, ok := m.Metadata[key].(bool); ok {
		return b
	}
	return false
}

// MetaFloat returns a numeric metadata value, or 0 when absent. JSON decoding
// produces float64 for all numbers; int values set in-process are converted.
func (m *Message) MetaFloat(key string) float64 {
	if m.Metadata == nil {
		return 0
	}
	switch v := m.Metadata[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// MetaStrings returns a string-slice metadata value. Both []string and
// []any-of-string forms are accepted.
func (m *Message) MetaStrings(key string) []string {
	if m.Metadata == nil {
		return nil
	}
	switch v := m.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SetMeta sets a metadata value, allocating the map if needed.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Text concatenates all text blocks of the message.
func (m *Message) Text() string {
	var out string
	for _, block := range m.Content {
		if block.Type == BlockText {
			out += block.Text
		}
	}
	return out
}

// ConsumerVisible reports whether the message carries consumer-relevant
// content. Control responses are routed to the capabilities policy and never
// broadcast directly.
func (m *Message) ConsumerVisible() bool {
	switch m.Type {
	case TypeControlResponse:
		return false
	case TypeInterrupt, TypePermissionResponse, TypeConfigurationChange:
		return false
	default:
		return true
	}
}
