// Package claudecode implements the Claude Code CLI stream-json protocol:
// newline-delimited JSON frames carrying streaming messages in one
// direction and control request/response exchanges in both.
package claudecode

import "encoding/json"

// Frame types.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeStreamEvent     = "stream_event"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes. can_use_tool arrives from the CLI; the rest are
// sent to it.
const (
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInitialize        = "initialize"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
	SubtypeSetModel          = "set_model"
)

// Permission decision behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// CLIMessage is one decoded frame. Which fields are set depends on Type;
// the zero values of the rest are meaningless.
type CLIMessage struct {
	Type string `json:"type"`

	// control_request frames
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response frames carry their request id inside Response
	Response *IncomingControlResponse `json:"response,omitempty"`

	// system frames
	SessionID      string   `json:"session_id,omitempty"`
	SessionStatus  string   `json:"session_status,omitempty"`
	Subtype        string   `json:"subtype,omitempty"`
	Model          string   `json:"model,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	MCPServers     []any    `json:"mcp_servers,omitempty"`
	SlashCommands  []string `json:"slash_commands,omitempty"`
	Skills         []string `json:"skills,omitempty"`

	// assistant and user frames
	Message *AssistantMessage `json:"message,omitempty"`

	// stream_event frames
	Event map[string]any `json:"event,omitempty"`

	// result frames. Result is a bare string on errors and an object
	// otherwise, hence the RawMessage.
	Result        json.RawMessage            `json:"result,omitempty"`
	CostUSD       float64                    `json:"total_cost_usd,omitempty"`
	DurationMS    int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS int64                      `json:"duration_api_ms,omitempty"`
	IsError       bool                       `json:"is_error,omitempty"`
	NumTurns      int                        `json:"num_turns,omitempty"`
	Usage         *Usage                     `json:"usage,omitempty"`
	ModelUsage    map[string]ModelUsageStats `json:"modelUsage,omitempty"`

	// RawContent holds the undecoded line for callers that need fields this
	// struct does not model.
	RawContent json.RawMessage `json:"-"`
}

// AssistantMessage is the message body of assistant and user frames.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one element of a message body. Type selects which field
// group applies: text, thinking, tool_use, or tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking string `json:"thinking,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage is the token accounting attached to assistant and result frames.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats is per-model accounting on result frames.
type ModelUsageStats struct {
	InputTokens   int64  `json:"inputTokens,omitempty"`
	OutputTokens  int64  `json:"outputTokens,omitempty"`
	ContextWindow *int64 `json:"contextWindow,omitempty"`
}

// GetResultString returns Result when it is a bare string, "" otherwise.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest is the body of a CLI-originated control request.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool fields
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// Rule updates the CLI proposes alongside the permission ask.
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate is one proposed or applied permission rule change.
type PermissionUpdate struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Allow   bool   `json:"allow"`
}

// ControlResponseMessage answers a CLI-originated control request.
type ControlResponseMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response body. Subtype is success or error.
type ControlResponse struct {
	Subtype string `json:"subtype"`

	Result *PermissionResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// PermissionResult carries the decision for a can_use_tool request.
type PermissionResult struct {
	Behavior           string             `json:"behavior"`
	UpdatedInput       any                `json:"updatedInput,omitempty"`
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`
	Message            string             `json:"message,omitempty"`
	Interrupt          *bool              `json:"interrupt,omitempty"`
}

// IncomingControlResponse is a CLI response to a request this side sent,
// such as the initialize answer.
type IncomingControlResponse struct {
	Subtype   string                  `json:"subtype"`
	RequestID string                  `json:"request_id"`
	Error     string                  `json:"error,omitempty"`
	Response  *InitializeResponseData `json:"response,omitempty"`
}

// InitializeResponseData is what the CLI advertises during the initialize
// exchange.
type InitializeResponseData struct {
	Commands []AvailableCommand `json:"commands,omitempty"`
	Models   []ModelInfo        `json:"models,omitempty"`
	Account  *AccountInfo       `json:"account,omitempty"`
}

// AvailableCommand is one slash command the CLI reports.
type AvailableCommand struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// ModelInfo is one selectable model.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// AccountInfo identifies the authenticated account.
type AccountInfo struct {
	Email        string `json:"email,omitempty"`
	Organization string `json:"organization,omitempty"`
	Subscription string `json:"subscription,omitempty"`
}

// SDKControlRequest is a control request sent to the CLI.
type SDKControlRequest struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody selects the operation by Subtype; Mode and Model
// apply to set_permission_mode and set_model respectively.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`

	Mode string `json:"mode,omitempty"`

	Model string `json:"model,omitempty"`
}

// UserMessage delivers a prompt to the CLI.
type UserMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   UserMessageBody `json:"message"`
}

// UserMessageBody wraps the prompt content, a string or a block list.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}
