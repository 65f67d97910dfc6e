package claude

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/unified"
	streamjson "github.com/beamcode/beamcode/pkg/claudecode"
)

func TestSystemInitToUnified(t *testing.T) {
	msg := &streamjson.CLIMessage{
		Type:           streamjson.MessageTypeSystem,
		Subtype:        "init",
		SessionID:      "sess-1",
		Model:          "claude-opus-4",
		Cwd:            "/work",
		PermissionMode: "default",
		Tools:          []string{"Bash"},
		SlashCommands:  []string{"compact"},
	}

	out := toUnified(msg)
	require.NotNil(t, out)
	assert.Equal(t, unified.TypeSessionInit, out.Type)
	assert.Equal(t, "claude-opus-4", out.MetaString(unified.MetaModel))
	assert.Equal(t, "/work", out.MetaString(unified.MetaCwd))
	assert.Equal(t, []string{"compact"}, out.MetaStrings(unified.MetaSlashCommands))
}

func TestSystemStatusToUnified(t *testing.T) {
	msg := &streamjson.CLIMessage{
		Type:          streamjson.MessageTypeSystem,
		SessionStatus: "compacting",
	}
	out := toUnified(msg)
	require.NotNil(t, out)
	assert.Equal(t, unified.TypeStatusChange, out.Type)
	assert.True(t, out.MetaBool(unified.MetaIsCompacting))

	// System lines with neither init nor status are dropped.
	assert.Nil(t, toUnified(&streamjson.CLIMessage{Type: streamjson.MessageTypeSystem, Subtype: "noise"}))
}

func TestAssistantToUnified(t *testing.T) {
	msg := &streamjson.CLIMessage{
		Type: streamjson.MessageTypeAssistant,
		Message: &streamjson.AssistantMessage{
			Role: "assistant",
			Content: []streamjson.ContentBlock{
				{Type: "text", Text: "hello"},
				{Type: "tool_use", ID: "tu1", Name: "Bash", Input: map[string]any{"command": "ls"}},
			},
		},
	}
	out := toUnified(msg)
	require.NotNil(t, out)
	assert.Equal(t, unified.TypeAssistant, out.Type)
	assert.Equal(t, unified.RoleAssistant, out.Role)
	require.Len(t, out.Content, 2)
	assert.Equal(t, "hello", out.Content[0].Text)
	assert.Equal(t, "Bash", out.Content[1].Name)
}

func TestResultToUnified(t *testing.T) {
	window := int64(200_000)
	msg := &streamjson.CLIMessage{
		Type:       streamjson.MessageTypeResult,
		CostUSD:    0.12,
		NumTurns:   3,
		DurationMS: 4200,
		Result:     json.RawMessage(`"done"`),
		ModelUsage: map[string]streamjson.ModelUsageStats{
			"claude-opus-4": {InputTokens: 1000, OutputTokens: 500, ContextWindow: &window},
		},
	}
	out := toUnified(msg)
	require.NotNil(t, out)
	assert.Equal(t, unified.TypeResult, out.Type)
	assert.Equal(t, 0.12, out.MetaFloat(unified.MetaCostUSD))
	usage := out.MetaModelUsageMap()
	require.Contains(t, usage, "claude-opus-4")
	assert.Equal(t, int64(200_000), usage["claude-opus-4"].ContextWindow)
	assert.Equal(t, "done", out.Text())
}

func TestErrorResultCarriesError(t *testing.T) {
	msg := &streamjson.CLIMessage{
		Type:    streamjson.MessageTypeResult,
		IsError: true,
		Result:  json.RawMessage(`"model overloaded"`),
	}
	out := toUnified(msg)
	require.NotNil(t, out)
	assert.True(t, out.MetaBool(unified.MetaIsError))
	assert.Equal(t, "model overloaded", out.MetaString(unified.MetaError))
}

func TestPermissionRequestTranslation(t *testing.T) {
	out := permissionRequest("req-1", &streamjson.ControlRequest{
		Subtype:   streamjson.SubtypeCanUseTool,
		ToolName:  "Bash",
		ToolUseID: "tu9",
		Input:     map[string]any{"command": "rm -rf /tmp/x"},
	})
	assert.Equal(t, unified.TypePermissionRequest, out.Type)
	assert.Equal(t, "req-1", out.MetaString(unified.MetaRequestID))
	assert.Equal(t, "Bash", out.MetaString(unified.MetaToolName))
}

func TestPermissionResponseEchoesRequestID(t *testing.T) {
	msg := unified.NewMessage(unified.TypePermissionResponse, unified.RoleUser)
	msg.SetMeta(unified.MetaRequestID, "req-1")
	msg.SetMeta(unified.MetaBehavior, "deny")
	msg.SetMeta(unified.MetaMessage, "not allowed")

	resp := permissionResponse(msg)
	assert.Equal(t, "req-1", resp.RequestID)
	require.NotNil(t, resp.Response.Result)
	assert.Equal(t, "deny", resp.Response.Result.Behavior)
	assert.Equal(t, "not allowed", resp.Response.Result.Message)
}

func TestUserContentShapes(t *testing.T) {
	text := unified.TextMessage(unified.TypeUserMessage, unified.RoleUser, "hi")
	assert.Equal(t, "hi", userContent(text))

	mixed := unified.NewMessage(unified.TypeUserMessage, unified.RoleUser)
	mixed.Content = []unified.ContentBlock{
		{Type: unified.BlockText, Text: "see image"},
		{Type: unified.BlockImage, Source: "aGVsbG8="},
	}
	blocks, ok := userContent(mixed).([]map[string]any)
	require.True(t, ok)
	assert.Len(t, blocks, 2)
}
