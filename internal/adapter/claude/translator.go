package claude

import (
	"github.com/beamcode/beamcode/internal/unified"
	streamjson "github.com/beamcode/beamcode/pkg/claudecode"
)

// toUnified maps one stream-json line to its unified form. Returns nil for
// lines that carry nothing consumers or the reducer care about.
func toUnified(msg *streamjson.CLIMessage) *unified.Message {
	switch msg.Type {
	case streamjson.MessageTypeSystem:
		return systemToUnified(msg)
	case streamjson.MessageTypeAssistant:
		return chatToUnified(unified.TypeAssistant, unified.RoleAssistant, msg)
	case streamjson.MessageTypeUser:
		return chatToUnified(unified.TypeUserMessage, unified.RoleUser, msg)
	case streamjson.MessageTypeStreamEvent:
		out := unified.NewMessage(unified.TypeStreamEvent, unified.RoleAssistant)
		out.SetMeta(unified.MetaEvent, msg.Event)
		out.SetMeta(unified.MetaSessionID, msg.SessionID)
		return out
	case streamjson.MessageTypeResult:
		return resultToUnified(msg)
	default:
		return nil
	}
}

func systemToUnified(msg *streamjson.CLIMessage) *unified.Message {
	if msg.Subtype == "init" {
		out := unified.NewMessage(unified.TypeSessionInit, unified.RoleSystem)
		out.SetMeta(unified.MetaSessionID, msg.SessionID)
		out.SetMeta(unified.MetaModel, msg.Model)
		out.SetMeta(unified.MetaCwd, msg.Cwd)
		out.SetMeta(unified.MetaPermissionMode, msg.PermissionMode)
		out.SetMeta(unified.MetaTools, msg.Tools)
		out.SetMeta(unified.MetaMCPServers, msg.MCPServers)
		out.SetMeta(unified.MetaSlashCommands, msg.SlashCommands)
		out.SetMeta(unified.MetaSkills, msg.Skills)
		return out
	}
	if msg.SessionStatus != "" {
		out := unified.NewMessage(unified.TypeStatusChange, unified.RoleSystem)
		out.SetMeta(unified.MetaStatus, msg.SessionStatus)
		out.SetMeta(unified.MetaIsCompacting, msg.SessionStatus == "compacting")
		return out
	}
	return nil
}

func chatToUnified(msgType unified.MessageType, role unified.Role, msg *streamjson.CLIMessage) *unified.Message {
	if msg.Message == nil {
		return nil
	}
	out := unified.NewMessage(msgType, role)
	out.SetMeta(unified.MetaSessionID, msg.SessionID)
	if msg.Message.Model != "" {
		out.SetMeta(unified.MetaModel, msg.Message.Model)
	}
	out.Content = toUnifiedBlocks(msg.Message.Content)
	return out
}

func toUnifiedBlocks(blocks []streamjson.ContentBlock) []unified.ContentBlock {
	out := make([]unified.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, unified.ContentBlock{
			Type:      b.Type,
			Text:      b.Text,
			Thinking:  b.Thinking,
			ID:        b.ID,
			Name:      b.Name,
			Input:     b.Input,
			ToolUseID: b.ToolUseID,
			Content:   b.Content,
			IsError:   b.IsError,
		})
	}
	return out
}

func resultToUnified(msg *streamjson.CLIMessage) *unified.Message {
	out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
	out.SetMeta(unified.MetaSessionID, msg.SessionID)
	out.SetMeta(unified.MetaCostUSD, msg.CostUSD)
	out.SetMeta(unified.MetaNumTurns, float64(msg.NumTurns))
	out.SetMeta(unified.MetaDurationMS, float64(msg.DurationMS))
	out.SetMeta(unified.MetaDurationAPIMS, float64(msg.DurationAPIMS))
	out.SetMeta(unified.MetaIsError, msg.IsError)
	if msg.IsError {
		out.SetMeta(unified.MetaError, msg.GetResultString())
	}
	if len(msg.ModelUsage) > 0 {
		usage := make(map[string]unified.ModelUsage, len(msg.ModelUsage))
		for model, stats := range msg.ModelUsage {
			mu := unified.ModelUsage{
				InputTokens:  stats.InputTokens,
				OutputTokens: stats.OutputTokens,
			}
			if stats.ContextWindow != nil {
				mu.ContextWindow = *stats.ContextWindow
			}
			usage[model] = mu
		}
		out.SetMeta(unified.MetaModelUsage, usage)
	}
	if text := msg.GetResultString(); text != "" && !msg.IsError {
		out.Content = []unified.ContentBlock{{Type: unified.BlockText, Text: text}}
	}
	return out
}

func permissionRequest(requestID string, req *streamjson.ControlRequest) *unified.Message {
	out := unified.NewMessage(unified.TypePermissionRequest, unified.RoleTool)
	out.SetMeta(unified.MetaRequestID, requestID)
	out.SetMeta(unified.MetaToolName, req.ToolName)
	out.SetMeta(unified.MetaToolCallID, req.ToolUseID)
	out.SetMeta(unified.MetaToolInput, req.Input)
	return out
}

func controlResponse(resp *streamjson.IncomingControlResponse) *unified.Message {
	out := unified.NewMessage(unified.TypeControlResponse, unified.RoleSystem)
	out.SetMeta(unified.MetaRequestID, resp.RequestID)
	out.SetMeta(unified.MetaSubtype, resp.Subtype)
	if resp.Error != "" {
		out.SetMeta(unified.MetaError, resp.Error)
	}
	if resp.Response != nil {
		out.SetMeta(unified.MetaCapabilities, resp.Response)
	}
	return out
}

// syntheticDisconnect is emitted when the transport drops without a close.
func syntheticDisconnect() *unified.Message {
	out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
	out.SetMeta(unified.MetaIsError, true)
	out.SetMeta(unified.MetaError, "backend transport lost")
	out.SetMeta(unified.MetaStatus, "failed")
	return out
}

// userContent converts unified content blocks to the stream-json user
// message content shape: a bare string when the message is text-only.
func userContent(msg *unified.Message) any {
	textOnly := true
	for _, b := range msg.Content {
		if b.Type != unified.BlockText {
			textOnly = false
			break
		}
	}
	if textOnly {
		return msg.Text()
	}

	blocks := make([]map[string]any, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch b.Type {
		case unified.BlockText:
			blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
		case unified.BlockImage:
			blocks = append(blocks, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "base64", "media_type": "image/png", "data": b.Source},
			})
		}
	}
	return blocks
}

// permissionResponse builds the control_response echoing the pending request
// id.
func permissionResponse(msg *unified.Message) *streamjson.ControlResponseMessage {
	behavior := msg.MetaString(unified.MetaBehavior)
	result := &streamjson.PermissionResult{Behavior: behavior}
	if behavior == streamjson.BehaviorDeny {
		result.Message = msg.MetaString(unified.MetaMessage)
	}
	if msg.Metadata != nil {
		if updated, ok := msg.Metadata[unified.MetaUpdatedInput]; ok {
			result.UpdatedInput = updated
		}
	}
	return &streamjson.ControlResponseMessage{
		Type:      streamjson.MessageTypeControlResponse,
		RequestID: msg.MetaString(unified.MetaRequestID),
		Response: &streamjson.ControlResponse{
			Subtype: "success",
			Result:  result,
		},
	}
}
