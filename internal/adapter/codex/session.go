package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/process"
	"github.com/beamcode/beamcode/internal/unified"
)

// op is the body of one submission written to the child's stdin.
type op struct {
	Type     string         `json:"type"`
	Items    []inputItem    `json:"items,omitempty"`
	Decision string         `json:"decision,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

type inputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type submission struct {
	ID string `json:"id"`
	Op op     `json:"op"`
}

// event is one line read from the child's stdout.
type event struct {
	ID  string   `json:"id"`
	Msg eventMsg `json:"msg"`
}

type eventMsg struct {
	Type             string  `json:"type"`
	SessionID        string  `json:"session_id,omitempty"`
	Model            string  `json:"model,omitempty"`
	Cwd              string  `json:"cwd,omitempty"`
	Message          string  `json:"message,omitempty"`
	Delta            string  `json:"delta,omitempty"`
	LastAgentMessage string  `json:"last_agent_message,omitempty"`
	Command          []string `json:"command,omitempty"`
	CallID           string  `json:"call_id,omitempty"`
	TotalTokens      int64   `json:"total_tokens,omitempty"`
	ContextWindow    int64   `json:"context_window,omitempty"`
}

// Session is one live codex proto connection.
type Session struct {
	sessionID string
	handle    process.Handle
	out       chan *unified.Message
	logger    *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(sessionID string, handle process.Handle, log *logger.Logger) *Session {
	s := &Session{
		sessionID: sessionID,
		handle:    handle,
		out:       make(chan *unified.Message, 256),
		logger:    log,
		closed:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// SessionID implements adapter.BackendSession.
func (s *Session) SessionID() string { return s.sessionID }

// Messages implements adapter.BackendSession.
func (s *Session) Messages() <-chan *unified.Message { return s.out }

// Send translates a consumer-originated message to a proto submission.
func (s *Session) Send(ctx context.Context, msg *unified.Message) error {
	select {
	case <-s.closed:
		return apperrors.SessionClosed(s.sessionID)
	default:
	}

	switch msg.Type {
	case unified.TypeUserMessage:
		return s.submitOp(op{
			Type:  "user_input",
			Items: []inputItem{{Type: "text", Text: msg.Text()}},
		})

	case unified.TypeInterrupt:
		return s.submitOp(op{Type: "interrupt"})

	case unified.TypePermissionResponse:
		decision := "denied"
		if msg.MetaString(unified.MetaBehavior) == "allow" {
			decision = "approved"
		}
		return s.submit(submission{
			ID: msg.MetaString(unified.MetaRequestID),
			Op: op{Type: "exec_approval", Decision: decision},
		})

	case unified.TypeConfigurationChange:
		// The proto has no runtime reconfiguration; applied on next spawn.
		return nil

	default:
		s.logger.Debug("dropping untranslatable message", zap.String("type", string(msg.Type)))
		return nil
	}
}

// SendRaw is not part of the proto.
func (s *Session) SendRaw(ctx context.Context, data []byte) error {
	return apperrors.Unsupported("raw NDJSON")
}

// Close implements adapter.BackendSession. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.handle.Stdin().Close()
		_ = s.handle.Kill(0)
	})
	return nil
}

func (s *Session) submitOp(o op) error {
	return s.submit(submission{ID: uuid.New().String(), Op: o})
}

func (s *Session) submit(sub submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return apperrors.TranslateError(Name, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.handle.Stdin().Write(append(data, '\n')); err != nil {
		return apperrors.TranslateError(Name, err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.out)

	scanner := bufio.NewScanner(s.handle.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-s.closed:
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Warn("failed to parse proto event", zap.Error(err))
			continue
		}
		if msg := s.eventToUnified(&ev); msg != nil {
			select {
			case s.out <- msg:
			default:
				s.logger.Warn("backend message channel full, dropping",
					zap.String("type", ev.Msg.Type))
			}
		}
	}

	select {
	case <-s.closed:
	default:
		// Transport lost without a close.
		out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
		out.SetMeta(unified.MetaIsError, true)
		out.SetMeta(unified.MetaError, "codex process exited unexpectedly")
		out.SetMeta(unified.MetaStatus, "failed")
		s.out <- out
	}
}

func (s *Session) eventToUnified(ev *event) *unified.Message {
	switch ev.Msg.Type {
	case "session_configured":
		out := unified.NewMessage(unified.TypeSessionInit, unified.RoleSystem)
		out.SetMeta(unified.MetaSessionID, s.sessionID)
		out.SetMeta(unified.MetaModel, ev.Msg.Model)
		out.SetMeta(unified.MetaCwd, ev.Msg.Cwd)
		out.SetMeta(unified.MetaSlashCommands, nativeCommands)
		return out

	case "task_started":
		out := unified.NewMessage(unified.TypeStatusChange, unified.RoleSystem)
		out.SetMeta(unified.MetaStatus, "running")
		return out

	case "agent_message":
		return unified.TextMessage(unified.TypeAssistant, unified.RoleAssistant, ev.Msg.Message)

	case "agent_message_delta":
		out := unified.NewMessage(unified.TypeStreamEvent, unified.RoleAssistant)
		out.SetMeta(unified.MetaEvent, map[string]any{"type": "text_delta", "text": ev.Msg.Delta})
		return out

	case "exec_approval_request":
		out := unified.NewMessage(unified.TypePermissionRequest, unified.RoleTool)
		out.SetMeta(unified.MetaRequestID, ev.ID)
		out.SetMeta(unified.MetaToolName, "exec")
		out.SetMeta(unified.MetaToolCallID, ev.Msg.CallID)
		out.SetMeta(unified.MetaToolInput, map[string]any{"command": strings.Join(ev.Msg.Command, " ")})
		return out

	case "task_complete":
		out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
		out.SetMeta(unified.MetaSessionID, s.sessionID)
		if ev.Msg.LastAgentMessage != "" {
			out.Content = []unified.ContentBlock{{Type: unified.BlockText, Text: ev.Msg.LastAgentMessage}}
		}
		if ev.Msg.ContextWindow > 0 {
			out.SetMeta(unified.MetaModelUsage, map[string]unified.ModelUsage{
				"codex": {InputTokens: ev.Msg.TotalTokens, ContextWindow: ev.Msg.ContextWindow},
			})
		}
		return out

	case "error":
		out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
		out.SetMeta(unified.MetaIsError, true)
		out.SetMeta(unified.MetaError, ev.Msg.Message)
		return out

	default:
		return nil
	}
}
