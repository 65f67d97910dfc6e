package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/process"
	"github.com/beamcode/beamcode/internal/unified"
)

// wireEvent is one line read from the child's stdout.
type wireEvent struct {
	Type    string `json:"type"`
	Model   string `json:"model,omitempty"`
	Content string `json:"content,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Error   string `json:"error,omitempty"`
	Stats   *stats `json:"stats,omitempty"`
}

type stats struct {
	TotalTokens int64   `json:"total_tokens,omitempty"`
	Turns       int     `json:"turns,omitempty"`
	DurationMS  int64   `json:"duration_ms,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
}

// wireCommand is one line written to the child's stdin.
type wireCommand struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Session is one live gemini connection.
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

// Send translates a consumer-originated message to its wire form.
func (s *Session) Send(ctx context.Context, msg *unified.Message) error {
	select {
	case <-s.closed:
		return apperrors.SessionClosed(s.sessionID)
	default:
	}

	switch msg.Type {
	case unified.TypeUserMessage:
		return s.write(wireCommand{Type: "user_message", Content: msg.Text()})
	case unified.TypeInterrupt:
		return s.write(wireCommand{Type: "interrupt"})
	default:
		s.logger.Debug("dropping untranslatable message", zap.String("type", string(msg.Type)))
		return nil
	}
}

// SendRaw is not part of the gemini wire protocol.
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

func (s *Session) write(cmd wireCommand) error {
	data, err := json.Marshal(cmd)
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
		var ev wireEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Warn("failed to parse gemini event", zap.Error(err))
			continue
		}
		if msg := s.eventToUnified(&ev); msg != nil {
			select {
			case s.out <- msg:
			default:
				s.logger.Warn("backend message channel full, dropping", zap.String("type", ev.Type))
			}
		}
	}

	select {
	case <-s.closed:
	default:
		out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
		out.SetMeta(unified.MetaIsError, true)
		out.SetMeta(unified.MetaError, "gemini process exited unexpectedly")
		out.SetMeta(unified.MetaStatus, "failed")
		s.out <- out
	}
}

func (s *Session) eventToUnified(ev *wireEvent) *unified.Message {
	switch ev.Type {
	case "session_started":
		out := unified.NewMessage(unified.TypeSessionInit, unified.RoleSystem)
		out.SetMeta(unified.MetaSessionID, s.sessionID)
		out.SetMeta(unified.MetaModel, ev.Model)
		return out

	case "content":
		return unified.TextMessage(unified.TypeAssistant, unified.RoleAssistant, ev.Content)

	case "content_delta":
		out := unified.NewMessage(unified.TypeStreamEvent, unified.RoleAssistant)
		out.SetMeta(unified.MetaEvent, map[string]any{"type": "text_delta", "text": ev.Delta})
		return out

	case "turn_complete":
		out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
		out.SetMeta(unified.MetaSessionID, s.sessionID)
		if ev.Stats != nil {
			out.SetMeta(unified.MetaCostUSD, ev.Stats.CostUSD)
			out.SetMeta(unified.MetaNumTurns, float64(ev.Stats.Turns))
			out.SetMeta(unified.MetaDurationMS, float64(ev.Stats.DurationMS))
		}
		return out

	case "error":
		out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
		out.SetMeta(unified.MetaIsError, true)
		out.SetMeta(unified.MetaError, ev.Error)
		return out

	default:
		return nil
	}
}
