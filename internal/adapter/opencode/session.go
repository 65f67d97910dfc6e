package opencode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/unified"
)

// Session is one live opencode connection: a long-lived SSE stream plus
// per-message POSTs.
type Session struct {
	sessionID string
	remoteID  string
	baseURL   string
	client    *http.Client
	out       chan *unified.Message
	logger    *logger.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(ctx context.Context, sessionID, remoteID, baseURL string, client *http.Client, log *logger.Logger) (*Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream returned %d", resp.StatusCode)
	}

	s := &Session{
		sessionID: sessionID,
		remoteID:  remoteID,
		baseURL:   baseURL,
		client:    client,
		out:       make(chan *unified.Message, 256),
		logger:    log,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}

	init := unified.NewMessage(unified.TypeSessionInit, unified.RoleSystem)
	init.SetMeta(unified.MetaSessionID, sessionID)
	s.out <- init

	go s.readEvents(resp.Body)
	return s, nil
}

// SessionID implements adapter.BackendSession.
func (s *Session) SessionID() string { return s.sessionID }

// Messages implements adapter.BackendSession.
func (s *Session) Messages() <-chan *unified.Message { return s.out }

// Send translates a consumer-originated message to an HTTP call.
func (s *Session) Send(ctx context.Context, msg *unified.Message) error {
	select {
	case <-s.closed:
		return apperrors.SessionClosed(s.sessionID)
	default:
	}

	switch msg.Type {
	case unified.TypeUserMessage:
		return s.post(ctx, "/session/"+s.remoteID+"/message", map[string]any{
			"parts": []map[string]any{{"type": "text", "text": msg.Text()}},
		})

	case unified.TypeInterrupt:
		return s.post(ctx, "/session/"+s.remoteID+"/abort", map[string]any{})

	default:
		s.logger.Debug("dropping untranslatable message", zap.String("type", string(msg.Type)))
		return nil
	}
}

// SendRaw is not part of the opencode protocol.
func (s *Session) SendRaw(ctx context.Context, data []byte) error {
	return apperrors.Unsupported("raw NDJSON")
}

// Close implements adapter.BackendSession. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
	return nil
}

func (s *Session) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return apperrors.TranslateError(Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return apperrors.TranslateError(Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.TranslateError(Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return apperrors.TranslateError(Name, fmt.Errorf("%s returned %d", path, resp.StatusCode))
	}
	return nil
}

// readEvents parses the SSE stream: "data: <json>" lines separated by blank
// lines. Events for other sessions are dropped.
func (s *Session) readEvents(body io.ReadCloser) {
	defer body.Close()
	defer close(s.out)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-s.closed:
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if msg := s.eventToUnified(payload); msg != nil {
			select {
			case s.out <- msg:
			default:
				s.logger.Warn("backend message channel full, dropping")
			}
		}
	}

	select {
	case <-s.closed:
	default:
		out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
		out.SetMeta(unified.MetaIsError, true)
		out.SetMeta(unified.MetaError, "opencode event stream lost")
		out.SetMeta(unified.MetaStatus, "failed")
		s.out <- out
	}
}

func (s *Session) eventToUnified(payload string) *unified.Message {
	var ev struct {
		Type       string `json:"type"`
		Properties struct {
			SessionID string `json:"sessionID"`
			Part      struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"part"`
			Info struct {
				Error string `json:"error"`
			} `json:"info"`
		} `json:"properties"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.logger.Warn("failed to parse sse event", zap.Error(err))
		return nil
	}
	if ev.Properties.SessionID != "" && ev.Properties.SessionID != s.remoteID {
		return nil
	}

	switch ev.Type {
	case "message.part.updated":
		if ev.Properties.Part.Type != "text" {
			return nil
		}
		out := unified.NewMessage(unified.TypeStreamEvent, unified.RoleAssistant)
		out.SetMeta(unified.MetaEvent, map[string]any{"type": "text_delta", "text": ev.Properties.Part.Text})
		return out

	case "message.updated":
		if ev.Properties.Part.Text == "" {
			return nil
		}
		return unified.TextMessage(unified.TypeAssistant, unified.RoleAssistant, ev.Properties.Part.Text)

	case "session.idle":
		out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
		out.SetMeta(unified.MetaSessionID, s.sessionID)
		return out

	case "session.error":
		out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
		out.SetMeta(unified.MetaIsError, true)
		out.SetMeta(unified.MetaError, ev.Properties.Info.Error)
		return out

	default:
		return nil
	}
}
