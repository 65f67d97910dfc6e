package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/process"
	"github.com/beamcode/beamcode/internal/unified"
)

const handshakeTimeout = 10 * time.Second

// rpcMessage is one JSON-RPC 2.0 frame in either direction.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Session is one live ACP agent connection. The agent assigns its own
// session id; SessionID still reports the broker's id per the adapter
// contract.
type Session struct {
	sessionID    string
	acpSessionID string
	handle       process.Handle
	out          chan *unified.Message
	logger       *logger.Logger

	writeMu sync.Mutex
	nextID  int64

	pendingMu sync.Mutex
	pending   map[string]chan *rpcMessage

	// Server-originated permission requests keyed by broker request id; the
	// value is the JSON-RPC id to echo in the response.
	permMu      sync.Mutex
	permissions map[string]json.RawMessage

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(sessionID string, handle process.Handle, log *logger.Logger) *Session {
	s := &Session{
		sessionID:   sessionID,
		handle:      handle,
		out:         make(chan *unified.Message, 256),
		logger:      log,
		pending:     make(map[string]chan *rpcMessage),
		permissions: make(map[string]json.RawMessage),
		closed:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// handshake runs initialize then session/new, storing the agent's session
// id.
func (s *Session) handshake(ctx context.Context, cwd string) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if _, err := s.call(ctx, "initialize", map[string]any{
		"protocolVersion": 1,
		"clientCapabilities": map[string]any{
			"fs": map[string]any{"readTextFile": false, "writeTextFile": false},
		},
	}); err != nil {
		return apperrors.ConnectFailed(Name, err)
	}

	result, err := s.call(ctx, "session/new", map[string]any{
		"cwd":        cwd,
		"mcpServers": []any{},
	})
	if err != nil {
		return apperrors.ConnectFailed(Name, err)
	}

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &body); err != nil || body.SessionID == "" {
		return apperrors.HandshakeTimeout(Name)
	}
	s.acpSessionID = body.SessionID

	init := unified.NewMessage(unified.TypeSessionInit, unified.RoleSystem)
	init.SetMeta(unified.MetaSessionID, s.sessionID)
	s.emit(init)
	return nil
}

// SessionID implements adapter.BackendSession.
func (s *Session) SessionID() string { return s.sessionID }

// Messages implements adapter.BackendSession.
func (s *Session) Messages() <-chan *unified.Message { return s.out }

// Send translates a consumer-originated message to its JSON-RPC form.
func (s *Session) Send(ctx context.Context, msg *unified.Message) error {
	select {
	case <-s.closed:
		return apperrors.SessionClosed(s.sessionID)
	default:
	}

	switch msg.Type {
	case unified.TypeUserMessage:
		go s.prompt(msg.Text())
		return nil

	case unified.TypeInterrupt:
		return s.notify("session/cancel", map[string]any{"sessionId": s.acpSessionID})

	case unified.TypePermissionResponse:
		return s.respondPermission(msg)

	default:
		s.logger.Debug("dropping untranslatable message", zap.String("type", string(msg.Type)))
		return nil
	}
}

// SendRaw is not part of the ACP wire protocol.
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

// prompt runs one session/prompt round trip, emitting the result when the
// agent's turn ends.
func (s *Session) prompt(text string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.closed
		cancel()
	}()

	result, err := s.call(ctx, "session/prompt", map[string]any{
		"sessionId": s.acpSessionID,
		"prompt":    []map[string]any{{"type": "text", "text": text}},
	})

	out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
	out.SetMeta(unified.MetaSessionID, s.sessionID)
	if err != nil {
		out.SetMeta(unified.MetaIsError, true)
		out.SetMeta(unified.MetaError, err.Error())
	} else {
		var body struct {
			StopReason string `json:"stopReason"`
		}
		_ = json.Unmarshal(result, &body)
		out.SetMeta(unified.MetaSubtype, body.StopReason)
	}
	s.emit(out)
}

func (s *Session) respondPermission(msg *unified.Message) error {
	requestID := msg.MetaString(unified.MetaRequestID)
	s.permMu.Lock()
	rpcID, ok := s.permissions[requestID]
	delete(s.permissions, requestID)
	s.permMu.Unlock()
	if !ok {
		return apperrors.New(apperrors.KindUnknownMessageType, "no pending permission "+requestID)
	}

	outcome := "cancelled"
	if msg.MetaString(unified.MetaBehavior) == "allow" {
		outcome = "selected"
	}
	return s.send(&rpcMessage{
		JSONRPC: "2.0",
		ID:      rpcID,
		Result: mustMarshal(map[string]any{
			"outcome": map[string]any{"outcome": outcome, "optionId": msg.MetaString(unified.MetaBehavior)},
		}),
	})
}

// call sends a request and waits for its response.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.writeMu.Lock()
	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)
	s.writeMu.Unlock()

	ch := make(chan *rpcMessage, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.send(&rpcMessage{
		JSONRPC: "2.0",
		ID:      json.RawMessage(id),
		Method:  method,
		Params:  mustMarshal(params),
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, apperrors.SessionClosed(s.sessionID)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, apperrors.New(apperrors.KindTranslateError, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (s *Session) notify(method string, params any) error {
	return s.send(&rpcMessage{JSONRPC: "2.0", Method: method, Params: mustMarshal(params)})
}

func (s *Session) send(msg *rpcMessage) error {
	data, err := json.Marshal(msg)
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

func (s *Session) emit(msg *unified.Message) {
	if msg == nil {
		return
	}
	select {
	case s.out <- msg:
	default:
		s.logger.Warn("backend message channel full, dropping", zap.String("type", string(msg.Type)))
	}
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

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("failed to parse rpc frame", zap.Error(err))
			continue
		}
		s.dispatch(&msg)
	}

	select {
	case <-s.closed:
	default:
		out := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
		out.SetMeta(unified.MetaIsError, true)
		out.SetMeta(unified.MetaError, "acp agent exited unexpectedly")
		out.SetMeta(unified.MetaStatus, "failed")
		s.out <- out
	}
}

func (s *Session) dispatch(msg *rpcMessage) {
	// Response to one of our requests.
	if msg.Method == "" && msg.ID != nil {
		s.pendingMu.Lock()
		ch, ok := s.pending[string(msg.ID)]
		s.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	switch msg.Method {
	case "session/update":
		s.emit(updateToUnified(msg.Params))

	case "session/request_permission":
		s.handlePermissionRequest(msg)

	default:
		s.logger.Debug("ignoring rpc method", zap.String("method", msg.Method))
	}
}

func (s *Session) handlePermissionRequest(msg *rpcMessage) {
	var params struct {
		ToolCall struct {
			ToolCallID string         `json:"toolCallId"`
			Title      string         `json:"title"`
			RawInput   map[string]any `json:"rawInput"`
		} `json:"toolCall"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Warn("malformed permission request", zap.Error(err))
		return
	}

	requestID := "acp-" + string(msg.ID)
	s.permMu.Lock()
	s.permissions[requestID] = msg.ID
	s.permMu.Unlock()

	out := unified.NewMessage(unified.TypePermissionRequest, unified.RoleTool)
	out.SetMeta(unified.MetaRequestID, requestID)
	out.SetMeta(unified.MetaToolName, params.ToolCall.Title)
	out.SetMeta(unified.MetaToolCallID, params.ToolCall.ToolCallID)
	out.SetMeta(unified.MetaToolInput, params.ToolCall.RawInput)
	s.emit(out)
}

// updateToUnified maps a session/update notification to its unified form.
func updateToUnified(params json.RawMessage) *unified.Message {
	var body struct {
		Update struct {
			SessionUpdate string `json:"sessionUpdate"`
			Content       struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			ToolCallID string         `json:"toolCallId"`
			Title      string         `json:"title"`
			Status     string         `json:"status"`
			RawInput   map[string]any `json:"rawInput"`
		} `json:"update"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return nil
	}

	switch body.Update.SessionUpdate {
	case "agent_message_chunk":
		out := unified.NewMessage(unified.TypeStreamEvent, unified.RoleAssistant)
		out.SetMeta(unified.MetaEvent, map[string]any{"type": "text_delta", "text": body.Update.Content.Text})
		return out

	case "tool_call", "tool_call_update":
		out := unified.NewMessage(unified.TypeToolProgress, unified.RoleTool)
		out.SetMeta(unified.MetaToolCallID, body.Update.ToolCallID)
		out.SetMeta(unified.MetaToolName, body.Update.Title)
		out.SetMeta(unified.MetaStatus, body.Update.Status)
		out.SetMeta(unified.MetaToolInput, body.Update.RawInput)
		return out

	default:
		return nil
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
