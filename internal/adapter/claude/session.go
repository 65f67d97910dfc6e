package claude

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/adapter"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/unified"
	streamjson "github.com/beamcode/beamcode/pkg/claudecode"
)

// Session is one live stream-json backend connection.
type Session struct {
	sessionID string
	socket    adapter.InvertedSocket
	client    *streamjson.Client
	out       chan *unified.Message
	logger    *logger.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(ctx context.Context, sessionID string, socket adapter.InvertedSocket, log *logger.Logger) *Session {
	stream := newSocketStream(socket)
	s := &Session{
		sessionID: sessionID,
		socket:    socket,
		client:    streamjson.NewClient(stream, stream, log),
		out:       make(chan *unified.Message, 256),
		logger:    log,
		closed:    make(chan struct{}),
	}

	s.client.SetMessageHandler(s.onMessage)
	s.client.SetRequestHandler(s.onControlRequest)
	s.client.SetResponseHandler(s.onControlResponse)

	clientCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	finished := s.client.Start(clientCtx)

	go func() {
		<-finished
		select {
		case <-s.closed:
			// Deliberate close, no synthetic failure.
		default:
			s.emit(syntheticDisconnect())
		}
		close(s.out)
	}()

	return s
}

// SessionID implements adapter.BackendSession.
func (s *Session) SessionID() string { return s.sessionID }

// Messages implements adapter.BackendSession.
func (s *Session) Messages() <-chan *unified.Message { return s.out }

// Send translates a consumer-originated message to its stream-json form.
func (s *Session) Send(ctx context.Context, msg *unified.Message) error {
	select {
	case <-s.closed:
		return apperrors.SessionClosed(s.sessionID)
	default:
	}

	switch msg.Type {
	case unified.TypeUserMessage:
		return s.client.SendUserMessage(s.sessionID, userContent(msg))

	case unified.TypeInterrupt:
		return s.client.SendControlRequest(&streamjson.SDKControlRequest{
			Type:      streamjson.MessageTypeControlRequest,
			RequestID: uuid.New().String(),
			Request:   streamjson.SDKControlRequestBody{Subtype: streamjson.SubtypeInterrupt},
		})

	case unified.TypePermissionResponse:
		return s.client.SendControlResponse(permissionResponse(msg))

	case unified.TypeConfigurationChange:
		return s.sendConfiguration(msg)

	default:
		s.logger.Debug("dropping untranslatable message", zap.String("type", string(msg.Type)))
		return nil
	}
}

func (s *Session) sendConfiguration(msg *unified.Message) error {
	if model := msg.MetaString(unified.MetaModel); model != "" {
		return s.client.SendControlRequest(&streamjson.SDKControlRequest{
			Type:      streamjson.MessageTypeControlRequest,
			RequestID: uuid.New().String(),
			Request:   streamjson.SDKControlRequestBody{Subtype: streamjson.SubtypeSetModel, Model: model},
		})
	}
	if mode := msg.MetaString(unified.MetaPermissionMode); mode != "" {
		return s.client.SendControlRequest(&streamjson.SDKControlRequest{
			Type:      streamjson.MessageTypeControlRequest,
			RequestID: uuid.New().String(),
			Request:   streamjson.SDKControlRequestBody{Subtype: streamjson.SubtypeSetPermissionMode, Mode: mode},
		})
	}
	return nil
}

// SendRaw writes a pre-encoded NDJSON line to the CLI. Used for the
// initialize control request.
func (s *Session) SendRaw(ctx context.Context, data []byte) error {
	select {
	case <-s.closed:
		return apperrors.SessionClosed(s.sessionID)
	default:
	}
	return s.client.SendRaw(data)
}

// Close implements adapter.BackendSession. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.client.Stop()
		s.cancel()
		_ = s.socket.Close()
	})
	return nil
}

func (s *Session) emit(msg *unified.Message) {
	if msg == nil {
		return
	}
	select {
	case s.out <- msg:
	default:
		s.logger.Warn("backend message channel full, dropping",
			zap.String("type", string(msg.Type)))
	}
}

func (s *Session) onMessage(msg *streamjson.CLIMessage) {
	s.emit(toUnified(msg))
}

func (s *Session) onControlRequest(requestID string, req *streamjson.ControlRequest) {
	if req.Subtype != streamjson.SubtypeCanUseTool {
		s.logger.Debug("ignoring control request", zap.String("subtype", req.Subtype))
		return
	}
	s.emit(permissionRequest(requestID, req))
}

func (s *Session) onControlResponse(resp *streamjson.IncomingControlResponse) {
	s.emit(controlResponse(resp))
}
