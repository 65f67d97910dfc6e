// Package claude implements the inverted-connection adapter for the Claude
// Code CLI. The CLI dials the broker's /ws/cli/<id> endpoint speaking the
// stream-json protocol; Connect waits on the rendezvous until the socket
// arrives.
package claude

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
)

// Name is the canonical adapter name.
const Name = "claude"

// Adapter is the inverted stream-json adapter. It is a singleton: its
// rendezvous table must exist before any CLI dial-in.
type Adapter struct {
	registry       *adapter.SocketRegistry
	connectTimeout time.Duration
	logger         *logger.Logger
}

// New creates the claude adapter.
func New(connectTimeout time.Duration, log *logger.Logger) *Adapter {
	return &Adapter{
		registry:       adapter.NewSocketRegistry(),
		connectTimeout: connectTimeout,
		logger:         log.WithAdapter(Name),
	}
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return Name }

// Capabilities implements adapter.Adapter.
func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Passthrough:   true,
		Teams:         true,
		Availability:  adapter.AvailabilityLocal,
	}
}

// Connect registers a rendezvous for the session and blocks until a CLI
// socket is delivered or the timeout elapses.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	ch, err := a.registry.Register(opts.SessionID, a.connectTimeout)
	if err != nil {
		return nil, apperrors.ConnectFailed(Name, err)
	}

	select {
	case <-ctx.Done():
		a.registry.Cancel(opts.SessionID)
		return nil, apperrors.ConnectFailed(Name, ctx.Err())
	case socket, ok := <-ch:
		if !ok {
			return nil, apperrors.HandshakeTimeout(Name)
		}
		return newSession(ctx, opts.SessionID, socket, a.logger.WithSessionID(opts.SessionID)), nil
	}
}

// DeliverSocket implements adapter.Inverted.
func (a *Adapter) DeliverSocket(sessionID string, socket adapter.InvertedSocket) bool {
	return a.registry.Deliver(sessionID, socket)
}

// CancelPending implements adapter.Inverted.
func (a *Adapter) CancelPending(sessionID string) {
	a.registry.Cancel(sessionID)
}

// Waiting reports whether a rendezvous is pending for the session.
func (a *Adapter) Waiting(sessionID string) bool {
	return a.registry.Waiting(sessionID)
}

// socketStream bridges an InvertedSocket to the io.Reader/io.Writer pair the
// stream-json client consumes. Each Write is one frame; frames read are
// newline-terminated for the line scanner.
type socketStream struct {
	socket adapter.InvertedSocket

	mu  sync.Mutex
	buf bytes.Buffer
}

func newSocketStream(socket adapter.InvertedSocket) *socketStream {
	return &socketStream{socket: socket}
}

func (s *socketStream) Write(p []byte) (int, error) {
	if err := s.socket.WriteFrame(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *socketStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.buf.Len() == 0 {
		frame, err := s.socket.ReadFrame()
		if err != nil {
			return 0, io.EOF
		}
		s.buf.Write(frame)
		if len(frame) == 0 || frame[len(frame)-1] != '\n' {
			s.buf.WriteByte('\n')
		}
	}
	return s.buf.Read(p)
}
