// Package inprocess implements a backend adapter that runs inside the broker
// process. The backend is a script function; used for SDK-style embedding
// and as the harness adapter in tests.
package inprocess

import (
	"context"
	"sync"

	"github.com/beamcode/beamcode/internal/adapter"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/unified"
)

// Name is the canonical adapter name.
const Name = "inprocess"

// Script is the in-process backend: it receives consumer-originated messages
// on inbound and emits backend messages via emit. It runs on its own
// goroutine and should return when inbound closes.
type Script func(sessionID string, inbound <-chan *unified.Message, emit func(*unified.Message))

// RawHandler optionally handles raw NDJSON writes. When nil, SendRaw reports
// Unsupported.
type RawHandler func(sessionID string, data []byte, emit func(*unified.Message))

// Adapter runs one Script per connected session.
type Adapter struct {
	script Script
	raw    RawHandler
	caps   adapter.Capabilities
}

// Option configures the adapter.
type Option func(*Adapter)

// WithRawHandler enables SendRaw support.
func WithRawHandler(h RawHandler) Option {
	return func(a *Adapter) { a.raw = h }
}

// WithCapabilities overrides the advertised capabilities.
func WithCapabilities(caps adapter.Capabilities) Option {
	return func(a *Adapter) { a.caps = caps }
}

// New creates the in-process adapter.
func New(script Script, opts ...Option) *Adapter {
	a := &Adapter{
		script: script,
		caps: adapter.Capabilities{
			Streaming:    true,
			Permissions:  true,
			Availability: adapter.AvailabilityBoth,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return Name }

// Capabilities implements adapter.Adapter.
func (a *Adapter) Capabilities() adapter.Capabilities { return a.caps }

// Connect starts the script for the session.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	if a.script == nil {
		return nil, apperrors.ConnectFailed(Name, apperrors.New(apperrors.KindConnectFailed, "no script configured"))
	}

	s := &Session{
		sessionID: opts.SessionID,
		raw:       a.raw,
		in:        make(chan *unified.Message, 64),
		out:       make(chan *unified.Message, 256),
		closed:    make(chan struct{}),
	}

	go func() {
		a.script(opts.SessionID, s.in, s.emit)
		close(s.out)
	}()
	return s, nil
}

// Session is one live in-process backend.
type Session struct {
	sessionID string
	raw       RawHandler
	in        chan *unified.Message
	out       chan *unified.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// SessionID implements adapter.BackendSession.
func (s *Session) SessionID() string { return s.sessionID }

// Messages implements adapter.BackendSession.
func (s *Session) Messages() <-chan *unified.Message { return s.out }

// Send implements adapter.BackendSession.
func (s *Session) Send(ctx context.Context, msg *unified.Message) error {
	select {
	case <-s.closed:
		return apperrors.SessionClosed(s.sessionID)
	default:
	}
	select {
	case s.in <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return apperrors.SessionClosed(s.sessionID)
	}
}

// SendRaw implements adapter.BackendSession.
func (s *Session) SendRaw(ctx context.Context, data []byte) error {
	select {
	case <-s.closed:
		return apperrors.SessionClosed(s.sessionID)
	default:
	}
	if s.raw == nil {
		return apperrors.Unsupported("raw NDJSON")
	}
	s.raw(s.sessionID, data, s.emit)
	return nil
}

// Close implements adapter.BackendSession. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.in)
	})
	return nil
}

func (s *Session) emit(msg *unified.Message) {
	if msg == nil {
		return
	}
	defer func() {
		// The out channel closes when the script returns; a late emit from a
		// raw handler racing the close is dropped.
		recover()
	}()
	select {
	case s.out <- msg:
	case <-s.closed:
	}
}
