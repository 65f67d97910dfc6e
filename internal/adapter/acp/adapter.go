// Package acp implements the adapter for Agent Client Protocol backends:
// JSON-RPC 2.0 over the stdio of a spawned agent.
package acp

import (
	"context"

	"github.com/beamcode/beamcode/internal/adapter"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/process"
)

// Name is the canonical adapter name.
const Name = "acp"

// Adapter spawns one ACP agent per session.
type Adapter struct {
	launcher *process.Launcher
	binary   string
	args     []string
	logger   *logger.Logger
}

// New creates the acp adapter for the given agent binary.
func New(launcher *process.Launcher, binary string, args []string, log *logger.Logger) *Adapter {
	return &Adapter{
		launcher: launcher,
		binary:   binary,
		args:     args,
		logger:   log.WithAdapter(Name),
	}
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return Name }

// Capabilities implements adapter.Adapter.
func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: adapter.AvailabilityLocal,
	}
}

// Connect spawns the agent and performs the initialize and session/new
// handshake before returning.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	if a.binary == "" {
		return nil, apperrors.ConnectFailed(Name, apperrors.New(apperrors.KindConnectFailed, "no agent binary configured"))
	}

	handle, err := a.launcher.Launch(ctx, opts.SessionID, process.Spec{
		Binary: a.binary,
		Args:   a.args,
		Cwd:    opts.Cwd,
	})
	if err != nil {
		return nil, apperrors.ConnectFailed(Name, err)
	}

	s := newSession(opts.SessionID, handle, a.logger.WithSessionID(opts.SessionID))
	if err := s.handshake(ctx, opts.Cwd); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
