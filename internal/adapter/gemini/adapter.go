// Package gemini implements the adapter for the Gemini CLI, spawned as a
// child process streaming newline-delimited JSON on stdio.
package gemini

import (
	"context"

	"github.com/beamcode/beamcode/internal/adapter"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/process"
)

// Name is the canonical adapter name.
const Name = "gemini"

// DefaultBinary is the executable spawned when none is configured.
const DefaultBinary = "gemini"

// Adapter spawns one Gemini child process per session.
type Adapter struct {
	launcher *process.Launcher
	binary   string
	logger   *logger.Logger
}

// New creates the gemini adapter.
func New(launcher *process.Launcher, binary string, log *logger.Logger) *Adapter {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Adapter{
		launcher: launcher,
		binary:   binary,
		logger:   log.WithAdapter(Name),
	}
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return Name }

// Capabilities implements adapter.Adapter.
func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:    true,
		Availability: adapter.AvailabilityLocal,
	}
}

// Connect spawns the child and wires its stdio.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	spec := process.Spec{
		Binary: a.binary,
		Args:   []string{"--output-format", "stream-json"},
		Cwd:    opts.Cwd,
	}
	if opts.Model != "" {
		spec.Args = append(spec.Args, "--model", opts.Model)
	}

	handle, err := a.launcher.Launch(ctx, opts.SessionID, spec)
	if err != nil {
		return nil, apperrors.ConnectFailed(Name, err)
	}
	return newSession(opts.SessionID, handle, a.logger.WithSessionID(opts.SessionID)), nil
}
