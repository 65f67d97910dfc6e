// Package codex implements the adapter for the Codex CLI, spawned as a child
// process speaking its NDJSON proto: submissions on stdin, events on stdout.
package codex

import (
	"context"
	"strings"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/process"
)

// Name is the canonical adapter name.
const Name = "codex"

// DefaultBinary is the executable spawned when none is configured.
const DefaultBinary = "codex"

// nativeCommands are the slash commands the proto can execute directly.
var nativeCommands = []string{"compact", "new", "review", "rename"}

// Adapter spawns one Codex child process per session.
type Adapter struct {
	launcher *process.Launcher
	binary   string
	logger   *logger.Logger
}

// New creates the codex adapter. An empty binary falls back to DefaultBinary.
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
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  adapter.AvailabilityLocal,
	}
}

// Connect spawns the child and wires its stdio to the proto translator.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	spec := process.Spec{
		Binary: a.binary,
		Args:   []string{"proto"},
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

// CreateSlashExecutor implements adapter.SlashExecutorProvider.
func (a *Adapter) CreateSlashExecutor(session adapter.BackendSession) adapter.SlashExecutor {
	s, ok := session.(*Session)
	if !ok {
		return nil
	}
	return &slashExecutor{session: s}
}

// slashExecutor runs proto-native commands by writing the matching op.
type slashExecutor struct {
	session *Session
}

func (e *slashExecutor) Handles(command string) bool {
	name := normalizeCommand(command)
	for _, c := range nativeCommands {
		if c == name {
			return true
		}
	}
	return false
}

func (e *slashExecutor) Execute(ctx context.Context, command string) (*adapter.SlashResult, error) {
	name := normalizeCommand(command)
	if !e.Handles(command) {
		return nil, apperrors.Unsupported("slash command " + command)
	}

	started := time.Now()
	if err := e.session.submitOp(op{Type: name}); err != nil {
		return nil, err
	}
	return &adapter.SlashResult{
		Content:    "Executed /" + name,
		Source:     "emulated",
		DurationMS: time.Since(started).Milliseconds(),
	}, nil
}

func (e *slashExecutor) SupportedCommands() []string {
	return append([]string(nil), nativeCommands...)
}

// normalizeCommand strips the leading slash and any arguments.
func normalizeCommand(command string) string {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/"))
}
