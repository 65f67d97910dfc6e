// Package process manages child CLI subprocess lifecycles for adapters that
// spawn their backend locally.
package process

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
)

// stderrBufferSize is the number of recent stderr lines kept for error
// context when a child exits unexpectedly.
const stderrBufferSize = 50

// Spec describes one child process to spawn.
type Spec struct {
	Binary string
	Args   []string
	Cwd    string
	Env    []string
}

// ExitStatus describes how a child exited.
type ExitStatus struct {
	Code     int
	Err      error
	UptimeMS int64
}

// Handle is one running child process. Exited closes after the child exits;
// ExitStatus is valid from that point on.
type Handle interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Exited() <-chan struct{}
	ExitStatus() ExitStatus
	// Kill sends SIGTERM, then SIGKILL after the grace period if the child
	// has not exited. Idempotent.
	Kill(grace time.Duration) error
	// StderrTail returns the most recent stderr lines.
	StderrTail() []string
}

// Manager spawns child processes and probes liveness.
type Manager interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
	IsAlive(pid int) bool
}

// ExecManager is the exec.Cmd-backed Manager.
type ExecManager struct {
	logger *logger.Logger
}

// NewExecManager creates a Manager over os/exec.
func NewExecManager(log *logger.Logger) *ExecManager {
	return &ExecManager{logger: log.WithFields(zap.String("component", "process-manager"))}
}

// Spawn starts the child with piped stdio and begins collecting stderr.
func (m *ExecManager) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Cwd
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.ConnectFailed(spec.Binary, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.ConnectFailed(spec.Binary, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.ConnectFailed(spec.Binary, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.ConnectFailed(spec.Binary, err)
	}

	h := &execHandle{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		exited:    make(chan struct{}),
		startedAt: time.Now(),
		logger: m.logger.WithFields(
			zap.String("binary", spec.Binary),
			zap.Int("pid", cmd.Process.Pid),
		),
	}

	go h.collectStderr(stderr)
	go h.wait()

	h.logger.Info("spawned child process", zap.Strings("args", spec.Args), zap.String("cwd", spec.Cwd))
	return h, nil
}

// IsAlive reports whether a process with the given pid exists.
func (m *ExecManager) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs error checking without delivering a signal.
	return syscall.Kill(pid, 0) == nil
}

type execHandle struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	exited    chan struct{}
	startedAt time.Time
	logger    *logger.Logger

	stderrMu     sync.RWMutex
	stderrBuffer []string

	status   ExitStatus
	done     atomic.Bool
	killOnce sync.Once
}

func (h *execHandle) PID() int                { return h.cmd.Process.Pid }
func (h *execHandle) Stdin() io.WriteCloser   { return h.stdin }
func (h *execHandle) Stdout() io.ReadCloser   { return h.stdout }
func (h *execHandle) Exited() <-chan struct{} { return h.exited }

// ExitStatus returns the exit status. Valid only after Exited has closed.
func (h *execHandle) ExitStatus() ExitStatus {
	return h.status
}

func (h *execHandle) StderrTail() []string {
	h.stderrMu.RLock()
	defer h.stderrMu.RUnlock()
	return append([]string(nil), h.stderrBuffer...)
}

func (h *execHandle) collectStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		h.stderrMu.Lock()
		h.stderrBuffer = append(h.stderrBuffer, line)
		if len(h.stderrBuffer) > stderrBufferSize {
			h.stderrBuffer = h.stderrBuffer[1:]
		}
		h.stderrMu.Unlock()
	}
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()

	h.status = ExitStatus{
		Code:     h.cmd.ProcessState.ExitCode(),
		Err:      err,
		UptimeMS: time.Since(h.startedAt).Milliseconds(),
	}
	h.done.Store(true)
	close(h.exited)

	if err != nil {
		h.logger.Warn("child process exited with error",
			zap.Int("exit_code", h.status.Code),
			zap.Int64("uptime_ms", h.status.UptimeMS),
			zap.Strings("stderr_tail", h.StderrTail()),
			zap.Error(err))
	} else {
		h.logger.Info("child process exited",
			zap.Int("exit_code", h.status.Code),
			zap.Int64("uptime_ms", h.status.UptimeMS))
	}
}

func (h *execHandle) Kill(grace time.Duration) error {
	h.killOnce.Do(func() {
		if h.done.Load() {
			return
		}
		h.logger.Info("terminating child process", zap.Duration("grace", grace))
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			h.logger.Debug("SIGTERM failed", zap.Error(err))
		}
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-h.exited:
			case <-timer.C:
				if !h.done.Load() {
					h.logger.Warn("grace period elapsed, sending SIGKILL")
					_ = h.cmd.Process.Kill()
				}
			}
		}()
	})
	return nil
}
