package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

// Slash command sources, reported in slash_command_result payloads. Emulated
// covers everything the broker synthesises on the backend's behalf, whether
// from a built-in or an adapter-side executor; passthrough marks results that
// came back from the backend itself.
const (
	SlashSourceEmulated    = "emulated"
	SlashSourcePassthrough = "passthrough"
)

// SlashChain resolves a slash command through a fixed handler order: local
// built-ins, then the adapter's native executor, then passthrough to the
// backend as a user message. Exactly one handler runs; a command no handler
// claims fails as unsupported.
type SlashChain struct {
	resolver    *adapter.Resolver
	broadcaster *Broadcaster
	eventBus    bus.EventBus
	logger      *logger.Logger
}

// NewSlashChain creates the chain.
func NewSlashChain(resolver *adapter.Resolver, broadcaster *Broadcaster, eventBus bus.EventBus, log *logger.Logger) *SlashChain {
	return &SlashChain{
		resolver:    resolver,
		broadcaster: broadcaster,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "slash")),
	}
}

// Execute runs one slash command for the session. requestID is the consumer's
// optional correlation id, echoed back on the result or error frame.
func (s *SlashChain) Execute(ctx context.Context, sess *session.Session, command, requestID string) {
	name := commandName(command)
	if name == "" {
		s.fail(sess, command, requestID, "empty command")
		return
	}

	if s.executeLocal(sess, name, command, requestID) {
		return
	}

	ad, err := s.resolver.Resolve(sess.AdapterName())
	if err != nil {
		s.fail(sess, command, requestID, err.Error())
		return
	}
	backend := sess.Backend()

	if backend != nil {
		if provider, ok := ad.(adapter.SlashExecutorProvider); ok {
			executor := provider.CreateSlashExecutor(backend)
			if executor.Handles(name) {
				s.executeNative(ctx, sess, executor, command, requestID)
				return
			}
		}
	}

	if ad.Capabilities().Passthrough && backend != nil {
		s.executePassthrough(ctx, sess, backend, command, requestID)
		return
	}

	s.fail(sess, command, requestID, fmt.Sprintf("command %q is not supported", name))
}

// executeLocal handles built-in commands. Returns whether the command was
// claimed.
func (s *SlashChain) executeLocal(sess *session.Session, name, command, requestID string) bool {
	cmd, ok := sess.Registry().Lookup(name)
	if !ok || cmd.Source != session.SourceBuiltin {
		return false
	}

	switch cmd.Name {
	case "help":
		var sb strings.Builder
		sb.WriteString("Available commands:\n")
		for _, entry := range sess.Registry().List() {
			sb.WriteString("/" + entry.Name)
			if entry.ArgumentHint != "" {
				sb.WriteString(" " + entry.ArgumentHint)
			}
			if entry.Description != "" {
				sb.WriteString(" - " + entry.Description)
			}
			sb.WriteString("\n")
		}
		s.succeed(sess, command, requestID, sb.String(), SlashSourceEmulated, 0)
		return true
	default:
		return false
	}
}

func (s *SlashChain) executeNative(ctx context.Context, sess *session.Session, executor adapter.SlashExecutor, command, requestID string) {
	start := time.Now()
	result, err := executor.Execute(ctx, command)
	if err != nil {
		s.fail(sess, command, requestID, err.Error())
		return
	}
	durationMS := result.DurationMS
	if durationMS == 0 {
		durationMS = time.Since(start).Milliseconds()
	}
	source := result.Source
	if source == "" {
		source = SlashSourceEmulated
	}
	s.succeed(sess, command, requestID, result.Content, source, durationMS)
}

// executePassthrough forwards the command verbatim as a user message and
// records it so the backend's result echo is reattributed by the router. The
// broker mints its own backend-side id; the consumer's correlation id rides
// along for the reattributed result.
func (s *SlashChain) executePassthrough(ctx context.Context, sess *session.Session, backend adapter.BackendSession, command, requestID string) {
	sess.PushPassthrough(session.Passthrough{
		Command:           command,
		RequestID:         uuid.New().String(),
		ConsumerRequestID: requestID,
		SentAt:            time.Now(),
	})

	msg := unified.TextMessage(unified.TypeUserMessage, unified.RoleUser, command)
	if err := backend.Send(ctx, msg); err != nil {
		sess.PopPassthrough()
		s.fail(sess, command, requestID, err.Error())
	}
}

func (s *SlashChain) succeed(sess *session.Session, command, requestID, content, source string, durationMS int64) {
	payload := consumerwire.NewPayload(consumerwire.OutSlashCommandResult)
	payload["command"] = command
	payload["content"] = content
	payload["source"] = source
	payload["duration_ms"] = durationMS
	if requestID != "" {
		payload["request_id"] = requestID
	}
	s.broadcaster.Broadcast(sess, payload)
	s.publish(sess.ID(), events.SlashCommandExecuted, map[string]any{
		"command": command,
		"source":  source,
	})
}

func (s *SlashChain) fail(sess *session.Session, command, requestID, reason string) {
	s.logger.Debug("slash command failed",
		zap.String("session_id", sess.ID()),
		zap.String("command", command),
		zap.String("reason", reason))

	payload := newErrorPayload(consumerwire.OutSlashCommandError, reason)
	payload["command"] = command
	if requestID != "" {
		payload["request_id"] = requestID
	}
	s.broadcaster.Broadcast(sess, payload)
	s.publish(sess.ID(), events.SlashCommandFailed, map[string]any{
		"command": command,
		"error":   reason,
	})
}

func (s *SlashChain) publish(sessionID, eventType string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "slash", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := s.eventBus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// commandName extracts the command token without its leading slash or
// arguments.
func commandName(command string) string {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimPrefix(fields[0], "/")
}
