package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/unified"
)

// Router processes the normalized backend stream for a session: it applies
// the reducer, tracks pending permissions, reattributes passthrough echoes,
// fans consumer-visible messages out, and schedules persistence.
type Router struct {
	repo        *storage.Repository
	broadcaster *Broadcaster
	caps        *CapabilitiesPolicy
	eventBus    bus.EventBus
	logger      *logger.Logger
}

// NewRouter creates a router.
func NewRouter(repo *storage.Repository, broadcaster *Broadcaster, caps *CapabilitiesPolicy, eventBus bus.EventBus, log *logger.Logger) *Router {
	return &Router{
		repo:        repo,
		broadcaster: broadcaster,
		caps:        caps,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "router")),
	}
}

// Route handles one backend message for the session.
func (r *Router) Route(sess *session.Session, msg *unified.Message) {
	if msg == nil {
		return
	}
	if sess.Closed() {
		r.logger.Debug("dropping message for closed session",
			zap.String("session_id", sess.ID()),
			zap.String("type", string(msg.Type)))
		return
	}

	now := time.Now()
	sess.Touch(now)

	if msg.Type == unified.TypeControlResponse {
		r.caps.HandleControlResponse(sess, msg)
		return
	}

	changed := sess.Apply(msg, now)

	switch msg.Type {
	case unified.TypePermissionRequest:
		r.trackPermission(sess, msg, now)

	case unified.TypeStatusChange:
		if status := msg.MetaString(unified.MetaStatus); status != "" {
			sess.SetStatus(session.Status(status))
		}

	case unified.TypeResult:
		sess.SetStatus(session.StatusIdle)
		if r.reattributePassthrough(sess, msg, now) {
			r.persist(sess, msg, changed)
			r.flushQueued(sess)
			return
		}
	}

	if msg.ConsumerVisible() {
		if payload := toOutbound(msg); payload != nil {
			r.broadcaster.Broadcast(sess, payload)
		}
	}

	r.persist(sess, msg, changed)

	if msg.Type == unified.TypeResult {
		r.flushQueued(sess)
	}
}

// trackPermission records the pending request so a later permission_response
// can be matched, and so a backend disconnect can cancel it.
func (r *Router) trackPermission(sess *session.Session, msg *unified.Message, now time.Time) {
	requestID := msg.MetaString(unified.MetaRequestID)
	if requestID == "" {
		r.logger.Warn("permission request without request_id", zap.String("session_id", sess.ID()))
		return
	}
	input, _ := msg.Metadata[unified.MetaToolInput].(map[string]any)
	sess.AddPendingPermission(&session.PermissionRequest{
		RequestID:  requestID,
		ToolName:   msg.MetaString(unified.MetaToolName),
		ToolUseID:  msg.MetaString(unified.MetaToolCallID),
		Input:      input,
		ReceivedAt: now,
	})
}

// reattributePassthrough converts the result echo of a forwarded slash
// command into a slash command outcome. Returns whether the message was
// consumed.
func (r *Router) reattributePassthrough(sess *session.Session, msg *unified.Message, now time.Time) bool {
	p, ok := sess.PopPassthrough()
	if !ok {
		return false
	}

	durationMS := now.Sub(p.SentAt).Milliseconds()
	if msg.MetaBool(unified.MetaIsError) {
		payload := newErrorPayload("slash_command_error", msg.MetaString(unified.MetaError))
		payload["command"] = p.Command
		if p.ConsumerRequestID != "" {
			payload["request_id"] = p.ConsumerRequestID
		}
		r.broadcaster.Broadcast(sess, payload)
		r.publish(sess.ID(), events.SlashCommandFailed, map[string]any{
			"command": p.Command,
			"error":   msg.MetaString(unified.MetaError),
		})
		return true
	}

	payload := map[string]any{
		"type":        "slash_command_result",
		"command":     p.Command,
		"content":     msg.Text(),
		"source":      "passthrough",
		"duration_ms": durationMS,
	}
	// The consumer sees its own correlation id, never the broker-minted
	// backend-side one.
	if p.ConsumerRequestID != "" {
		payload["request_id"] = p.ConsumerRequestID
	}
	r.broadcaster.Broadcast(sess, payload)
	r.publish(sess.ID(), events.SlashCommandExecuted, map[string]any{
		"command":     p.Command,
		"source":      "passthrough",
		"duration_ms": durationMS,
	})
	return true
}

// flushQueued submits the staged draft message once the backend goes idle.
func (r *Router) flushQueued(sess *session.Session) {
	q := sess.TakeQueuedMessage()
	if q == nil {
		return
	}
	backend := sess.Backend()
	if backend == nil {
		sess.PushPendingMessage(q.Content)
		return
	}

	out := unified.TextMessage(unified.TypeUserMessage, unified.RoleUser, q.Content)
	for _, img := range q.Images {
		out.Content = append(out.Content, unified.ContentBlock{Type: unified.BlockImage, Source: img})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := backend.Send(ctx, out); err != nil {
		r.logger.Warn("failed to submit queued message",
			zap.String("session_id", sess.ID()), zap.Error(err))
		return
	}

	echo := map[string]any{"type": "user_message", "content": q.Content, "queued": true}
	r.broadcaster.Broadcast(sess, echo)
}

// persist schedules a save. Lifecycle-defining messages flush synchronously;
// everything else is debounced.
func (r *Router) persist(sess *session.Session, msg *unified.Message, changed bool) {
	if msg.Type == unified.TypeSessionInit {
		if err := r.repo.SaveSync(sess); err != nil {
			r.logger.Warn("synchronous save failed", zap.String("session_id", sess.ID()), zap.Error(err))
		}
		return
	}
	if changed {
		r.repo.Save(sess)
	}
}

func (r *Router) publish(sessionID, eventType string, data map[string]any) {
	if r.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "router", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := r.eventBus.Publish(context.Background(), subject, event); err != nil {
		r.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// newErrorPayload builds an error-shaped outbound payload.
func newErrorPayload(msgType, message string) map[string]any {
	return map[string]any{"type": msgType, "error": message}
}
