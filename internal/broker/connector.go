package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/adapter"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

// SpawnFunc launches the local child process backing an inverted adapter.
// The child is expected to dial the CLI gateway with the session id.
type SpawnFunc func(ctx context.Context, sess *session.Session) error

// Connector attaches backends to sessions and pumps their message streams
// into the router until the transport ends.
type Connector struct {
	resolver    *adapter.Resolver
	repo        *storage.Repository
	broadcaster *Broadcaster
	router      *Router
	caps        *CapabilitiesPolicy
	eventBus    bus.EventBus
	logger      *logger.Logger

	spawn        SpawnFunc
	onDisconnect func(sess *session.Session)
}

// NewConnector creates a connector.
func NewConnector(resolver *adapter.Resolver, repo *storage.Repository, broadcaster *Broadcaster, router *Router, caps *CapabilitiesPolicy, eventBus bus.EventBus, log *logger.Logger) *Connector {
	return &Connector{
		resolver:    resolver,
		repo:        repo,
		broadcaster: broadcaster,
		router:      router,
		caps:        caps,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "connector")),
	}
}

// SetSpawnFunc installs the child-process launcher hook for inverted
// adapters. Set once at composition time.
func (c *Connector) SetSpawnFunc(spawn SpawnFunc) { c.spawn = spawn }

// SetDisconnectHook installs the callback fired after a backend transport
// ends. The reconnect policy registers itself here.
func (c *Connector) SetDisconnectHook(hook func(sess *session.Session)) { c.onDisconnect = hook }

// Connect resolves the session's adapter, attaches a backend, and starts the
// pump. A no-op when a backend is already attached.
func (c *Connector) Connect(ctx context.Context, sess *session.Session, opts adapter.ConnectOptions) error {
	if sess.Closed() {
		return apperrors.SessionClosed(sess.ID())
	}
	if sess.Backend() != nil {
		return nil
	}

	ad, err := c.resolver.Resolve(sess.AdapterName())
	if err != nil {
		return err
	}
	opts.SessionID = sess.ID()
	if opts.Cwd == "" {
		opts.Cwd = sess.State().Cwd
	}

	if _, inverted := ad.(adapter.Inverted); inverted && c.spawn != nil {
		go func() {
			if err := c.spawn(ctx, sess); err != nil {
				c.logger.Warn("failed to spawn backend process",
					zap.String("session_id", sess.ID()), zap.Error(err))
			}
		}()
	}

	backend, err := ad.Connect(ctx, opts)
	if err != nil {
		c.logger.Warn("backend connect failed",
			zap.String("session_id", sess.ID()),
			zap.String("adapter", ad.Name()),
			zap.Error(err))
		sess.SetPhase(session.PhaseDisconnected)

		payload := newErrorPayload(consumerwire.OutError, "backend connect failed")
		payload["kind"] = errorKind(err)
		c.broadcaster.Broadcast(sess, payload)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sess.SetBackend(backend, cancel)
	sess.SetPhase(session.PhaseConnected)

	c.publish(sess.ID(), events.BackendConnected, map[string]any{"adapter": ad.Name()})
	c.broadcaster.Broadcast(sess, consumerwire.NewPayload(consumerwire.OutCLIConnected))

	c.drainPending(sess, backend)
	go c.pump(pumpCtx, sess, backend)
	go c.caps.Ensure(context.Background(), sess)

	if err := c.repo.SaveSync(sess); err != nil {
		c.logger.Warn("save after connect failed", zap.String("session_id", sess.ID()), zap.Error(err))
	}
	return nil
}

// Disconnect detaches and closes the backend without closing the session.
func (c *Connector) Disconnect(sess *session.Session) {
	if backend := sess.ClearBackend(); backend != nil {
		_ = backend.Close()
	}
}

// drainPending submits user messages buffered while no backend was attached.
func (c *Connector) drainPending(sess *session.Session, backend adapter.BackendSession) {
	for _, content := range sess.DrainPendingMessages() {
		msg := unified.TextMessage(unified.TypeUserMessage, unified.RoleUser, content)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := backend.Send(ctx, msg)
		cancel()
		if err != nil {
			c.logger.Warn("failed to deliver buffered message",
				zap.String("session_id", sess.ID()), zap.Error(err))
			sess.PushPendingMessage(content)
			return
		}
	}
}

// pump routes the backend stream until it closes or the pump is cancelled.
func (c *Connector) pump(ctx context.Context, sess *session.Session, backend adapter.BackendSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-backend.Messages():
			if !ok {
				c.handleDisconnect(sess, backend)
				return
			}
			c.router.Route(sess, msg)
		}
	}
}

// handleDisconnect runs when the backend transport ends on its own. Pending
// permissions are cancelled toward consumers; the session survives in the
// disconnected phase.
func (c *Connector) handleDisconnect(sess *session.Session, backend adapter.BackendSession) {
	if sess.Backend() != backend {
		return
	}
	sess.ClearBackend()
	sess.CancelPendingInitialize()
	if sess.Closed() {
		return
	}
	sess.SetPhase(session.PhaseDisconnected)

	for _, req := range sess.DrainPendingPermissions() {
		payload := consumerwire.NewPayload(consumerwire.OutPermissionCancelled)
		payload["request_id"] = req.RequestID
		payload["reason"] = "backend disconnected"
		c.broadcaster.Broadcast(sess, payload)
	}

	c.broadcaster.Broadcast(sess, consumerwire.NewPayload(consumerwire.OutCLIDisconnected))
	c.publish(sess.ID(), events.BackendDisconnected, nil)

	if err := c.repo.SaveSync(sess); err != nil {
		c.logger.Warn("save after disconnect failed", zap.String("session_id", sess.ID()), zap.Error(err))
	}

	if c.onDisconnect != nil {
		c.onDisconnect(sess)
	}
}

func (c *Connector) publish(sessionID, eventType string, data map[string]any) {
	if c.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "connector", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := c.eventBus.Publish(context.Background(), subject, event); err != nil {
		c.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// errorKind extracts the stable kind tag from an error, if it carries one.
func errorKind(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return "INTERNAL"
}
