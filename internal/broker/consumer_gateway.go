package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/adapter"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
	"github.com/beamcode/beamcode/internal/ratelimit"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

// GatewayConfig bounds consumer socket behavior.
type GatewayConfig struct {
	MaxFrameBytes    int64
	ReplayCount      int
	DefaultAdapter   string
	RateLimitEnabled bool
	RateBurst        int
	RateRefillPerSec float64
	AuthTimeout      time.Duration
}

// AuthContext carries the request attributes an authenticator may inspect.
type AuthContext struct {
	Headers    http.Header
	Query      url.Values
	RemoteAddr string
}

// Authenticator resolves a consumer identity from an incoming upgrade
// request. Returning an error rejects the socket with close code 1008.
type Authenticator func(ctx context.Context, ac AuthContext) (session.ConsumerIdentity, error)

// ConsumerGateway upgrades consumer WebSocket connections, performs the join
// handshake (identity, snapshot, replay), and dispatches inbound frames.
type ConsumerGateway struct {
	repo        *storage.Repository
	broadcaster *Broadcaster
	connector   *Connector
	slash       *SlashChain
	eventBus    bus.EventBus
	logger      *logger.Logger
	cfg         GatewayConfig
	upgrader    websocket.Upgrader

	authenticator Authenticator
	anonCounter   atomic.Uint64
}

// NewConsumerGateway creates the gateway. checkOrigin decides whether an
// Origin header is acceptable; nil allows same-host defaults.
func NewConsumerGateway(repo *storage.Repository, broadcaster *Broadcaster, connector *Connector, slash *SlashChain, eventBus bus.EventBus, cfg GatewayConfig, checkOrigin func(*http.Request) bool, log *logger.Logger) *ConsumerGateway {
	return &ConsumerGateway{
		repo:        repo,
		broadcaster: broadcaster,
		connector:   connector,
		slash:       slash,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "consumer-gateway")),
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Handle is the gin handler for GET /ws/consumer/:id.
func (g *ConsumerGateway) Handle(c *gin.Context) {
	sessionID := c.Param("id")

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	if !session.ValidID(sessionID) {
		closeWith(conn, websocket.ClosePolicyViolation, "invalid session id")
		return
	}

	sess, created, err := g.repo.GetOrCreate(sessionID, g.cfg.DefaultAdapter)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindMaxSessionsReached) {
			closeWith(conn, websocket.CloseTryAgainLater, "session limit reached")
		} else {
			closeWith(conn, websocket.ClosePolicyViolation, "session unavailable")
		}
		return
	}
	if sess.Closed() {
		closeWith(conn, websocket.CloseNormalClosure, "session is closed")
		return
	}
	if created {
		g.publish(sessionID, events.SessionCreated, map[string]any{"adapter": sess.AdapterName()})
	}

	conn.SetReadLimit(g.cfg.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	identity, err := g.authenticate(c.Request)
	if err != nil {
		g.logger.Info("consumer rejected",
			zap.String("session_id", sessionID),
			zap.Error(err))
		closeWith(conn, websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	consumerID := fmt.Sprintf("consumer-%d", g.anonCounter.Add(1))
	limiter := ratelimit.NewBucket(g.cfg.RateRefillPerSec, g.cfg.RateBurst)
	sess.RegisterConsumer(consumerID, identity, limiter)

	consumer := NewConsumer(consumerID, sessionID, identity, conn, g.broadcaster.Limits(), g.logger)
	g.broadcaster.Register(consumer)
	go consumer.Run()

	g.handshake(c, sess, consumer)
	g.publish(sessionID, events.ConsumerConnected, map[string]any{"user_id": identity.UserID})

	g.readLoop(sess, consumer, conn)

	g.broadcaster.Unregister(consumer)
	consumer.Close(websocket.CloseNormalClosure, "")
	if _, ok := sess.UnregisterConsumer(consumerID); ok {
		g.sendPresence(sess, nil)
	}
	g.publish(sessionID, events.ConsumerDisconnected, map[string]any{"user_id": identity.UserID})
}

// SetAuthenticator installs the identity hook. Without one, every consumer
// joins as an anonymous participant and the observer role is unreachable.
func (g *ConsumerGateway) SetAuthenticator(a Authenticator) {
	g.authenticator = a
}

// authenticate resolves the consumer identity for a new socket. With no
// authenticator installed the consumer gets an anonymous participant
// identity; the role query parameter is deliberately ignored, an
// unauthenticated client must not self-select a role.
func (g *ConsumerGateway) authenticate(r *http.Request) (session.ConsumerIdentity, error) {
	if g.authenticator == nil {
		n := g.anonCounter.Add(1)
		return session.ConsumerIdentity{
			UserID:      fmt.Sprintf("anonymous-%d", n),
			DisplayName: fmt.Sprintf("User %d", n),
			Role:        session.RoleParticipant,
		}, nil
	}

	ctx := context.Background()
	if g.cfg.AuthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.AuthTimeout)
		defer cancel()
	}
	done := make(chan struct{})
	var identity session.ConsumerIdentity
	var err error
	go func() {
		identity, err = g.authenticator(ctx, AuthContext{
			Headers:    r.Header,
			Query:      r.URL.Query(),
			RemoteAddr: r.RemoteAddr,
		})
		close(done)
	}()
	select {
	case <-done:
		return identity, err
	case <-ctx.Done():
		return session.ConsumerIdentity{}, ctx.Err()
	}
}

// handshake sends the join sequence: identity, state snapshot, history
// replay, connection status, then presence to everyone.
func (g *ConsumerGateway) handshake(c *gin.Context, sess *session.Session, consumer *Consumer) {
	identityPayload := consumerwire.NewPayload(consumerwire.OutIdentity)
	identityPayload["user_id"] = consumer.Identity.UserID
	identityPayload["display_name"] = consumer.Identity.DisplayName
	identityPayload["role"] = string(consumer.Identity.Role)
	g.broadcaster.SendTo(consumer, &consumerwire.Sequenced{Payload: identityPayload})

	state := sess.State()
	snapshot := consumerwire.NewPayload(consumerwire.OutSessionUpdate)
	snapshot["state"] = state
	snapshot["phase"] = string(sess.Phase())
	snapshot["adapter"] = sess.AdapterName()
	snapshot["status"] = string(sess.Status())
	g.broadcaster.SendTo(consumer, &consumerwire.Sequenced{Payload: snapshot})

	var replay []*consumerwire.Sequenced
	if lastSeen, err := strconv.ParseUint(c.Query("last_seen"), 10, 64); err == nil && lastSeen > 0 {
		replay = sess.HistorySince(lastSeen)
	} else {
		replay = sess.HistoryTail(g.cfg.ReplayCount)
	}
	history := consumerwire.NewPayload(consumerwire.OutMessageHistory)
	history["messages"] = replay
	g.broadcaster.SendTo(consumer, &consumerwire.Sequenced{Payload: history})

	status := consumerwire.OutCLIDisconnected
	if sess.Backend() != nil {
		status = consumerwire.OutCLIConnected
	}
	g.broadcaster.SendTo(consumer, &consumerwire.Sequenced{Payload: consumerwire.NewPayload(status)})

	for _, req := range sess.PendingPermissions() {
		payload := consumerwire.NewPayload(consumerwire.OutPermissionRequest)
		payload["request_id"] = req.RequestID
		payload["tool_name"] = req.ToolName
		payload["input"] = req.Input
		g.broadcaster.SendTo(consumer, &consumerwire.Sequenced{Payload: payload})
	}

	g.sendPresence(sess, nil)

	// First consumer attaches the backend.
	if sess.Backend() == nil && sess.Phase() != session.PhaseClosed {
		go func() {
			_ = g.connector.Connect(context.Background(), sess, adapter.ConnectOptions{
				SessionID: sess.ID(),
				Resume:    sess.State().Model != "" || len(sess.State().SlashCommands) > 0,
			})
		}()
	}
}

// sendPresence fans the current consumer roster out. When only is non-nil the
// update goes to that consumer alone.
func (g *ConsumerGateway) sendPresence(sess *session.Session, only *Consumer) {
	payload := consumerwire.NewPayload(consumerwire.OutPresenceUpdate)
	payload["consumers"] = sess.ConsumerIdentities()
	if only != nil {
		g.broadcaster.SendTo(only, &consumerwire.Sequenced{Payload: payload})
		return
	}
	g.broadcaster.BroadcastEphemeral(sess.ID(), payload)
}

// readLoop consumes inbound frames until the socket closes.
func (g *ConsumerGateway) readLoop(sess *session.Session, consumer *Consumer, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if g.cfg.RateLimitEnabled {
			limiter := sess.ConsumerLimiter(consumer.ID)
			if limiter != nil && !limiter.TryConsume() {
				g.sendError(consumer, apperrors.RateLimited("message rate limit exceeded"))
				g.publish(sess.ID(), events.RateLimitExceeded, map[string]any{"user_id": consumer.Identity.UserID})
				continue
			}
		}

		msg, err := consumerwire.ParseInbound(data)
		if err != nil {
			g.sendError(consumer, apperrors.SchemaViolation(err.Error()))
			continue
		}

		if consumer.Identity.Role == session.RoleObserver && !observerAllowed(msg.Type) {
			g.sendError(consumer, apperrors.Unauthorized("observers cannot send "+msg.Type))
			continue
		}

		g.dispatch(sess, consumer, msg)
	}
}

// observerAllowed lists the inbound types an observer role may send.
func observerAllowed(msgType string) bool {
	return msgType == consumerwire.InPresenceQuery
}

func (g *ConsumerGateway) dispatch(sess *session.Session, consumer *Consumer, msg *consumerwire.Inbound) {
	if sess.Closed() {
		g.sendError(consumer, apperrors.SessionClosed(sess.ID()))
		return
	}
	sess.Touch(time.Now())

	switch msg.Type {
	case consumerwire.InUserMessage:
		g.handleUserMessage(sess, consumer, msg)

	case consumerwire.InPermissionResponse:
		g.handlePermissionResponse(sess, consumer, msg)

	case consumerwire.InInterrupt:
		g.sendToBackend(sess, consumer, unified.NewMessage(unified.TypeInterrupt, unified.RoleUser))

	case consumerwire.InSetModel:
		g.handleConfigChange(sess, consumer, unified.MetaModel, msg.Model)

	case consumerwire.InSetPermissionMode:
		g.handleConfigChange(sess, consumer, unified.MetaPermissionMode, msg.Mode)

	case consumerwire.InPresenceQuery:
		g.sendPresence(sess, consumer)

	case consumerwire.InSlashCommand:
		go g.slash.Execute(context.Background(), sess, msg.Command, msg.RequestID)

	case consumerwire.InSetAdapter:
		g.handleSetAdapter(sess, consumer, msg.Adapter)

	case consumerwire.InQueueMessage:
		sess.SetQueuedMessage(&session.QueuedMessage{Content: msg.Content, Images: msg.Images, QueuedAt: time.Now()})
		g.broadcastQueued(sess, consumerwire.OutQueuedMessage, msg.Content)

	case consumerwire.InUpdateQueuedMessage:
		if sess.QueuedMessage() == nil {
			g.sendError(consumer, apperrors.SchemaViolation("no queued message to update"))
			return
		}
		sess.SetQueuedMessage(&session.QueuedMessage{Content: msg.Content, Images: msg.Images, QueuedAt: time.Now()})
		g.broadcastQueued(sess, consumerwire.OutQueuedMessageUpdate, msg.Content)

	case consumerwire.InCancelQueuedMessage:
		if sess.TakeQueuedMessage() == nil {
			g.sendError(consumer, apperrors.SchemaViolation("no queued message to cancel"))
			return
		}
		g.broadcastQueued(sess, consumerwire.OutQueuedMessageCancel, "")

	default:
		g.sendError(consumer, apperrors.UnknownMessageType(msg.Type))
	}
}

// handleUserMessage echoes the message to all consumers and submits it to the
// backend, buffering when no backend is attached.
func (g *ConsumerGateway) handleUserMessage(sess *session.Session, consumer *Consumer, msg *consumerwire.Inbound) {
	echo := consumerwire.NewPayload(consumerwire.OutUserMessage)
	echo["content"] = msg.Content
	echo["sender"] = consumer.Identity.DisplayName
	g.broadcaster.Broadcast(sess, echo)

	backend := sess.Backend()
	if backend == nil {
		sess.PushPendingMessage(msg.Content)
		return
	}

	out := unified.TextMessage(unified.TypeUserMessage, unified.RoleUser, msg.Content)
	for _, img := range msg.Images {
		out.Content = append(out.Content, unified.ContentBlock{Type: unified.BlockImage, Source: img})
	}
	g.deliver(sess, consumer, backend, out)
}

func (g *ConsumerGateway) handlePermissionResponse(sess *session.Session, consumer *Consumer, msg *consumerwire.Inbound) {
	req, ok := sess.TakePendingPermission(msg.RequestID)
	if !ok {
		g.sendError(consumer, apperrors.SchemaViolation("unknown permission request "+msg.RequestID))
		return
	}

	out := unified.NewMessage(unified.TypePermissionResponse, unified.RoleUser)
	out.SetMeta(unified.MetaRequestID, req.RequestID)
	out.SetMeta(unified.MetaBehavior, msg.Behavior)
	if msg.Message != "" {
		out.SetMeta(unified.MetaMessage, msg.Message)
	}
	if msg.UpdatedInput != nil {
		out.SetMeta(unified.MetaUpdatedInput, msg.UpdatedInput)
	}
	if len(msg.UpdatedPermissions) > 0 {
		out.SetMeta(unified.MetaUpdatedPermissions, msg.UpdatedPermissions)
	}
	g.sendToBackend(sess, consumer, out)

	// Tell the other consumers the request is settled.
	payload := consumerwire.NewPayload(consumerwire.OutPermissionCancelled)
	payload["request_id"] = req.RequestID
	payload["resolved_by"] = consumer.Identity.DisplayName
	payload["behavior"] = msg.Behavior
	g.broadcaster.Broadcast(sess, payload)
}

// handleConfigChange submits a configuration change and optimistically
// applies it to local state.
func (g *ConsumerGateway) handleConfigChange(sess *session.Session, consumer *Consumer, key, value string) {
	out := unified.NewMessage(unified.TypeConfigurationChange, unified.RoleUser)
	out.SetMeta(key, value)

	if backend := sess.Backend(); backend != nil {
		g.deliver(sess, consumer, backend, out)
	}
	if sess.Apply(out, time.Now()) {
		g.repo.Save(sess)
		update := consumerwire.NewPayload(consumerwire.OutSessionUpdate)
		update[key] = value
		g.broadcaster.Broadcast(sess, update)
	}
}

// handleSetAdapter switches the backend adapter. Only allowed before a
// backend has attached.
func (g *ConsumerGateway) handleSetAdapter(sess *session.Session, consumer *Consumer, name string) {
	if !g.connector.resolver.Known(name) {
		g.sendError(consumer, apperrors.UnknownAdapter(name))
		return
	}
	if !sess.SetAdapterName(name) {
		g.sendError(consumer, apperrors.SchemaViolation("adapter cannot change while a backend is connected"))
		return
	}
	g.repo.Save(sess)

	update := consumerwire.NewPayload(consumerwire.OutSessionUpdate)
	update["adapter"] = name
	g.broadcaster.Broadcast(sess, update)
}

func (g *ConsumerGateway) broadcastQueued(sess *session.Session, msgType, content string) {
	payload := consumerwire.NewPayload(msgType)
	if content != "" {
		payload["content"] = content
	}
	g.broadcaster.Broadcast(sess, payload)
}

// sendToBackend submits a message, reporting the failure to the sender.
func (g *ConsumerGateway) sendToBackend(sess *session.Session, consumer *Consumer, out *unified.Message) {
	backend := sess.Backend()
	if backend == nil {
		g.sendError(consumer, apperrors.BackendDisconnected(sess.ID()))
		return
	}
	g.deliver(sess, consumer, backend, out)
}

func (g *ConsumerGateway) deliver(sess *session.Session, consumer *Consumer, backend adapter.BackendSession, out *unified.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := backend.Send(ctx, out); err != nil {
		g.logger.Warn("backend send failed",
			zap.String("session_id", sess.ID()),
			zap.String("type", string(out.Type)),
			zap.Error(err))
		g.sendError(consumer, err)
	}
}

// sendError delivers an error frame to one consumer.
func (g *ConsumerGateway) sendError(consumer *Consumer, err error) {
	payload := newErrorPayload(consumerwire.OutError, err.Error())
	payload["kind"] = errorKind(err)
	g.broadcaster.SendTo(consumer, &consumerwire.Sequenced{Payload: payload})
}

func (g *ConsumerGateway) publish(sessionID, eventType string, data map[string]any) {
	if g.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "consumer-gateway", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := g.eventBus.Publish(context.Background(), subject, event); err != nil {
		g.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// closeWith sends a close frame and drops the connection.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}
