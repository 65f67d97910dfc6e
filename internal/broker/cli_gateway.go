package broker

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/storage"
)

// CLIGateway accepts inverted backend connections: a locally spawned CLI
// dials /ws/cli/<session-id> and the accepted socket is handed to the
// session's adapter rendezvous.
type CLIGateway struct {
	repo      *storage.Repository
	resolver  *adapter.Resolver
	connector *Connector
	eventBus  bus.EventBus
	logger    *logger.Logger
	upgrader  websocket.Upgrader
}

// NewCLIGateway creates the gateway.
func NewCLIGateway(repo *storage.Repository, resolver *adapter.Resolver, connector *Connector, eventBus bus.EventBus, checkOrigin func(*http.Request) bool, log *logger.Logger) *CLIGateway {
	return &CLIGateway{
		repo:      repo,
		resolver:  resolver,
		connector: connector,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "cli-gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Handle is the gin handler for GET /ws/cli/:id.
func (g *CLIGateway) Handle(c *gin.Context) {
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

	// Only a broker-spawned CLI should ever dial in, and only for a session
	// that is waiting on its backend. Anything else on the loopback port gets
	// cut, never a fabricated session.
	sess, ok := g.repo.Get(sessionID)
	if !ok {
		closeWith(conn, websocket.ClosePolicyViolation, "unknown session")
		return
	}
	if sess.Closed() {
		closeWith(conn, websocket.CloseNormalClosure, "session is closed")
		return
	}
	if sess.Backend() != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "session is not awaiting a backend")
		return
	}

	ad, err := g.resolver.Resolve(sess.AdapterName())
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "unknown adapter")
		return
	}
	inverted, ok := ad.(adapter.Inverted)
	if !ok {
		closeWith(conn, websocket.ClosePolicyViolation, "adapter does not accept inbound connections")
		return
	}

	socket := newWSSocket(conn)

	// No rendezvous is pending when the CLI dials in before any consumer.
	// Start the connect so the delivery (or the stash) has a taker.
	go func() {
		_ = g.connector.Connect(context.Background(), sess, adapter.ConnectOptions{
			SessionID: sessionID,
		})
	}()

	fulfilled := inverted.DeliverSocket(sessionID, socket)
	g.logger.Info("cli socket delivered",
		zap.String("session_id", sessionID),
		zap.String("adapter", ad.Name()),
		zap.Bool("fulfilled", fulfilled))
	g.publish(sessionID, events.ProcessConnected, map[string]any{"adapter": ad.Name()})
}

func (g *CLIGateway) publish(sessionID, eventType string, data map[string]any) {
	if g.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "cli-gateway", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := g.eventBus.Publish(context.Background(), subject, event); err != nil {
		g.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// wsSocket adapts a WebSocket connection to the frame interface inverted
// adapters consume. Reads are owned by the adapter session; the gateway never
// touches the connection after handing it over.
type wsSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

// ReadFrame implements adapter.InvertedSocket.
func (s *wsSocket) ReadFrame() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

// WriteFrame implements adapter.InvertedSocket.
func (s *wsSocket) WriteFrame(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements adapter.InvertedSocket.
func (s *wsSocket) Close() error {
	return s.conn.Close()
}
