// Package broker wires sessions, adapters, consumers, and policies into the
// running service: routing, fan-out, gateways, and the composition root.
package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// QueueLimits bound a consumer's outbound queue.
type QueueLimits struct {
	// HighWaterMark is where non-critical messages start shedding.
	HighWaterMark int
	// MaxQueueSize is the hard cap; everything sheds past it.
	MaxQueueSize int
}

// Consumer is one connected consumer socket with its outbound queue.
type Consumer struct {
	ID        string
	SessionID string
	Identity  session.ConsumerIdentity

	conn   *websocket.Conn
	queue  chan *consumerwire.Sequenced
	limits QueueLimits
	logger *logger.Logger

	closeOnce sync.Once
	done      chan struct{}

	droppedMu sync.Mutex
	dropped   uint64
}

// NewConsumer wraps an upgraded socket. Call Run to start the write pump.
func NewConsumer(id, sessionID string, identity session.ConsumerIdentity, conn *websocket.Conn, limits QueueLimits, log *logger.Logger) *Consumer {
	return &Consumer{
		ID:        id,
		SessionID: sessionID,
		Identity:  identity,
		conn:      conn,
		queue:     make(chan *consumerwire.Sequenced, limits.MaxQueueSize),
		limits:    limits,
		logger:    log.WithFields(zap.String("consumer_id", id)),
		done:      make(chan struct{}),
	}
}

// Enqueue adds one envelope to the outbound queue, shedding per the
// backpressure policy. Returns whether the message was enqueued.
func (c *Consumer) Enqueue(env *consumerwire.Sequenced) bool {
	depth := len(c.queue)
	if depth >= c.limits.MaxQueueSize {
		c.countDrop()
		return false
	}
	if depth >= c.limits.HighWaterMark && !consumerwire.IsCritical(env.PayloadType()) {
		c.countDrop()
		return false
	}
	select {
	case c.queue <- env:
		return true
	default:
		c.countDrop()
		return false
	}
}

func (c *Consumer) countDrop() {
	c.droppedMu.Lock()
	c.dropped++
	c.droppedMu.Unlock()
}

// Dropped returns the number of shed messages.
func (c *Consumer) Dropped() uint64 {
	c.droppedMu.Lock()
	defer c.droppedMu.Unlock()
	return c.dropped
}

// Saturated reports whether the outbound queue has reached its hard cap. A
// saturated consumer can no longer receive critical frames and must be
// disconnected rather than silently starved.
func (c *Consumer) Saturated() bool {
	return len(c.queue) >= c.limits.MaxQueueSize
}

// Run pumps the queue to the socket until Close or a write failure. Blocks;
// run on its own goroutine.
func (c *Consumer) Run() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.queue:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Debug("write failed, closing consumer", zap.Error(err))
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

// Close tears the socket down with a close frame. Idempotent.
func (c *Consumer) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		_ = c.conn.Close()
	})
}

// Done closes when the consumer is torn down.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Broadcaster owns the per-session consumer sets and applies sequencing,
// history, and fan-out.
type Broadcaster struct {
	limits QueueLimits
	logger *logger.Logger

	mu        sync.RWMutex
	consumers map[string]map[*Consumer]struct{}
}

// NewBroadcaster creates a broadcaster with the given queue limits.
func NewBroadcaster(limits QueueLimits, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		limits:    limits,
		logger:    log.WithFields(zap.String("component", "broadcaster")),
		consumers: make(map[string]map[*Consumer]struct{}),
	}
}

// Limits returns the configured queue limits.
func (b *Broadcaster) Limits() QueueLimits { return b.limits }

// Register adds a consumer to its session's fan-out set.
func (b *Broadcaster) Register(c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.consumers[c.SessionID]
	if !ok {
		set = make(map[*Consumer]struct{})
		b.consumers[c.SessionID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a consumer.
func (b *Broadcaster) Unregister(c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.consumers[c.SessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(b.consumers, c.SessionID)
		}
	}
}

// ConsumerCount returns the number of connected consumers for a session.
func (b *Broadcaster) ConsumerCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers[sessionID])
}

// Broadcast sequences a payload, appends it to session history, and enqueues
// it on every consumer of the session. Returns the envelope.
func (b *Broadcaster) Broadcast(sess *session.Session, payload map[string]any) *consumerwire.Sequenced {
	seq, msgID := sess.NextSeq()
	env := &consumerwire.Sequenced{Seq: seq, MessageID: msgID, Payload: payload}
	sess.AppendHistory(env)
	sess.Touch(time.Now())

	b.mu.RLock()
	set := b.consumers[sess.ID()]
	targets := make([]*Consumer, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if c.Enqueue(env) {
			continue
		}
		if c.Saturated() {
			// The hard cap sheds critical frames too. Consumers must never
			// observe a silent gap in those, so cut the socket and let the
			// client reconnect with replay.
			b.logger.Warn("disconnecting overflowing consumer",
				zap.String("session_id", sess.ID()),
				zap.String("consumer_id", c.ID),
				zap.Uint64("dropped", c.Dropped()))
			b.Unregister(c)
			c.Close(websocket.CloseGoingAway, "outbound queue overflow")
			continue
		}
		b.logger.Debug("shed message under backpressure",
			zap.String("session_id", sess.ID()),
			zap.String("consumer_id", c.ID),
			zap.Uint64("seq", seq),
			zap.String("type", env.PayloadType()))
	}
	return env
}

// SendTo enqueues an envelope to a single consumer (replay and handshake
// traffic; already sequenced or unsequenced identity frames).
func (b *Broadcaster) SendTo(c *Consumer, env *consumerwire.Sequenced) {
	c.Enqueue(env)
}

// CloseAll tears down every consumer of the session with the given close
// code and removes them from the fan-out set.
func (b *Broadcaster) CloseAll(sessionID string, code int, reason string) {
	b.mu.Lock()
	set := b.consumers[sessionID]
	targets := make([]*Consumer, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	delete(b.consumers, sessionID)
	b.mu.Unlock()

	for _, c := range targets {
		c.Close(code, reason)
	}
}

// BroadcastEphemeral fans a payload out to every consumer of the session
// without sequencing it or recording it in history. Presence traffic uses
// this; a reconnecting consumer must not replay stale presence.
func (b *Broadcaster) BroadcastEphemeral(sessionID string, payload map[string]any) {
	env := &consumerwire.Sequenced{Payload: payload}

	b.mu.RLock()
	set := b.consumers[sessionID]
	targets := make([]*Consumer, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(env)
	}
}

// toOutbound maps a unified message to its consumer-facing payload.
func toOutbound(msg *unified.Message) map[string]any {
	var outType string
	switch msg.Type {
	case unified.TypeSessionInit:
		outType = consumerwire.OutSessionInit
	case unified.TypeStatusChange:
		outType = consumerwire.OutStatusChange
	case unified.TypeResult:
		outType = consumerwire.OutResult
	case unified.TypeAssistant:
		outType = consumerwire.OutAssistant
	case unified.TypeStreamEvent:
		outType = consumerwire.OutStreamEvent
	case unified.TypePermissionRequest:
		outType = consumerwire.OutPermissionRequest
	case unified.TypeToolProgress:
		outType = consumerwire.OutToolProgress
	case unified.TypeUserMessage:
		outType = consumerwire.OutUserMessage
	default:
		return nil
	}

	payload := consumerwire.NewPayload(outType)
	if msg.Role != "" {
		payload["role"] = string(msg.Role)
	}
	if len(msg.Content) > 0 {
		payload["content"] = msg.Content
	}
	for k, v := range msg.Metadata {
		payload[k] = v
	}
	return payload
}
