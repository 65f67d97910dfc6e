package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
)

// MemoryEventBus delivers events in-process. It is the default backend when
// no NATS URL is configured; single-host deployments never need more.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySub
	nextID uint64
	closed bool
	logger *logger.Logger
}

type memorySub struct {
	id      uint64
	bus     *MemoryEventBus
	tokens  []string
	handler EventHandler
	active  atomic.Bool
}

// NewMemoryEventBus creates the in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[uint64]*memorySub),
		logger: log.WithFields(zap.String("component", "event-bus")),
	}
}

// Publish delivers the event to every matching subscriber. Handlers run on
// their own goroutines so a slow consumer never blocks the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return apperrors.New("EVENT_BUS_CLOSED", "event bus is closed")
	}

	var matched []*memorySub
	subjectTokens := strings.Split(subject, ".")
	for _, sub := range b.subs {
		if sub.active.Load() && matchTokens(sub.tokens, subjectTokens) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		go func(s *memorySub) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}(sub)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", len(matched)))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperrors.New("EVENT_BUS_CLOSED", "event bus is closed")
	}

	b.nextID++
	sub := &memorySub{
		id:      b.nextID,
		bus:     b,
		tokens:  strings.Split(subject, "."),
		handler: handler,
	}
	sub.active.Store(true)
	b.subs[sub.id] = sub
	return sub, nil
}

// Close deactivates every subscription. Publishes after Close fail.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = make(map[uint64]*memorySub)
}

// IsConnected reports whether the bus is still open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySub) Unsubscribe() error {
	s.active.Store(false)
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

func (s *memorySub) IsValid() bool { return s.active.Load() }

// matchTokens implements NATS subject matching: "*" matches one token, ">"
// matches the rest of the subject.
func matchTokens(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return true
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
