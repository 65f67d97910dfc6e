package adapter

import (
	"sync"
	"time"
)

// pendingSocket is one rendezvous waiting for a CLI to dial in.
type pendingSocket struct {
	ch    chan InvertedSocket
	timer *time.Timer
}

// SocketRegistry is the rendezvous table for inverted adapters. Connect
// registers a pending entry for the session id; the CLI gateway fulfills it
// with Deliver when the socket arrives, or the entry times out. A socket
// delivered before Register is stashed and handed over as soon as the
// registration arrives, so dial-in order does not matter.
type SocketRegistry struct {
	mu        sync.Mutex
	pending   map[string]*pendingSocket
	delivered map[string]InvertedSocket
}

// NewSocketRegistry creates an empty rendezvous table.
func NewSocketRegistry() *SocketRegistry {
	return &SocketRegistry{
		pending:   make(map[string]*pendingSocket),
		delivered: make(map[string]InvertedSocket),
	}
}

// Register creates a pending entry and returns a channel that yields the
// delivered socket. The channel closes without a value on timeout or cancel.
// Registering over an existing entry replaces it, cancelling the old one.
func (r *SocketRegistry) Register(sessionID string, timeout time.Duration) (<-chan InvertedSocket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.pending[sessionID]; ok {
		delete(r.pending, sessionID)
		old.timer.Stop()
		close(old.ch)
	}

	ch := make(chan InvertedSocket, 1)
	if socket, ok := r.delivered[sessionID]; ok {
		delete(r.delivered, sessionID)
		ch <- socket
		close(ch)
		return ch, nil
	}

	entry := &pendingSocket{ch: ch}
	entry.timer = time.AfterFunc(timeout, func() {
		r.expire(sessionID, entry)
	})
	r.pending[sessionID] = entry
	return ch, nil
}

// Deliver hands a socket to the pending entry for sessionID, or stashes it
// for a registration that has not happened yet. Returns whether a waiter was
// fulfilled immediately.
func (r *SocketRegistry) Deliver(sessionID string, socket InvertedSocket) bool {
	r.mu.Lock()
	entry, ok := r.pending[sessionID]
	if ok {
		delete(r.pending, sessionID)
	} else {
		r.delivered[sessionID] = socket
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	entry.timer.Stop()
	entry.ch <- socket
	close(entry.ch)
	return true
}

// Cancel rejects the pending entry for sessionID and drops any stashed
// socket. Idempotent.
func (r *SocketRegistry) Cancel(sessionID string) {
	r.mu.Lock()
	entry, ok := r.pending[sessionID]
	if ok {
		delete(r.pending, sessionID)
	}
	delete(r.delivered, sessionID)
	r.mu.Unlock()

	if ok {
		entry.timer.Stop()
		close(entry.ch)
	}
}

// Waiting reports whether a rendezvous is pending for sessionID.
func (r *SocketRegistry) Waiting(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[sessionID]
	return ok
}

func (r *SocketRegistry) expire(sessionID string, entry *pendingSocket) {
	r.mu.Lock()
	current, ok := r.pending[sessionID]
	if ok && current == entry {
		delete(r.pending, sessionID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		close(entry.ch)
	}
}
