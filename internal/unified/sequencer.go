package unified

import (
	"sync"

	"github.com/google/uuid"
)

// Sequencer issues per-session sequence numbers for consumer-facing
// messages. Sequences are strictly monotonic starting at 1, and restart at 1
// after Reset (session re-init).
type Sequencer struct {
	mu      sync.Mutex
	current uint64
}

// NewSequencer returns a sequencer whose first issued value is 1.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next returns the next sequence number and a fresh message id.
func (s *Sequencer) Next() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current++
	return s.current, uuid.New().String()
}

// Current returns the most recently issued sequence number (0 before the
// first Next).
func (s *Sequencer) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Advance raises the sequence so the next issued value is greater than to.
// Lower values are ignored; used when resuming from persisted history.
func (s *Sequencer) Advance(to uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to > s.current {
		s.current = to
	}
}

// Reset restarts the sequence; the next issued value is 1.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = 0
}
