package session

import (
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/ratelimit"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

// Role is the authorization role of a connected consumer.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// ConsumerIdentity is who a consumer socket is acting as.
type ConsumerIdentity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// consumerEntry pairs an identity with its rate limiter. The two are
// registered and removed together.
type consumerEntry struct {
	identity ConsumerIdentity
	limiter  *ratelimit.Bucket
}

// PermissionRequest is a pending tool-permission request awaiting a consumer
// decision.
type PermissionRequest struct {
	RequestID   string         `json:"request_id"`
	ToolName    string         `json:"tool_name"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Suggestions []any          `json:"suggestions,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
}

// QueuedMessage is the single draft message a consumer can stage while the
// backend is busy.
type QueuedMessage struct {
	Content  string   `json:"content"`
	Images   []string `json:"images,omitempty"`
	QueuedAt time.Time
}

// Passthrough records a slash command forwarded to the backend as a user
// message so its echo can be reattributed. RequestID is minted broker-side;
// ConsumerRequestID is the optional correlation id the consumer sent and is
// echoed back on the reattributed result.
type Passthrough struct {
	Command           string
	RequestID         string
	ConsumerRequestID string
	SentAt            time.Time
}

type pendingInitialize struct {
	requestID string
	timer     *time.Timer
}

// Limits caps the unbounded collections a session holds.
type Limits struct {
	MaxHistory     int
	PendingMax     int
	CorrelationTTL time.Duration
}

// Session owns all mutable per-session state. Every other component reads and
// writes it through these accessors; nothing reaches inside.
type Session struct {
	id string

	mu          sync.RWMutex
	adapterName string
	phase       Phase
	archived    bool

	state   *State
	reducer *Reducer

	sequencer *unified.Sequencer
	history   []*consumerwire.Sequenced
	limits    Limits

	backend       adapter.BackendSession
	backendCancel func()

	pendingPermissions map[string]*PermissionRequest
	pendingMessages    []string
	queuedMessage      *QueuedMessage
	passthroughs       []Passthrough
	pendingInit        *pendingInitialize

	consumers map[string]*consumerEntry

	registry     *Registry
	lastStatus   Status
	lastActivity time.Time
}

// New creates a session in the starting phase.
func New(id, adapterName string, limits Limits) *Session {
	return &Session{
		id:                 id,
		adapterName:        adapterName,
		phase:              PhaseStarting,
		state:              NewState(id),
		reducer:            NewReducer(limits.CorrelationTTL),
		sequencer:          unified.NewSequencer(),
		limits:             limits,
		pendingPermissions: make(map[string]*PermissionRequest),
		consumers:          make(map[string]*consumerEntry),
		registry:           NewRegistry(),
		lastActivity:       time.Now(),
	}
}

// Restore creates a session from a persisted state snapshot. The registry is
// re-populated from the persisted slash commands and skills so commands work
// before the backend re-attaches.
func Restore(state *State, adapterName string, archived bool, limits Limits) *Session {
	s := New(state.ID, adapterName, limits)
	s.state = state
	s.archived = archived
	s.phase = PhaseDisconnected
	s.registry.RegisterNames(state.SlashCommands, SourceCLI)
	s.registry.RegisterSkills(state.Skills)
	if state.Capabilities != nil {
		s.registry.RegisterCLI(state.Capabilities.Commands)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// AdapterName returns the configured backend adapter name.
func (s *Session) AdapterName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adapterName
}

// SetAdapterName changes the adapter. Allowed only before a backend is
// connected.
func (s *Session) SetAdapterName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		return false
	}
	s.adapterName = name
	return true
}

// Phase returns the lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SetPhase transitions the lifecycle phase. Transitions out of closed are
// ignored.
func (s *Session) SetPhase(phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return
	}
	s.phase = phase
}

// Closed reports whether the session reached the terminal phase.
func (s *Session) Closed() bool {
	return s.Phase() == PhaseClosed
}

// Archived reports the archive flag.
func (s *Session) Archived() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.archived
}

// SetArchived sets the archive flag.
func (s *Session) SetArchived(archived bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = archived
}

// State returns the current state snapshot. The snapshot is never mutated in
// place; Apply swaps in a new value.
func (s *Session) State() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Apply runs the reducer on the current state and reports whether the state
// changed.
func (s *Session) Apply(msg *unified.Message, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.reducer.Reduce(s.state, msg, now)
	if next == s.state {
		return false
	}
	s.state = next
	return true
}

// SetCapabilities swaps the capabilities record atomically and registers the
// reported commands.
func (s *Session) SetCapabilities(caps *Capabilities) {
	s.mu.Lock()
	next := s.state.clone()
	next.Capabilities = caps
	s.state = next
	s.mu.Unlock()

	if caps != nil {
		s.registry.RegisterCLI(caps.Commands)
	}
}

// NextSeq allocates the next sequence number and message id.
func (s *Session) NextSeq() (uint64, string) {
	return s.sequencer.Next()
}

// CurrentSeq returns the last allocated sequence number.
func (s *Session) CurrentSeq() uint64 {
	return s.sequencer.Current()
}

// AppendHistory stores a sequenced envelope, evicting the oldest entry past
// the history cap.
func (s *Session) AppendHistory(env *consumerwire.Sequenced) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, env)
	if s.limits.MaxHistory > 0 && len(s.history) > s.limits.MaxHistory {
		s.history = s.history[len(s.history)-s.limits.MaxHistory:]
	}
}

// HistorySince returns all envelopes with seq greater than lastSeen, in
// order.
func (s *Session) HistorySince(lastSeen uint64) []*consumerwire.Sequenced {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*consumerwire.Sequenced
	for _, env := range s.history {
		if env.Seq > lastSeen {
			out = append(out, env)
		}
	}
	return out
}

// HistoryTail returns the most recent n envelopes, in order.
func (s *Session) HistoryTail(n int) []*consumerwire.Sequenced {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(s.history) == 0 {
		return nil
	}
	if n > len(s.history) {
		n = len(s.history)
	}
	out := make([]*consumerwire.Sequenced, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// RestoreHistory seeds the replay buffer from persisted envelopes and
// advances the sequencer past the highest persisted seq, so post-restart
// broadcasts stay gap-free.
func (s *Session) RestoreHistory(envs []*consumerwire.Sequenced) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]*consumerwire.Sequenced(nil), envs...)
	if s.limits.MaxHistory > 0 && len(s.history) > s.limits.MaxHistory {
		s.history = s.history[len(s.history)-s.limits.MaxHistory:]
	}
	var max uint64
	for _, env := range s.history {
		if env.Seq > max {
			max = env.Seq
		}
	}
	s.sequencer.Advance(max)
}

// SetBackend stores the live backend session and the cancel func for its
// pump goroutine.
func (s *Session) SetBackend(backend adapter.BackendSession, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = backend
	s.backendCancel = cancel
}

// Backend returns the live backend session, or nil.
func (s *Session) Backend() adapter.BackendSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// ClearBackend detaches the backend, cancelling its pump. Returns the
// detached session, or nil.
func (s *Session) ClearBackend() adapter.BackendSession {
	s.mu.Lock()
	backend := s.backend
	cancel := s.backendCancel
	s.backend = nil
	s.backendCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return backend
}

// AddPendingPermission records a permission request awaiting a decision.
func (s *Session) AddPendingPermission(req *PermissionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPermissions[req.RequestID] = req
}

// TakePendingPermission removes and returns the request with the given id.
func (s *Session) TakePendingPermission(requestID string) (*PermissionRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pendingPermissions[requestID]
	if ok {
		delete(s.pendingPermissions, requestID)
	}
	return req, ok
}

// DrainPendingPermissions removes and returns all pending requests. Used
// when the backend disconnects to cancel them toward consumers.
func (s *Session) DrainPendingPermissions() []*PermissionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PermissionRequest, 0, len(s.pendingPermissions))
	for _, req := range s.pendingPermissions {
		out = append(out, req)
	}
	s.pendingPermissions = make(map[string]*PermissionRequest)
	return out
}

// PendingPermissions returns a snapshot of pending requests.
func (s *Session) PendingPermissions() []*PermissionRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PermissionRequest, 0, len(s.pendingPermissions))
	for _, req := range s.pendingPermissions {
		out = append(out, req)
	}
	return out
}

// PushPendingMessage buffers a user message for delivery once the backend
// attaches. The oldest entry is dropped past the cap.
func (s *Session) PushPendingMessage(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMessages = append(s.pendingMessages, content)
	if s.limits.PendingMax > 0 && len(s.pendingMessages) > s.limits.PendingMax {
		s.pendingMessages = s.pendingMessages[len(s.pendingMessages)-s.limits.PendingMax:]
	}
}

// PendingMessages returns a copy of the buffered user messages without
// draining them.
func (s *Session) PendingMessages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.pendingMessages...)
}

// DrainPendingMessages removes and returns buffered user messages in order.
func (s *Session) DrainPendingMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingMessages
	s.pendingMessages = nil
	return out
}

// SetQueuedMessage stages the draft message slot.
func (s *Session) SetQueuedMessage(q *QueuedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedMessage = q
}

// QueuedMessage returns the staged draft, or nil.
func (s *Session) QueuedMessage() *QueuedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queuedMessage
}

// TakeQueuedMessage clears and returns the staged draft.
func (s *Session) TakeQueuedMessage() *QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queuedMessage
	s.queuedMessage = nil
	return q
}

// PushPassthrough appends to the FIFO of slash commands forwarded to the
// backend.
func (s *Session) PushPassthrough(p Passthrough) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthroughs = append(s.passthroughs, p)
}

// PopPassthrough removes and returns the oldest pending passthrough.
func (s *Session) PopPassthrough() (Passthrough, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.passthroughs) == 0 {
		return Passthrough{}, false
	}
	p := s.passthroughs[0]
	s.passthroughs = s.passthroughs[1:]
	return p, true
}

// SetPendingInitialize records the in-flight initialize handshake. Returns
// false when one is already outstanding.
func (s *Session) SetPendingInitialize(requestID string, timer *time.Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingInit != nil {
		return false
	}
	s.pendingInit = &pendingInitialize{requestID: requestID, timer: timer}
	return true
}

// MatchPendingInitialize clears the handshake if requestID matches the
// outstanding one, stopping its timer.
func (s *Session) MatchPendingInitialize(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingInit == nil || s.pendingInit.requestID != requestID {
		return false
	}
	if s.pendingInit.timer != nil {
		s.pendingInit.timer.Stop()
	}
	s.pendingInit = nil
	return true
}

// CancelPendingInitialize clears the handshake unconditionally. Safe to call
// multiple times.
func (s *Session) CancelPendingInitialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingInit == nil {
		return
	}
	if s.pendingInit.timer != nil {
		s.pendingInit.timer.Stop()
	}
	s.pendingInit = nil
}

// RegisterConsumer records a consumer socket with its identity and rate
// limiter. The pair is stored together so no socket exists without a bucket.
func (s *Session) RegisterConsumer(socketID string, identity ConsumerIdentity, limiter *ratelimit.Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[socketID] = &consumerEntry{identity: identity, limiter: limiter}
}

// UnregisterConsumer removes a consumer socket and returns its identity.
func (s *Session) UnregisterConsumer(socketID string) (ConsumerIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.consumers[socketID]
	if !ok {
		return ConsumerIdentity{}, false
	}
	delete(s.consumers, socketID)
	return entry.identity, true
}

// ConsumerLimiter returns the rate limiter for a socket, or nil when
// unregistered.
func (s *Session) ConsumerLimiter(socketID string) *ratelimit.Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.consumers[socketID]; ok {
		return entry.limiter
	}
	return nil
}

// ConsumerIdentities returns a snapshot of connected consumer identities.
func (s *Session) ConsumerIdentities() []ConsumerIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConsumerIdentity, 0, len(s.consumers))
	for _, entry := range s.consumers {
		out = append(out, entry.identity)
	}
	return out
}

// ConsumerCount returns the number of connected consumers.
func (s *Session) ConsumerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.consumers)
}

// Registry returns the per-session slash-command registry.
func (s *Session) Registry() *Registry {
	return s.registry
}

// SetStatus records the last backend-reported status.
func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus = status
}

// Status returns the last backend-reported status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStatus
}

// Touch records traffic at the given instant.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// LastActivity returns the instant of the last inbound or outbound traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}
