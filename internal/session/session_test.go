package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/ratelimit"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

const testID = "11111111-1111-1111-1111-111111111111"

type stubBackend struct{}

func (s *stubBackend) SessionID() string                             { return testID }
func (s *stubBackend) Send(context.Context, *unified.Message) error  { return nil }
func (s *stubBackend) SendRaw(context.Context, []byte) error         { return nil }
func (s *stubBackend) Messages() <-chan *unified.Message             { return nil }
func (s *stubBackend) Close() error                                  { return nil }

func testLimits() Limits {
	return Limits{MaxHistory: 5, PendingMax: 3, CorrelationTTL: 30 * time.Second}
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID(testID))
	assert.False(t, ValidID("not-a-uuid"))
	assert.False(t, ValidID("../../etc/passwd"))
	assert.False(t, ValidID(testID+"x"))
}

func TestHistoryCapAndReplay(t *testing.T) {
	s := New(testID, "claude", testLimits())

	for i := 0; i < 8; i++ {
		seq, id := s.NextSeq()
		s.AppendHistory(&consumerwire.Sequenced{
			Seq:       seq,
			MessageID: id,
			Payload:   consumerwire.NewPayload(consumerwire.OutAssistant),
		})
	}

	tail := s.HistoryTail(100)
	require.Len(t, tail, 5, "history is capped")
	assert.Equal(t, uint64(4), tail[0].Seq)
	assert.Equal(t, uint64(8), tail[4].Seq)

	since := s.HistorySince(6)
	require.Len(t, since, 2)
	assert.Equal(t, uint64(7), since[0].Seq)
	assert.Equal(t, uint64(8), since[1].Seq)
}

func TestPendingMessagesDropOldest(t *testing.T) {
	s := New(testID, "claude", testLimits())
	for _, content := range []string{"a", "b", "c", "d"} {
		s.PushPendingMessage(content)
	}
	assert.Equal(t, []string{"b", "c", "d"}, s.DrainPendingMessages())
	assert.Empty(t, s.DrainPendingMessages())
}

func TestPassthroughFIFO(t *testing.T) {
	s := New(testID, "claude", testLimits())
	s.PushPassthrough(Passthrough{Command: "/one"})
	s.PushPassthrough(Passthrough{Command: "/two"})

	p, ok := s.PopPassthrough()
	require.True(t, ok)
	assert.Equal(t, "/one", p.Command)
	p, ok = s.PopPassthrough()
	require.True(t, ok)
	assert.Equal(t, "/two", p.Command)
	_, ok = s.PopPassthrough()
	assert.False(t, ok)
}

func TestPendingInitializeSingleFlight(t *testing.T) {
	s := New(testID, "claude", testLimits())

	require.True(t, s.SetPendingInitialize("req-1", nil))
	assert.False(t, s.SetPendingInitialize("req-2", nil), "only one handshake may be in flight")

	assert.False(t, s.MatchPendingInitialize("req-2"))
	assert.True(t, s.MatchPendingInitialize("req-1"))
	assert.False(t, s.MatchPendingInitialize("req-1"), "match clears the entry")

	s.CancelPendingInitialize()
	s.CancelPendingInitialize()
}

func TestConsumerRegistrationPairsLimiter(t *testing.T) {
	s := New(testID, "claude", testLimits())
	limiter := ratelimit.NewBucket(10, 10)
	s.RegisterConsumer("sock-1", ConsumerIdentity{UserID: "u1", Role: RoleParticipant}, limiter)

	assert.Same(t, limiter, s.ConsumerLimiter("sock-1"))
	assert.Equal(t, 1, s.ConsumerCount())

	identity, ok := s.UnregisterConsumer("sock-1")
	require.True(t, ok)
	assert.Equal(t, "u1", identity.UserID)
	assert.Nil(t, s.ConsumerLimiter("sock-1"))
}

func TestSetAdapterNameBlockedAfterConnect(t *testing.T) {
	s := New(testID, "claude", testLimits())
	require.True(t, s.SetAdapterName("codex"))

	s.SetBackend(&stubBackend{}, func() {})
	assert.False(t, s.SetAdapterName("gemini"))
	assert.Equal(t, "codex", s.AdapterName())
}

func TestRestoreRepopulatesRegistry(t *testing.T) {
	state := NewState(testID)
	state.SlashCommands = []string{"compact", "review"}
	state.Skills = []string{"pdf"}

	s := Restore(state, "claude", false, testLimits())
	assert.Equal(t, PhaseDisconnected, s.Phase())

	_, ok := s.Registry().Lookup("/compact")
	assert.True(t, ok)
	_, ok = s.Registry().Lookup("pdf")
	assert.True(t, ok)
	_, ok = s.Registry().Lookup("/help")
	assert.True(t, ok, "builtins are always present")
}

func TestClosedPhaseIsTerminal(t *testing.T) {
	s := New(testID, "claude", testLimits())
	s.SetPhase(PhaseClosed)
	s.SetPhase(PhaseConnected)
	assert.Equal(t, PhaseClosed, s.Phase())
}
