package broker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return log
}

func testSession(t *testing.T) *session.Session {
	t.Helper()
	return session.New("11111111-2222-3333-4444-555555555555", "inprocess", session.Limits{
		MaxHistory: 500,
		PendingMax: 100,
	})
}

// testConsumer builds a consumer whose write pump never runs, so the queue
// depth is fully controlled by Enqueue calls.
func testConsumer(sessionID string, limits QueueLimits, log *logger.Logger) *Consumer {
	return NewConsumer("c1", sessionID, session.ConsumerIdentity{UserID: "u1"}, nil, limits, log)
}

func envOf(msgType string) *consumerwire.Sequenced {
	return &consumerwire.Sequenced{Payload: consumerwire.NewPayload(msgType)}
}

func TestConsumerBackpressureShedsNonCritical(t *testing.T) {
	log := testLogger(t)
	c := testConsumer("s", QueueLimits{HighWaterMark: 2, MaxQueueSize: 4}, log)

	assert.True(t, c.Enqueue(envOf(consumerwire.OutStreamEvent)))
	assert.True(t, c.Enqueue(envOf(consumerwire.OutStreamEvent)))

	// At the high-water mark: non-critical sheds, critical still flows.
	assert.False(t, c.Enqueue(envOf(consumerwire.OutStreamEvent)))
	assert.True(t, c.Enqueue(envOf(consumerwire.OutPermissionRequest)))
	assert.True(t, c.Enqueue(envOf(consumerwire.OutResult)))

	// At the hard cap: everything sheds, critical included.
	assert.False(t, c.Enqueue(envOf(consumerwire.OutPermissionRequest)))
	assert.False(t, c.Enqueue(envOf(consumerwire.OutStreamEvent)))

	assert.Equal(t, uint64(3), c.Dropped())
}

func TestBroadcastDisconnectsOverflowingConsumer(t *testing.T) {
	log := testLogger(t)
	b := NewBroadcaster(QueueLimits{HighWaterMark: 1, MaxQueueSize: 2}, log)
	sess := testSession(t)

	c := testConsumer(sess.ID(), b.Limits(), log)
	b.Register(c)

	// Fill the queue to the hard cap with critical frames.
	require.True(t, c.Enqueue(envOf(consumerwire.OutPermissionRequest)))
	require.True(t, c.Enqueue(envOf(consumerwire.OutResult)))
	require.True(t, c.Saturated())

	// The next broadcast cannot be delivered, so the socket must go, not the
	// frame.
	b.Broadcast(sess, consumerwire.NewPayload(consumerwire.OutPermissionRequest))

	assert.Equal(t, 0, b.ConsumerCount(sess.ID()))
	select {
	case <-c.Done():
	default:
		t.Fatal("saturated consumer was not closed")
	}
}

func TestBroadcastSequencesFromOne(t *testing.T) {
	log := testLogger(t)
	b := NewBroadcaster(QueueLimits{HighWaterMark: 10, MaxQueueSize: 20}, log)
	sess := testSession(t)

	first := b.Broadcast(sess, consumerwire.NewPayload(consumerwire.OutStatusChange))
	second := b.Broadcast(sess, consumerwire.NewPayload(consumerwire.OutAssistant))

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.Equal(t, uint64(2), sess.CurrentSeq())
}

func TestBroadcastFansOutToRegisteredConsumers(t *testing.T) {
	log := testLogger(t)
	b := NewBroadcaster(QueueLimits{HighWaterMark: 10, MaxQueueSize: 20}, log)
	sess := testSession(t)

	c1 := testConsumer(sess.ID(), b.Limits(), log)
	c2 := testConsumer(sess.ID(), b.Limits(), log)
	b.Register(c1)
	b.Register(c2)
	require.Equal(t, 2, b.ConsumerCount(sess.ID()))

	env := b.Broadcast(sess, consumerwire.NewPayload(consumerwire.OutAssistant))

	got1 := <-c1.queue
	got2 := <-c2.queue
	assert.Same(t, env, got1)
	assert.Same(t, env, got2)

	b.Unregister(c1)
	assert.Equal(t, 1, b.ConsumerCount(sess.ID()))
}

func TestHistoryReplayFromLastSeen(t *testing.T) {
	log := testLogger(t)
	b := NewBroadcaster(QueueLimits{HighWaterMark: 100, MaxQueueSize: 200}, log)
	sess := testSession(t)

	for i := 0; i < 50; i++ {
		payload := consumerwire.NewPayload(consumerwire.OutStreamEvent)
		payload["n"] = fmt.Sprintf("%d", i)
		b.Broadcast(sess, payload)
	}

	replay := sess.HistorySince(20)
	require.Len(t, replay, 30)
	assert.Equal(t, uint64(21), replay[0].Seq)
	assert.Equal(t, uint64(50), replay[len(replay)-1].Seq)
}

func TestBroadcastEphemeralSkipsHistory(t *testing.T) {
	log := testLogger(t)
	b := NewBroadcaster(QueueLimits{HighWaterMark: 10, MaxQueueSize: 20}, log)
	sess := testSession(t)

	c := testConsumer(sess.ID(), b.Limits(), log)
	b.Register(c)

	b.BroadcastEphemeral(sess.ID(), consumerwire.NewPayload(consumerwire.OutPresenceUpdate))

	got := <-c.queue
	assert.Equal(t, uint64(0), got.Seq)
	assert.Equal(t, consumerwire.OutPresenceUpdate, got.PayloadType())
	assert.Empty(t, sess.HistoryTail(10), "ephemeral messages are not recorded")
	assert.Equal(t, uint64(0), sess.CurrentSeq())
}
