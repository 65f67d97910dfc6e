package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/adapter/inprocess"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

func newReconnectFixture(t *testing.T, grace time.Duration, threshold int, recovery time.Duration) *ReconnectPolicy {
	t.Helper()
	connector, _ := newConnectorFixture(t, inprocess.New(echoScript))
	return NewReconnectPolicy(connector, grace, threshold, recovery, testLogger(t))
}

func TestReconnectBreakerTripsWithinWindow(t *testing.T) {
	p := newReconnectFixture(t, time.Minute, 3, time.Minute)

	p.recordFailure("s1")
	p.recordFailure("s1")
	assert.False(t, p.tripped("s1"))

	p.recordFailure("s1")
	assert.True(t, p.tripped("s1"))
	assert.False(t, p.tripped("s2"), "windows are per session")
}

func TestReconnectBreakerResetsAfterRecovery(t *testing.T) {
	p := newReconnectFixture(t, time.Minute, 2, 30*time.Millisecond)

	p.recordFailure("s1")
	p.recordFailure("s1")
	require.True(t, p.tripped("s1"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.tripped("s1"), "the window expires after the recovery period")
}

func TestReconnectCancelClearsState(t *testing.T) {
	p := newReconnectFixture(t, time.Minute, 1, time.Minute)

	p.recordFailure("s1")
	require.True(t, p.tripped("s1"))

	p.Cancel("s1")
	assert.False(t, p.tripped("s1"))

	// Cancelling an unknown session is harmless.
	p.Cancel("never-seen")
}

func TestReconnectSkipsWhenNobodyWatches(t *testing.T) {
	p := newReconnectFixture(t, 10*time.Millisecond, 3, time.Minute)
	sess := testSession(t)
	sess.SetPhase(session.PhaseDisconnected)

	p.OnDisconnect(sess)
	time.Sleep(50 * time.Millisecond)

	assert.Nil(t, sess.Backend(), "no relaunch without consumers")
}

func TestReconnectReattachesForWatchedSession(t *testing.T) {
	p := newReconnectFixture(t, 10*time.Millisecond, 3, time.Minute)
	sess := testSession(t)
	sess.SetPhase(session.PhaseDisconnected)
	sess.RegisterConsumer("sock-1", session.ConsumerIdentity{UserID: "u1"}, nil)

	p.OnDisconnect(sess)

	require.Eventually(t, func() bool {
		return sess.Backend() != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.PhaseConnected, sess.Phase())
}

func TestReconnectSkipsArchivedSessions(t *testing.T) {
	p := newReconnectFixture(t, 10*time.Millisecond, 3, time.Minute)
	sess := testSession(t)
	sess.SetPhase(session.PhaseDisconnected)
	sess.SetArchived(true)
	sess.RegisterConsumer("sock-1", session.ConsumerIdentity{UserID: "u1"}, nil)

	p.OnDisconnect(sess)
	time.Sleep(50 * time.Millisecond)

	assert.Nil(t, sess.Backend(), "archived sessions are never relaunched")
}

func TestWatchdogRelaunchesRestoredSession(t *testing.T) {
	p := newReconnectFixture(t, 10*time.Millisecond, 3, time.Minute)
	sess := testSession(t)
	sess.SetPhase(session.PhaseDisconnected)

	// No consumers: the watchdog relaunches anyway.
	p.WatchRestored([]*session.Session{sess})

	require.Eventually(t, func() bool {
		return sess.Backend() != nil
	}, time.Second, 5*time.Millisecond)

	var watched bool
	for _, env := range sess.HistoryTail(20) {
		if env.PayloadType() == consumerwire.OutStatusChange && env.Payload["status"] == "watchdog" {
			watched = true
		}
	}
	assert.True(t, watched, "consumers are told the session is under the watchdog")
}

func TestWatchdogIgnoresArchivedRestoredSession(t *testing.T) {
	p := newReconnectFixture(t, 10*time.Millisecond, 3, time.Minute)
	sess := testSession(t)
	sess.SetPhase(session.PhaseDisconnected)
	sess.SetArchived(true)

	p.WatchRestored([]*session.Session{sess})
	time.Sleep(50 * time.Millisecond)

	assert.Nil(t, sess.Backend())
	assert.Empty(t, sess.HistoryTail(10), "no watchdog notice for archived sessions")
}

func TestReconnectSuppressedWhenBreakerOpen(t *testing.T) {
	p := newReconnectFixture(t, 10*time.Millisecond, 1, time.Minute)
	sess := testSession(t)
	sess.SetPhase(session.PhaseDisconnected)
	sess.RegisterConsumer("sock-1", session.ConsumerIdentity{UserID: "u1"}, nil)
	p.recordFailure(sess.ID())

	p.OnDisconnect(sess)

	require.Eventually(t, func() bool {
		for _, env := range sess.HistoryTail(10) {
			if env.PayloadType() == consumerwire.OutError && env.Payload["kind"] == "RELAUNCH_SUPPRESSED" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, sess.Backend())
}

func TestIdlePolicyReapsStaleSessions(t *testing.T) {
	log := testLogger(t)
	repo := testRepo(t)

	stale, _, err := repo.GetOrCreate("11111111-2222-3333-4444-555555555555", "inprocess")
	require.NoError(t, err)
	watched, _, err := repo.GetOrCreate("22222222-3333-4444-5555-666666666666", "inprocess")
	require.NoError(t, err)
	watched.RegisterConsumer("sock-1", session.ConsumerIdentity{UserID: "u1"}, nil)

	var reaped []string
	closer := func(sess *session.Session) { reaped = append(reaped, sess.ID()) }
	p := NewIdlePolicy(repo, 20*time.Millisecond, time.Minute, closer, log)

	time.Sleep(40 * time.Millisecond)
	p.sweep()

	assert.Equal(t, []string{stale.ID()}, reaped, "only the unwatched idle session is reaped")
}

func TestIdlePolicySkipsActiveSessions(t *testing.T) {
	log := testLogger(t)
	repo := testRepo(t)

	sess, _, err := repo.GetOrCreate("11111111-2222-3333-4444-555555555555", "inprocess")
	require.NoError(t, err)

	var reaped int
	p := NewIdlePolicy(repo, time.Minute, time.Minute, func(*session.Session) { reaped++ }, log)

	sess.Touch(time.Now())
	p.sweep()

	assert.Zero(t, reaped)
}
