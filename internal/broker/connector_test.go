package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/inprocess"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

func newConnectorFixture(t *testing.T, ad adapter.Adapter) (*Connector, *Broadcaster) {
	t.Helper()
	log := testLogger(t)
	repo := testRepo(t)
	b := NewBroadcaster(QueueLimits{HighWaterMark: 100, MaxQueueSize: 200}, log)
	caps := NewCapabilitiesPolicy(time.Minute, b, nil, log)
	router := NewRouter(repo, b, caps, nil, log)
	resolver := adapter.NewResolver(ad)
	return NewConnector(resolver, repo, b, router, caps, nil, log), b
}

func echoScript(sessionID string, inbound <-chan *unified.Message, emit func(*unified.Message)) {
	init := unified.NewMessage(unified.TypeSessionInit, unified.RoleSystem)
	init.SetMeta(unified.MetaSessionID, sessionID)
	init.SetMeta(unified.MetaModel, "test-model")
	emit(init)

	for msg := range inbound {
		if msg.Type == unified.TypeUserMessage {
			emit(unified.TextMessage(unified.TypeAssistant, unified.RoleAssistant, "echo: "+msg.Text()))
		}
	}
}

func waitForType(t *testing.T, sess *session.Session, msgType string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, got := range historyTypes(sess) {
			if got == msgType {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "expected %s in history", msgType)
}

func TestConnectorAttachesAndPumps(t *testing.T) {
	connector, _ := newConnectorFixture(t, inprocess.New(echoScript))
	sess := testSession(t)

	err := connector.Connect(context.Background(), sess, adapter.ConnectOptions{})
	require.NoError(t, err)
	require.NotNil(t, sess.Backend())
	assert.Equal(t, session.PhaseConnected, sess.Phase())

	waitForType(t, sess, consumerwire.OutCLIConnected)
	waitForType(t, sess, consumerwire.OutSessionInit)

	require.Eventually(t, func() bool {
		return sess.State().Model == "test-model"
	}, time.Second, 5*time.Millisecond)

	// A second connect with a live backend is a no-op.
	require.NoError(t, connector.Connect(context.Background(), sess, adapter.ConnectOptions{}))
}

func TestConnectorDrainsBufferedMessages(t *testing.T) {
	connector, _ := newConnectorFixture(t, inprocess.New(echoScript))
	sess := testSession(t)
	sess.PushPendingMessage("first")
	sess.PushPendingMessage("second")

	require.NoError(t, connector.Connect(context.Background(), sess, adapter.ConnectOptions{}))

	require.Eventually(t, func() bool {
		count := 0
		for _, env := range sess.HistoryTail(100) {
			if env.PayloadType() == consumerwire.OutAssistant {
				count++
			}
		}
		return count == 2
	}, time.Second, 5*time.Millisecond, "both buffered messages reach the backend in order")

	var echoes []string
	for _, env := range sess.HistoryTail(100) {
		if env.PayloadType() == consumerwire.OutAssistant {
			if blocks, ok := env.Payload["content"].([]unified.ContentBlock); ok && len(blocks) > 0 {
				echoes = append(echoes, blocks[0].Text)
			}
		}
	}
	require.Len(t, echoes, 2)
	assert.Equal(t, "echo: first", echoes[0])
	assert.Equal(t, "echo: second", echoes[1])
}

func TestConnectorHandlesBackendDisconnect(t *testing.T) {
	connector, _ := newConnectorFixture(t, inprocess.New(echoScript))
	sess := testSession(t)

	require.NoError(t, connector.Connect(context.Background(), sess, adapter.ConnectOptions{}))
	waitForType(t, sess, consumerwire.OutSessionInit)

	sess.AddPendingPermission(&session.PermissionRequest{RequestID: "dangling", ReceivedAt: time.Now()})

	backend := sess.Backend()
	require.NotNil(t, backend)
	require.NoError(t, backend.Close())

	waitForType(t, sess, consumerwire.OutCLIDisconnected)
	waitForType(t, sess, consumerwire.OutPermissionCancelled)

	require.Eventually(t, func() bool {
		return sess.Phase() == session.PhaseDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, sess.Backend())
	assert.Empty(t, sess.PendingPermissions())
}

func TestConnectorDisconnectHookFires(t *testing.T) {
	connector, _ := newConnectorFixture(t, inprocess.New(echoScript))
	sess := testSession(t)

	fired := make(chan struct{}, 1)
	connector.SetDisconnectHook(func(s *session.Session) {
		if s.ID() == sess.ID() {
			fired <- struct{}{}
		}
	})

	require.NoError(t, connector.Connect(context.Background(), sess, adapter.ConnectOptions{}))
	require.NoError(t, sess.Backend().Close())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("disconnect hook did not fire")
	}
}

func TestConnectorRefusesClosedSession(t *testing.T) {
	connector, _ := newConnectorFixture(t, inprocess.New(echoScript))
	sess := testSession(t)
	sess.SetPhase(session.PhaseClosed)

	err := connector.Connect(context.Background(), sess, adapter.ConnectOptions{})
	require.Error(t, err)
}
