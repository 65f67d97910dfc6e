package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/inprocess"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

// passthroughAdapter wraps the in-process adapter advertising passthrough
// support, so the chain's last real handler can be exercised.
type passthroughAdapter struct{ *inprocess.Adapter }

func (p *passthroughAdapter) Capabilities() adapter.Capabilities {
	caps := p.Adapter.Capabilities()
	caps.Passthrough = true
	return caps
}

// nativeSlashAdapter advertises a native executor for one command.
type nativeSlashAdapter struct{ *inprocess.Adapter }

func (n *nativeSlashAdapter) CreateSlashExecutor(session adapter.BackendSession) adapter.SlashExecutor {
	return &stubExecutor{}
}

type stubExecutor struct{}

func (s *stubExecutor) Handles(command string) bool { return command == "compact" }
func (s *stubExecutor) Execute(ctx context.Context, command string) (*adapter.SlashResult, error) {
	return &adapter.SlashResult{Content: "compacted", Source: "emulated", DurationMS: 7}, nil
}
func (s *stubExecutor) SupportedCommands() []string { return []string{"compact"} }

func idleScript(sessionID string, inbound <-chan *unified.Message, emit func(*unified.Message)) {
	for range inbound {
	}
}

func newSlashFixture(t *testing.T, ad adapter.Adapter) (*SlashChain, *Broadcaster) {
	t.Helper()
	log := testLogger(t)
	b := NewBroadcaster(QueueLimits{HighWaterMark: 100, MaxQueueSize: 200}, log)
	resolver := adapter.NewResolver(ad)
	return NewSlashChain(resolver, b, nil, log), b
}

func TestSlashLocalHelp(t *testing.T) {
	chain, _ := newSlashFixture(t, inprocess.New(idleScript))
	sess := testSession(t)

	chain.Execute(context.Background(), sess, "/help", "")

	require.NotEmpty(t, sess.HistoryTail(1))
	env := sess.HistoryTail(1)[0]
	assert.Equal(t, consumerwire.OutSlashCommandResult, env.PayloadType())
	assert.Equal(t, SlashSourceEmulated, env.Payload["source"])
	assert.Contains(t, env.Payload["content"], "/help")
}

func TestSlashNativeExecutor(t *testing.T) {
	ad := &nativeSlashAdapter{inprocess.New(idleScript)}
	chain, _ := newSlashFixture(t, ad)
	sess := testSession(t)
	sess.SetAdapterName(ad.Name())

	backend, err := ad.Connect(context.Background(), adapter.ConnectOptions{SessionID: sess.ID()})
	require.NoError(t, err)
	sess.SetBackend(backend, func() {})

	chain.Execute(context.Background(), sess, "/compact", "")

	env := sess.HistoryTail(1)[0]
	assert.Equal(t, consumerwire.OutSlashCommandResult, env.PayloadType())
	assert.Equal(t, "emulated", env.Payload["source"])
	assert.Equal(t, "compacted", env.Payload["content"])
}

func TestSlashPassthrough(t *testing.T) {
	received := make(chan *unified.Message, 1)
	script := func(sessionID string, inbound <-chan *unified.Message, emit func(*unified.Message)) {
		for msg := range inbound {
			received <- msg
		}
	}
	ad := &passthroughAdapter{inprocess.New(script)}
	chain, _ := newSlashFixture(t, ad)
	sess := testSession(t)
	sess.SetAdapterName(ad.Name())

	backend, err := ad.Connect(context.Background(), adapter.ConnectOptions{SessionID: sess.ID()})
	require.NoError(t, err)
	sess.SetBackend(backend, func() {})

	chain.Execute(context.Background(), sess, "/unknown-to-everyone arg1", "")

	select {
	case msg := <-received:
		assert.Equal(t, unified.TypeUserMessage, msg.Type)
		assert.Equal(t, "/unknown-to-everyone arg1", msg.Text())
	case <-time.After(time.Second):
		t.Fatal("command was not forwarded to the backend")
	}

	p, ok := sess.PopPassthrough()
	require.True(t, ok, "passthrough is recorded for echo reattribution")
	assert.Equal(t, "/unknown-to-everyone arg1", p.Command)
}

func TestSlashEchoesConsumerRequestID(t *testing.T) {
	chain, _ := newSlashFixture(t, inprocess.New(idleScript))
	sess := testSession(t)

	chain.Execute(context.Background(), sess, "/help", "req-42")

	env := sess.HistoryTail(1)[0]
	assert.Equal(t, consumerwire.OutSlashCommandResult, env.PayloadType())
	assert.Equal(t, "req-42", env.Payload["request_id"])

	// Errors carry it too.
	chain.Execute(context.Background(), sess, "/nope", "req-43")
	env = sess.HistoryTail(1)[0]
	assert.Equal(t, consumerwire.OutSlashCommandError, env.PayloadType())
	assert.Equal(t, "req-43", env.Payload["request_id"])

	// Without one the key is absent rather than empty.
	chain.Execute(context.Background(), sess, "/help", "")
	env = sess.HistoryTail(1)[0]
	assert.NotContains(t, env.Payload, "request_id")
}

func TestSlashPassthroughMintsBackendID(t *testing.T) {
	ad := &passthroughAdapter{inprocess.New(idleScript)}
	chain, _ := newSlashFixture(t, ad)
	sess := testSession(t)
	sess.SetAdapterName(ad.Name())

	backend, err := ad.Connect(context.Background(), adapter.ConnectOptions{SessionID: sess.ID()})
	require.NoError(t, err)
	sess.SetBackend(backend, func() {})

	chain.Execute(context.Background(), sess, "/web-search golang", "req-7")

	p, ok := sess.PopPassthrough()
	require.True(t, ok)
	assert.Equal(t, "req-7", p.ConsumerRequestID)
	assert.NotEmpty(t, p.RequestID)
	assert.NotEqual(t, p.ConsumerRequestID, p.RequestID,
		"the backend-side id is minted broker-side, never the consumer's")
}

func TestSlashUnsupported(t *testing.T) {
	// No backend, adapter without passthrough: the chain falls through.
	chain, _ := newSlashFixture(t, inprocess.New(idleScript))
	sess := testSession(t)

	chain.Execute(context.Background(), sess, "/nope", "")

	env := sess.HistoryTail(1)[0]
	assert.Equal(t, consumerwire.OutSlashCommandError, env.PayloadType())
	assert.Equal(t, "/nope", env.Payload["command"])
}

func TestSlashChainPrefersLocalOverNative(t *testing.T) {
	// help is registered as a built-in; even with a native executor present
	// the local handler claims it.
	ad := &nativeSlashAdapter{inprocess.New(idleScript)}
	chain, _ := newSlashFixture(t, ad)
	sess := testSession(t)
	sess.SetAdapterName(ad.Name())

	backend, err := ad.Connect(context.Background(), adapter.ConnectOptions{SessionID: sess.ID()})
	require.NoError(t, err)
	sess.SetBackend(backend, func() {})

	chain.Execute(context.Background(), sess, "/help", "")

	env := sess.HistoryTail(1)[0]
	assert.Equal(t, SlashSourceEmulated, env.Payload["source"])
}
