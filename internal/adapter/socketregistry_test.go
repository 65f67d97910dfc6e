package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
)

type fakeSocket struct{ frames [][]byte }

func (f *fakeSocket) ReadFrame() ([]byte, error) { return nil, nil }
func (f *fakeSocket) WriteFrame(d []byte) error  { f.frames = append(f.frames, d); return nil }
func (f *fakeSocket) Close() error               { return nil }

type stubAdapter struct{ name string }

func (s *stubAdapter) Name() string               { return s.name }
func (s *stubAdapter) Capabilities() Capabilities { return Capabilities{} }
func (s *stubAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	return nil, apperrors.New(apperrors.KindConnectFailed, "stub")
}

func TestSocketRegistryDeliver(t *testing.T) {
	r := NewSocketRegistry()
	ch, err := r.Register("sess-1", time.Second)
	require.NoError(t, err)
	require.True(t, r.Waiting("sess-1"))

	sock := &fakeSocket{}
	assert.True(t, r.Deliver("sess-1", sock))
	got, ok := <-ch
	require.True(t, ok)
	assert.Same(t, sock, got)
	assert.False(t, r.Waiting("sess-1"))

	assert.False(t, r.Deliver("sess-1", sock), "second delivery stashes, no waiter fulfilled")
}

func TestSocketRegistryDeliverBeforeRegister(t *testing.T) {
	r := NewSocketRegistry()
	sock := &fakeSocket{}
	assert.False(t, r.Deliver("sess-1", sock))

	ch, err := r.Register("sess-1", time.Minute)
	require.NoError(t, err)
	got, ok := <-ch
	require.True(t, ok, "stashed socket fulfills the registration immediately")
	assert.Same(t, sock, got)
}

func TestSocketRegistryTimeout(t *testing.T) {
	r := NewSocketRegistry()
	ch, err := r.Register("sess-1", 20*time.Millisecond)
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "timeout closes the channel without a socket")
	case <-time.After(time.Second):
		t.Fatal("rendezvous did not time out")
	}
	assert.False(t, r.Waiting("sess-1"))
}

func TestSocketRegistryCancel(t *testing.T) {
	r := NewSocketRegistry()
	ch, err := r.Register("sess-1", time.Minute)
	require.NoError(t, err)

	r.Cancel("sess-1")
	r.Cancel("sess-1")

	_, ok := <-ch
	assert.False(t, ok)
}

func TestSocketRegistryReRegisterReplaces(t *testing.T) {
	r := NewSocketRegistry()
	first, err := r.Register("sess-1", time.Minute)
	require.NoError(t, err)
	second, err := r.Register("sess-1", time.Minute)
	require.NoError(t, err)

	_, ok := <-first
	assert.False(t, ok, "old rendezvous is cancelled")

	sock := &fakeSocket{}
	require.True(t, r.Deliver("sess-1", sock))
	got, ok := <-second
	require.True(t, ok)
	assert.Same(t, sock, got)
}

func TestResolver(t *testing.T) {
	a := &stubAdapter{name: "claude"}
	b := &stubAdapter{name: "codex"}
	r := NewResolver(a, b)

	got, err := r.Resolve("codex")
	require.NoError(t, err)
	assert.Same(t, b, got)

	got, err = r.Resolve("")
	require.NoError(t, err)
	assert.Same(t, a, got, "empty name resolves to the default adapter")

	_, err = r.Resolve("nope")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindUnsupported))
	assert.False(t, r.Known("nope"))
	assert.ElementsMatch(t, []string{"claude", "codex"}, r.Names())
}
