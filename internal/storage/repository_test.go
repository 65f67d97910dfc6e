package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

func newTestRepository(t *testing.T, maxLive int) *Repository {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	fs, err := NewFileStorage(t.TempDir(), log)
	require.NoError(t, err)
	limits := session.Limits{MaxHistory: 100, PendingMax: 10, CorrelationTTL: 30 * time.Second}
	return NewRepository(fs, limits, maxLive, 10*time.Millisecond, log)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	repo := newTestRepository(t, 0)

	first, created, err := repo.GetOrCreate(testID, "claude")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.GetOrCreate(testID, "codex")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
}

func TestGetOrCreateConcurrentSingleSession(t *testing.T) {
	repo := newTestRepository(t, 0)

	var wg sync.WaitGroup
	results := make([]*session.Session, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := repo.GetOrCreate(testID, "claude")
			require.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, 1, repo.Count())
}

func TestMaxSessionsEnforced(t *testing.T) {
	repo := newTestRepository(t, 1)

	_, _, err := repo.GetOrCreate(testID, "claude")
	require.NoError(t, err)
	_, _, err = repo.GetOrCreate("22222222-2222-2222-2222-222222222222", "claude")
	assert.True(t, apperrors.IsKind(err, apperrors.KindMaxSessionsReached))
}

func TestDebouncedSaveCoalesces(t *testing.T) {
	repo := newTestRepository(t, 0)
	s, _, err := repo.GetOrCreate(testID, "claude")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		repo.Save(s)
	}

	require.Eventually(t, func() bool {
		_, err := repo.storage.Load(testID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRestoreCarriesRuntimeCollections(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	fs, err := NewFileStorage(t.TempDir(), log)
	require.NoError(t, err)
	limits := session.Limits{MaxHistory: 100, PendingMax: 10, CorrelationTTL: 30 * time.Second}
	repo := NewRepository(fs, limits, 0, 10*time.Millisecond, log)

	s, _, err := repo.GetOrCreate(testID, "claude")
	require.NoError(t, err)

	seq, msgID := s.NextSeq()
	s.AppendHistory(&consumerwire.Sequenced{
		Seq:       seq,
		MessageID: msgID,
		Payload:   map[string]any{"type": "assistant", "content": "hello"},
	})
	s.PushPendingMessage("while you were away")
	s.AddPendingPermission(&session.PermissionRequest{
		RequestID:  "perm-1",
		ToolName:   "Bash",
		Input:      map[string]any{"command": "ls"},
		ReceivedAt: time.Now(),
	})
	require.NoError(t, repo.SaveSync(s))

	// A fresh repository over the same directory simulates a daemon restart.
	reopened := NewRepository(fs, limits, 0, 10*time.Millisecond, log)
	restored, err := reopened.RestoreAll()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	got := restored[0]

	history := got.HistorySince(0)
	require.Len(t, history, 1, "message history must survive restart")
	assert.Equal(t, seq, history[0].Seq)
	assert.Equal(t, "assistant", history[0].PayloadType())

	nextSeq, _ := got.NextSeq()
	assert.Equal(t, seq+1, nextSeq, "sequencer resumes past persisted history")

	assert.Equal(t, []string{"while you were away"}, got.PendingMessages())

	req, ok := got.TakePendingPermission("perm-1")
	require.True(t, ok, "pending permission must survive restart")
	assert.Equal(t, "Bash", req.ToolName)
}

func TestRestoreSkipsNewerSchemaVersions(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	fs, err := NewFileStorage(t.TempDir(), log)
	require.NoError(t, err)
	require.NoError(t, fs.Save(testID, &PersistedSession{
		State:         session.NewState(testID),
		AdapterName:   "claude",
		SchemaVersion: SchemaVersion + 1,
		UpdatedAt:     time.Now(),
	}))

	repo := NewRepository(fs, session.Limits{}, 0, 10*time.Millisecond, log)
	restored, err := repo.RestoreAll()
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestRestoreAllDoesNotOverwriteLive(t *testing.T) {
	repo := newTestRepository(t, 0)
	s, _, err := repo.GetOrCreate(testID, "claude")
	require.NoError(t, err)
	require.NoError(t, repo.SaveSync(s))

	// A second session persisted but not in the live map.
	otherID := "22222222-2222-2222-2222-222222222222"
	other := session.New(otherID, "codex", session.Limits{CorrelationTTL: time.Second})
	require.NoError(t, repo.SaveSync(other))

	restored, err := repo.RestoreAll()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, otherID, restored[0].ID())

	live, ok := repo.Get(testID)
	require.True(t, ok)
	assert.Same(t, s, live, "live session survives restore")
}
