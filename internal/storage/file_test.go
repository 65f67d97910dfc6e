package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
)

const testID = "11111111-1111-1111-1111-111111111111"

func newTestStorage(t *testing.T) *FileStorage {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	fs, err := NewFileStorage(t.TempDir(), log)
	require.NoError(t, err)
	return fs
}

func testRecord(id string) *PersistedSession {
	state := session.NewState(id)
	state.Model = "claude-opus-4"
	state.SlashCommands = []string{"compact"}
	return &PersistedSession{State: state, AdapterName: "claude", UpdatedAt: time.Now()}
}

func TestFileStorageRoundTrip(t *testing.T) {
	fs := newTestStorage(t)

	require.NoError(t, fs.Save(testID, testRecord(testID)))
	record, err := fs.Load(testID)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", record.State.Model)
	assert.Equal(t, "claude", record.AdapterName)

	require.NoError(t, fs.Remove(testID))
	_, err = fs.Load(testID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindUnknownSession))
	require.NoError(t, fs.Remove(testID), "removing a missing session is not an error")
}

func TestFileStorageRejectsInvalidID(t *testing.T) {
	fs := newTestStorage(t)

	err := fs.Save("../escape", testRecord(testID))
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidPath))
	_, err = fs.Load("not-a-uuid")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidPath))
}

func TestFileStorageNoTmpLeftBehind(t *testing.T) {
	fs := newTestStorage(t)
	require.NoError(t, fs.Save(testID, testRecord(testID)))

	entries, err := os.ReadDir(fs.dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), tmpSuffix)
	}
}

func TestFileStorageSweepsOrphans(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, testID+".json"+tmpSuffix)
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o644))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	_, err = NewFileStorage(dir, log)
	require.NoError(t, err)

	_, statErr := os.Stat(orphan)
	assert.True(t, os.IsNotExist(statErr), "orphaned .tmp must be removed at startup")
}

func TestFileStorageLoadAllSkipsCorrupt(t *testing.T) {
	fs := newTestStorage(t)
	require.NoError(t, fs.Save(testID, testRecord(testID)))

	corruptID := "22222222-2222-2222-2222-222222222222"
	corrupt := filepath.Join(fs.dir, corruptID+".json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))

	records, err := fs.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, testID, records[0].State.ID)
}
