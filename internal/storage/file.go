package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
)

const tmpSuffix = ".tmp"

// FileStorage persists one JSON file per session under a single directory.
// Writes are atomic: write to <id>.json.tmp, fsync, rename. A crashed write
// leaves at worst an orphaned .tmp file, which startup sweeps.
type FileStorage struct {
	dir    string
	logger *logger.Logger
}

// NewFileStorage creates the directory if needed and sweeps orphaned .tmp
// files left by a previous crash.
func NewFileStorage(dir string, log *logger.Logger) (*FileStorage, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, apperrors.PersistenceIO(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperrors.PersistenceIO(err)
	}

	fs := &FileStorage{
		dir:    abs,
		logger: log.WithFields(zap.String("component", "file-storage"), zap.String("dir", abs)),
	}
	fs.sweepOrphans()
	return fs, nil
}

func (fs *FileStorage) sweepOrphans() {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		fs.logger.Warn("failed to scan storage directory", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tmpSuffix) {
			continue
		}
		path := filepath.Join(fs.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			fs.logger.Warn("failed to remove orphaned temp file", zap.String("path", path), zap.Error(err))
			continue
		}
		fs.logger.Info("removed orphaned temp file", zap.String("path", path))
	}
}

// path validates the session id and computes a path guaranteed to stay
// inside the storage directory.
func (fs *FileStorage) path(sessionID string) (string, error) {
	if !session.ValidID(sessionID) {
		return "", apperrors.InvalidPath(sessionID)
	}
	path := filepath.Join(fs.dir, sessionID+".json")
	if !strings.HasPrefix(path, fs.dir+string(os.PathSeparator)) {
		return "", apperrors.InvalidPath(sessionID)
	}
	return path, nil
}

// Save writes the record atomically.
func (fs *FileStorage) Save(sessionID string, record *PersistedSession) error {
	path, err := fs.path(sessionID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return apperrors.PersistenceIO(err)
	}

	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.PersistenceIO(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperrors.PersistenceIO(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperrors.PersistenceIO(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return apperrors.PersistenceIO(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperrors.PersistenceIO(err)
	}
	return nil
}

// Load reads one persisted session.
func (fs *FileStorage) Load(sessionID string) (*PersistedSession, error) {
	path, err := fs.path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.UnknownSession(sessionID)
		}
		return nil, apperrors.PersistenceIO(err)
	}
	var record PersistedSession
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, apperrors.PersistenceIO(fmt.Errorf("corrupt session file %s: %w", path, err))
	}
	return &record, nil
}

// LoadAll reads every persisted session, skipping corrupt files.
func (fs *FileStorage) LoadAll() ([]*PersistedSession, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, apperrors.PersistenceIO(err)
	}

	var records []*PersistedSession
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !session.ValidID(id) {
			fs.logger.Warn("skipping file with invalid session id", zap.String("file", name))
			continue
		}
		record, err := fs.Load(id)
		if err != nil {
			fs.logger.Warn("skipping unreadable session file", zap.String("file", name), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Remove deletes one persisted session. Missing files are not an error.
func (fs *FileStorage) Remove(sessionID string) error {
	path, err := fs.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperrors.PersistenceIO(err)
	}
	return nil
}
