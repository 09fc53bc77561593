package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
)

// JSONStore implements file-based state storage.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	mu    sync.RWMutex
	locks *scopeLocks
}

// NewJSONStore creates a JSON-based state store.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &JSONStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "json_state_store"),
		locks:   newScopeLocks(),
	}, nil
}

// Load reads state from JSON file.
func (s *JSONStore) Load(scope string) (*models.SyncState, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.statePath(scope)

	s.logger.WithFields(map[string]interface{}{
		"scope": scope,
		"path":  path,
	}).Debug("Loading state")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	state, err := decodeState(data)
	if err != nil {
		s.logger.WithError(err).WithField("scope", scope).Error("State file unreadable")
		if backup, berr := s.loadBackup(scope); berr == nil {
			s.logger.Warn("Loaded state from backup due to corruption")
			return backup, nil
		}
		return nil, ErrStateCorrupt
	}

	return state, nil
}

// Save writes state to JSON file.
func (s *JSONStore) Save(scope string, state *models.SyncState) error {
	if err := validateScope(scope); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.statePath(scope)

	s.logger.WithFields(map[string]interface{}{
		"scope":             scope,
		"record_count":      state.RecordCount,
		"pending_deletions": len(state.PendingDeletions),
	}).Debug("Saving state")

	stored := state.Clone()
	stored.Scope = scope
	jsonData, err := encodeState(stored, time.Now().UTC())
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Reset removes state for a scope.
func (s *JSONStore) Reset(scope string) error {
	if err := validateScope(scope); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("scope", scope).Info("Resetting state")

	path := s.statePath(scope)
	_ = os.Remove(path)
	_ = os.Remove(path + ".backup")

	return nil
}

// List returns all scopes with state.
func (s *JSONStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var scopes []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".json" {
			scopes = append(scopes, strings.TrimSuffix(name, ".json"))
		}
	}

	return scopes, nil
}

// Lock acquires a lock for a scope.
func (s *JSONStore) Lock(scope string) (UnlockFunc, error) {
	return s.locks.acquire(scope, lockTimeout)
}

// Migrate transfers all states to another store.
func (s *JSONStore) Migrate(target Store) error {
	n, err := copyAll(s, target)
	s.logger.WithField("count", n).Info("Migrated states")
	return err
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) statePath(scope string) string {
	return filepath.Join(s.baseDir, scope+".json")
}

func (s *JSONStore) loadBackup(scope string) (*models.SyncState, error) {
	data, err := os.ReadFile(s.statePath(scope) + ".backup")
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

func checksum(wrapper SyncState) (string, error) {
	wrapper.Checksum = ""
	data, err := json.Marshal(wrapper)
	if err != nil {
		return "", fmt.Errorf("marshal state for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func encodeState(state *models.SyncState, now time.Time) ([]byte, error) {
	wrapper := SyncState{
		SyncState:     state,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     now,
	}

	sum, err := checksum(wrapper)
	if err != nil {
		return nil, err
	}
	wrapper.Checksum = sum

	data, err := json.MarshalIndent(wrapper, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state with checksum: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*models.SyncState, error) {
	var wrapper SyncState
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if wrapper.SyncState == nil {
		return nil, fmt.Errorf("decode state: empty document")
	}

	if wrapper.Checksum != "" {
		sum, err := checksum(wrapper)
		if err != nil {
			return nil, err
		}
		if sum != wrapper.Checksum {
			return nil, fmt.Errorf("checksum mismatch: expected %s, got %s", wrapper.Checksum, sum)
		}
	}

	if wrapper.PendingDeletions == nil {
		wrapper.PendingDeletions = make(map[string]time.Time)
	}
	return wrapper.SyncState, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
