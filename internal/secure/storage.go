// Package secure holds opaque secrets such as key bundles and recovery
// baselines, keyed by slot name.
package secure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/TheMichaelB/chatvault/internal/events"
)

// ErrNotFound is returned when a slot holds nothing.
var ErrNotFound = errors.New("secret not found")

// Storage is a get/set/delete byte-blob primitive.
type Storage interface {
	Get(slot string) ([]byte, error)
	Set(slot string, data []byte) error
	Delete(slot string) error
}

// FileStorage keeps one 0600 file per slot.
type FileStorage struct {
	dir    string
	logger *events.Logger
	mu     sync.Mutex
}

// NewFileStorage creates a file-backed secret store rooted at dir.
func NewFileStorage(dir string, logger *events.Logger) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	return &FileStorage{
		dir:    dir,
		logger: logger.WithField("component", "secure_storage"),
	}, nil
}

// Get reads a slot.
func (s *FileStorage) Get(slot string) ([]byte, error) {
	path, err := s.path(slot)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read secret: %w", err)
	}
	return data, nil
}

// Set writes a slot atomically.
func (s *FileStorage) Set(slot string, data []byte) error {
	path, err := s.path(slot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename secret: %w", err)
	}

	s.logger.WithField("slot", slot).Debug("Stored secret")
	return nil
}

// Delete removes a slot. Deleting an empty slot is not an error.
func (s *FileStorage) Delete(slot string) error {
	path, err := s.path(slot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

func (s *FileStorage) path(slot string) (string, error) {
	if slot == "" || strings.ContainsAny(slot, `/\`) || strings.Contains(slot, "..") || strings.ContainsRune(slot, 0) {
		return "", fmt.Errorf("invalid slot name: %q", slot)
	}
	return filepath.Join(s.dir, slot+".secret"), nil
}

// MemoryStorage is an in-memory Storage.
type MemoryStorage struct {
	mu    sync.RWMutex
	slots map[string][]byte
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{slots: make(map[string][]byte)}
}

func (m *MemoryStorage) Get(slot string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.slots[slot]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStorage) Set(slot string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.slots[slot] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Delete(slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.slots, slot)
	return nil
}
