package storage

import (
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

// MockStore provides an in-memory BlobStore for testing.
type MockStore struct {
	mu         sync.RWMutex
	files      map[string][]byte
	writeErr   error
	writeCount int
}

// NewMockStore creates a mock blob store.
func NewMockStore() *MockStore {
	return &MockStore{
		files: make(map[string][]byte),
	}
}

// Write saves data to a file.
func (m *MockStore) Write(p string, data []byte, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}
	m.writeCount++
	m.files[p] = append([]byte(nil), data...)
	return nil
}

// Read retrieves file contents.
func (m *MockStore) Read(p string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if data, ok := m.files[p]; ok {
		return append([]byte(nil), data...), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrFileNotFound, p)
}

// Delete removes a file.
func (m *MockStore) Delete(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, p)
	return nil
}

// Exists checks if a file exists.
func (m *MockStore) Exists(p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.files[p]
	return exists, nil
}

// ListDir returns the files directly under dir.
func (m *MockStore) ListDir(dir string) ([]FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir = strings.Trim(dir, "/")
	if dir == "." {
		dir = ""
	}

	var files []FileInfo
	for p, data := range m.files {
		if path.Dir(p) != dir && !(dir == "" && path.Dir(p) == ".") {
			continue
		}
		files = append(files, FileInfo{
			Path:    p,
			Size:    int64(len(data)),
			Mode:    0600,
			ModTime: time.Now(),
		})
	}

	return files, nil
}

// Helper methods for testing

// SetWriteError makes every subsequent Write fail with err.
func (m *MockStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// WriteCount returns the number of successful writes.
func (m *MockStore) WriteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writeCount
}

// Put stores raw bytes, bypassing write errors.
func (m *MockStore) Put(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = append([]byte(nil), data...)
}

// FileExists checks if a file exists (helper for tests).
func (m *MockStore) FileExists(p string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.files[p]
	return exists
}

// Clear removes all files.
func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files = make(map[string][]byte)
}
