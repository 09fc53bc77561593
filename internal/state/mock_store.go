package state

import (
	"sync"

	"github.com/TheMichaelB/chatvault/internal/models"
)

// MockStore provides a mock implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	states map[string]*models.SyncState
	saves  int
	locks  *scopeLocks

	saveErr error
}

// NewMockStore creates a mock state store.
func NewMockStore() *MockStore {
	return &MockStore{
		states: make(map[string]*models.SyncState),
		locks:  newScopeLocks(),
	}
}

// Load loads sync state for a scope.
func (m *MockStore) Load(scope string) (*models.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if state, ok := m.states[scope]; ok {
		return state.Clone(), nil
	}

	return nil, ErrStateNotFound
}

// Save saves sync state for a scope.
func (m *MockStore) Save(scope string, state *models.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	m.states[scope] = state.Clone()
	m.saves++
	return nil
}

// Reset removes sync state for a scope.
func (m *MockStore) Reset(scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, scope)
	return nil
}

// List returns all scopes with stored state.
func (m *MockStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var scopes []string
	for scope := range m.states {
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

// Lock acquires an exclusive lock for a scope.
func (m *MockStore) Lock(scope string) (UnlockFunc, error) {
	return m.locks.acquire(scope, lockTimeout)
}

// Migrate copies every scope into target.
func (m *MockStore) Migrate(target Store) error {
	_, err := copyAll(m, target)
	return err
}

// Close closes the store (no-op for mock).
func (m *MockStore) Close() error {
	return nil
}

// Helper methods for testing

// SaveState saves state directly (for test setup).
func (m *MockStore) SaveState(scope string, state *models.SyncState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[scope] = state.Clone()
}

// SetSaveError makes every Save fail with err until cleared with nil.
func (m *MockStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// SaveCount returns the number of successful saves.
func (m *MockStore) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Clear removes all states.
func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*models.SyncState)
}
