package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TheMichaelB/chatvault/internal/models"
)

// Store manages sync state persistence.
type Store interface {
	// Load retrieves the sync state for a scope.
	Load(scope string) (*models.SyncState, error)

	// Save persists the sync state for a scope.
	Save(scope string, state *models.SyncState) error

	// Reset removes all state for a scope.
	Reset(scope string) error

	// List returns all known scopes.
	List() ([]string, error)

	// Lock acquires an exclusive lock for a scope.
	Lock(scope string) (UnlockFunc, error)

	// Migrate transfers state between stores.
	Migrate(target Store) error

	// Close releases resources.
	Close() error
}

// UnlockFunc releases a scope lock.
type UnlockFunc func()

// Errors
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateLocked   = errors.New("state is locked")
	ErrStateCorrupt  = errors.New("state file is corrupt")
	ErrInvalidScope  = errors.New("invalid scope name")
)

// SyncState extends the model with store metadata.
type SyncState struct {
	*models.SyncState

	// Store metadata
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	Checksum      string    `json:"checksum,omitempty"`
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 2

// lockTimeout bounds how long Lock waits for a busy scope.
const lockTimeout = 5 * time.Second

// LoadOrNew returns the stored state for scope, or a fresh one when none exists.
func LoadOrNew(store Store, scope string) (*models.SyncState, error) {
	st, err := store.Load(scope)
	if errors.Is(err, ErrStateNotFound) {
		return models.NewSyncState(scope), nil
	}
	if err != nil {
		return nil, err
	}
	if st.PendingDeletions == nil {
		st.PendingDeletions = make(map[string]time.Time)
	}
	return st, nil
}

// copyAll saves every scope of src into target.
func copyAll(src, target Store) (int, error) {
	scopes, err := src.List()
	if err != nil {
		return 0, fmt.Errorf("list scopes: %w", err)
	}

	migrated := 0
	for _, scope := range scopes {
		st, err := src.Load(scope)
		if err != nil {
			return migrated, fmt.Errorf("load scope %s: %w", scope, err)
		}
		if err := target.Save(scope, st); err != nil {
			return migrated, fmt.Errorf("save scope %s: %w", scope, err)
		}
		migrated++
	}
	return migrated, nil
}

func validateScope(scope string) error {
	if strings.TrimSpace(scope) == "" || strings.ContainsAny(scope, `/\`) || strings.Contains(scope, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return nil
}
