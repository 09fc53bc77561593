package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/TheMichaelB/chatvault/internal/config"
	"github.com/TheMichaelB/chatvault/internal/events"
)

// SQLiteFileName is the database file kept under the state directory.
const SQLiteFileName = "state.db"

// Open returns the configured state backend. Switching to sqlite imports any
// JSON state left in the same directory and renames the imported files.
func Open(cfg *config.StorageConfig, logger *events.Logger) (Store, error) {
	switch cfg.StateBackend {
	case "", "json":
		return NewJSONStore(cfg.StateDir, logger)
	case "sqlite":
		store, err := NewSQLiteStore(filepath.Join(cfg.StateDir, SQLiteFileName), logger)
		if err != nil {
			return nil, err
		}
		if err := importJSON(cfg.StateDir, store, logger); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.StateBackend)
	}
}

func importJSON(dir string, target Store, logger *events.Logger) error {
	legacy, err := NewJSONStore(dir, logger)
	if err != nil {
		return err
	}

	scopes, err := legacy.List()
	if err != nil || len(scopes) == 0 {
		return err
	}

	if err := legacy.Migrate(target); err != nil {
		return fmt.Errorf("import json state: %w", err)
	}

	for _, scope := range scopes {
		path := legacy.statePath(scope)
		if err := os.Rename(path, path+".migrated"); err != nil {
			return fmt.Errorf("archive json state %s: %w", scope, err)
		}
	}
	return nil
}
