package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
)

// SQLiteStore implements SQLite-based state storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
	locks  *scopeLocks
}

// NewSQLiteStore creates a SQLite state store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
		locks:  newScopeLocks(),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sync_states (
        scope TEXT PRIMARY KEY,
        record_count INTEGER NOT NULL DEFAULT 0,
        last_updated TIMESTAMP,
        global_last_updated TIMESTAMP,
        last_deletion_check TIMESTAMP,
        last_full_sync TIMESTAMP,
        last_error TEXT,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS pending_deletions (
        scope TEXT NOT NULL,
        record_id TEXT NOT NULL,
        deleted_at TIMESTAMP NOT NULL,
        PRIMARY KEY (scope, record_id),
        FOREIGN KEY (scope) REFERENCES sync_states(scope) ON DELETE CASCADE
    );

    CREATE INDEX IF NOT EXISTS idx_pending_deletions_scope ON pending_deletions(scope);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Load retrieves state from database.
func (s *SQLiteStore) Load(scope string) (*models.SyncState, error) {
	s.logger.WithField("scope", scope).Debug("Loading state from SQLite")

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	state := models.NewSyncState(scope)
	var lastUpdated, globalLastUpdated, lastDeletionCheck, lastFullSync sql.NullTime
	var lastError sql.NullString

	err = tx.QueryRow(`
        SELECT record_count, last_updated, global_last_updated, last_deletion_check, last_full_sync, last_error
        FROM sync_states
        WHERE scope = ?
    `, scope).Scan(&state.RecordCount, &lastUpdated, &globalLastUpdated, &lastDeletionCheck, &lastFullSync, &lastError)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}

	state.LastUpdated = fromNull(lastUpdated)
	state.GlobalLastUpdated = fromNull(globalLastUpdated)
	state.LastDeletionCheck = fromNull(lastDeletionCheck)
	state.LastFullSync = fromNull(lastFullSync)
	state.LastError = lastError.String

	rows, err := tx.Query(`
        SELECT record_id, deleted_at
        FROM pending_deletions
        WHERE scope = ?
    `, scope)
	if err != nil {
		return nil, fmt.Errorf("query pending deletions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("scan deletion row: %w", err)
		}
		state.PendingDeletions[id] = at
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending deletions: %w", err)
	}

	return state, nil
}

// Save persists state to database.
func (s *SQLiteStore) Save(scope string, state *models.SyncState) error {
	s.logger.WithFields(map[string]interface{}{
		"scope":             scope,
		"record_count":      state.RecordCount,
		"pending_deletions": len(state.PendingDeletions),
	}).Debug("Saving state to SQLite")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
        INSERT INTO sync_states (scope, record_count, last_updated, global_last_updated,
            last_deletion_check, last_full_sync, last_error, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(scope) DO UPDATE SET
            record_count = excluded.record_count,
            last_updated = excluded.last_updated,
            global_last_updated = excluded.global_last_updated,
            last_deletion_check = excluded.last_deletion_check,
            last_full_sync = excluded.last_full_sync,
            last_error = excluded.last_error,
            updated_at = CURRENT_TIMESTAMP
    `, scope, state.RecordCount, toNull(state.LastUpdated), toNull(state.GlobalLastUpdated),
		toNull(state.LastDeletionCheck), toNull(state.LastFullSync), state.LastError)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM pending_deletions WHERE scope = ?", scope); err != nil {
		return fmt.Errorf("delete old deletions: %w", err)
	}

	stmt, err := tx.Prepare(`
        INSERT INTO pending_deletions (scope, record_id, deleted_at)
        VALUES (?, ?, ?)
    `)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for id, at := range state.PendingDeletions {
		if _, err := stmt.Exec(scope, id, at.UTC()); err != nil {
			return fmt.Errorf("insert deletion %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Reset removes state for a scope.
func (s *SQLiteStore) Reset(scope string) error {
	s.logger.WithField("scope", scope).Info("Resetting state in SQLite")

	if _, err := s.db.Exec("DELETE FROM sync_states WHERE scope = ?", scope); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}

	return nil
}

// List returns all scopes.
func (s *SQLiteStore) List() ([]string, error) {
	rows, err := s.db.Query("SELECT scope FROM sync_states ORDER BY scope")
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}

	return scopes, rows.Err()
}

// Lock acquires a lock for a scope.
func (s *SQLiteStore) Lock(scope string) (UnlockFunc, error) {
	return s.locks.acquire(scope, lockTimeout)
}

// Migrate copies every scope into target.
func (s *SQLiteStore) Migrate(target Store) error {
	n, err := copyAll(s, target)
	s.logger.WithField("count", n).Info("Migrated states")
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toNull(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
