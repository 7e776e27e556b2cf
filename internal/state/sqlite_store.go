package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentd/internal/runtime/ports"
)

const stateTable = "run_state"

// SQLiteStore persists run state in a SQLite database, one row per
// (session, user) key. Save is an upsert inside a single statement, which
// gives the per-key atomicity the store contract requires.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state db: %w", err)
	}
	// SQLite handles write serialization itself; a single connection avoids
	// SQLITE_BUSY churn under concurrent saves.
	db.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an existing database handle and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureStateSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func ensureStateSchema(db *sql.DB) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		state BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY(session_id, user_id)
	);`, stateTable)
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("ensure state schema: %w", err)
	}
	return nil
}

// Load implements ports.StateStore.
func (s *SQLiteStore) Load(ctx context.Context, sessionID, userID string) (ports.RunState, error) {
	query := fmt.Sprintf(`SELECT state FROM %s WHERE session_id = ? AND user_id = ?`, stateTable)
	var state []byte
	err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return ports.RunState(state), nil
}

// Save implements ports.StateStore.
func (s *SQLiteStore) Save(ctx context.Context, sessionID, userID string, state ports.RunState) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (session_id, user_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, user_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`, stateTable)
	if _, err := s.db.ExecContext(ctx, stmt, sessionID, userID, []byte(state), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
