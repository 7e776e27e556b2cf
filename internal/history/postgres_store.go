package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agentd/internal/logging"
	"agentd/internal/runtime/ports"
)

// PostgresStore persists session history in Postgres. Turns share the pool
// with no other tables, so schema ownership stays with this package.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("HistoryStore"),
	}
}

// EnsureSchema creates the history table if needed. Call once at startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("history store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS session_turns (
    id BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    messages JSONB NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_session_turns_key ON session_turns (session_id, user_id, id);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure history schema: %w", err)
		}
	}
	return nil
}

// Append implements ports.HistoryStore. The database sequence provides the
// append order; Seq is reconstructed on read.
func (s *PostgresStore) Append(ctx context.Context, sessionID, userID string, messages []ports.Message) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode turn messages: %w", err)
	}
	const stmt = `INSERT INTO session_turns (session_id, user_id, created_at, messages) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, stmt, sessionID, userID, time.Now().UTC(), payload); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Read implements ports.HistoryStore.
func (s *PostgresStore) Read(ctx context.Context, sessionID, userID string) ([]ports.Turn, error) {
	const query = `SELECT created_at, messages FROM session_turns WHERE session_id = $1 AND user_id = $2 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var createdAt time.Time
		var payload []byte
		if err := rows.Scan(&createdAt, &payload); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		var messages []ports.Message
		if err := json.Unmarshal(payload, &messages); err != nil {
			s.logger.Warn("Skipping undecodable turn: session=%s: %v", sessionID, err)
			continue
		}
		turns = append(turns, ports.Turn{
			SessionID: sessionID,
			UserID:    userID,
			Seq:       len(turns) + 1,
			Messages:  messages,
			CreatedAt: createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}
	return turns, nil
}
