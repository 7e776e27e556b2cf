package ports

import (
	"context"
	"errors"
	"time"
)

// ErrStateNotFound is the classified transient-miss: the store looked and
// found nothing for the key. Any other load error aborts the run.
var ErrStateNotFound = errors.New("run state not found")

// StateStore persists opaque RunState blobs keyed by (session, user).
// Implementations are shared across concurrent runs and must provide
// per-key atomicity: one Save for one key is atomic, and saves to different
// keys never interfere. Concurrent saves to the same key resolve
// last-writer-wins.
type StateStore interface {
	// Load returns the latest saved state for the key, or ErrStateNotFound
	// when the key has never been saved.
	Load(ctx context.Context, sessionID, userID string) (RunState, error)

	// Save replaces the stored state for the key wholesale.
	Save(ctx context.Context, sessionID, userID string, state RunState) error
}

// Turn is one request/response cycle recorded in session history.
type Turn struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Seq       int       `json:"seq"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryStore is the append log of prior turns, keyed by (session, user).
type HistoryStore interface {
	// Append records a turn at the end of the key's log.
	Append(ctx context.Context, sessionID, userID string, messages []Message) error

	// Read returns the key's turns in append order. An unknown key yields an
	// empty slice, not an error.
	Read(ctx context.Context, sessionID, userID string) ([]Turn, error)
}

// HistoryHandle is a HistoryStore scoped to one (session, user) key. It is
// what a Computation receives, so a Computation can only ever touch its own
// partition.
type HistoryHandle interface {
	Append(ctx context.Context, messages []Message) error
	Read(ctx context.Context) ([]Turn, error)
}

type scopedHistory struct {
	store     HistoryStore
	sessionID string
	userID    string
}

// ScopeHistory binds a HistoryStore to a single (session, user) key.
func ScopeHistory(store HistoryStore, sessionID, userID string) HistoryHandle {
	return &scopedHistory{store: store, sessionID: sessionID, userID: userID}
}

func (h *scopedHistory) Append(ctx context.Context, messages []Message) error {
	return h.store.Append(ctx, h.sessionID, h.userID, messages)
}

func (h *scopedHistory) Read(ctx context.Context) ([]Turn, error) {
	return h.store.Read(ctx, h.sessionID, h.userID)
}
