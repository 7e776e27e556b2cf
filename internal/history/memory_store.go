// Package history provides HistoryStore backends: an in-memory append log
// and a Postgres log for multi-node deployments.
package history

import (
	"context"
	"sync"
	"time"

	"agentd/internal/runtime/ports"
)

// MemoryStore is an in-process append log keyed by (session, user).
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]ports.Turn
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: map[string][]ports.Turn{}}
}

// Append implements ports.HistoryStore.
func (s *MemoryStore) Append(_ context.Context, sessionID, userID string, messages []ports.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := historyKey(sessionID, userID)
	s.turns[key] = append(s.turns[key], ports.Turn{
		SessionID: sessionID,
		UserID:    userID,
		Seq:       len(s.turns[key]) + 1,
		Messages:  cloneMessages(messages),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// Read implements ports.HistoryStore.
func (s *MemoryStore) Read(_ context.Context, sessionID, userID string) ([]ports.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.turns[historyKey(sessionID, userID)]
	out := make([]ports.Turn, len(stored))
	copy(out, stored)
	return out, nil
}

func historyKey(sessionID, userID string) string {
	return sessionID + "\x00" + userID
}

func cloneMessages(messages []ports.Message) []ports.Message {
	out := make([]ports.Message, len(messages))
	for i, msg := range messages {
		out[i] = ports.Message{Role: msg.Role, Content: append([]ports.ContentPart(nil), msg.Content...)}
	}
	return out
}
