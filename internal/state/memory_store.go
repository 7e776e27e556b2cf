// Package state provides StateStore backends: a bounded in-memory store for
// tests and single-node deployments, and a SQLite store for durable
// single-node persistence.
package state

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"agentd/internal/runtime/ports"
)

const defaultMemoryMaxSessions = 4096

// MemoryStore keeps run state in a per-key LRU so an unbounded session
// population cannot exhaust memory. Eviction discards the least recently
// touched session's state; a later load for it behaves like a fresh session.
type MemoryStore struct {
	cache *lru.Cache[string, ports.RunState]
}

// NewMemoryStore creates a bounded in-memory state store. maxSessions <= 0
// falls back to the default bound.
func NewMemoryStore(maxSessions int) (*MemoryStore, error) {
	if maxSessions <= 0 {
		maxSessions = defaultMemoryMaxSessions
	}
	cache, err := lru.New[string, ports.RunState](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("create state cache: %w", err)
	}
	return &MemoryStore{cache: cache}, nil
}

// Load implements ports.StateStore.
func (s *MemoryStore) Load(_ context.Context, sessionID, userID string) (ports.RunState, error) {
	state, ok := s.cache.Get(stateKey(sessionID, userID))
	if !ok {
		return nil, ports.ErrStateNotFound
	}
	return state.Clone(), nil
}

// Save implements ports.StateStore. The clone on the way in and out keeps
// stored snapshots independent of caller buffers, which is what makes
// concurrent same-key saves resolve cleanly last-writer-wins.
func (s *MemoryStore) Save(_ context.Context, sessionID, userID string, state ports.RunState) error {
	s.cache.Add(stateKey(sessionID, userID), state.Clone())
	return nil
}

// Len reports the number of retained sessions. Used by tests and health
// reporting.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

func stateKey(sessionID, userID string) string {
	return sessionID + "\x00" + userID
}
