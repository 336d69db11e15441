package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store is durable keyed storage for matching sessions. No optimistic
// locking: the dispatcher's per-request command ordering prevents lost
// updates.
type Store interface {
	// Get returns the session for the request id, or (nil, nil) when
	// absent.
	Get(ctx context.Context, requestID string) (*Session, error)
	Put(ctx context.Context, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, requestID string) error
}

// MemoryStore keeps sessions in-process. Used by tests and single-node
// dev runs; production uses the Redis store. Sessions are held as JSON
// blobs so Get hands out an isolated copy, matching the Redis store's
// semantics: mutations are invisible until Put.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	expiry   map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]byte),
		expiry:   make(map[string]time.Time),
	}
}

func (m *MemoryStore) Get(ctx context.Context, requestID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.sessions[requestID]
	if !ok {
		return nil, nil
	}
	if exp, ok := m.expiry[requestID]; ok && time.Now().After(exp) {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", requestID, err)
	}
	return &s, nil
}

func (m *MemoryStore) Put(ctx context.Context, s *Session, ttl time.Duration) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.RequestID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.RequestID] = raw
	if ttl > 0 {
		m.expiry[s.RequestID] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, s.RequestID)
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, requestID)
	delete(m.expiry, requestID)
	return nil
}
