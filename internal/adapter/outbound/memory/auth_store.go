// Package memory provides in-memory implementations of outbound ports, used
// in dev mode and by unit tests across the rest of the module.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sentinelops/gatekeep/internal/domain/auth"
)

// AuthStore implements auth.AuthStore with an in-memory map, keyed by
// access-key ID. Thread-safe for concurrent access.
type AuthStore struct {
	mu   sync.RWMutex
	keys map[string]*auth.AgentAccessKey
}

// NewAuthStore creates an empty in-memory auth store.
func NewAuthStore() *AuthStore {
	return &AuthStore{keys: make(map[string]*auth.AgentAccessKey)}
}

// ListByPrefix returns every stored key whose Prefix matches, compared
// case-insensitively.
func (s *AuthStore) ListByPrefix(ctx context.Context, prefix string) ([]*auth.AgentAccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*auth.AgentAccessKey
	for _, k := range s.keys {
		if strings.EqualFold(k.Prefix, prefix) {
			kc := *k
			out = append(out, &kc)
		}
	}
	return out, nil
}

// Put inserts or replaces an access key row.
func (s *AuthStore) Put(ctx context.Context, key *auth.AgentAccessKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kc := *key
	s.keys[key.ID] = &kc
	return nil
}

// RecordUsage stamps LastUsedAt and increments UsageCount for the stored key.
func (s *AuthStore) RecordUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return auth.ErrKeyNotFound
	}
	used := usedAt
	k.LastUsedAt = &used
	k.UsageCount++
	return nil
}

var _ auth.AuthStore = (*AuthStore)(nil)
