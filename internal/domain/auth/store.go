package auth

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when no access key matches a lookup.
var ErrKeyNotFound = errors.New("agent access key not found")

// AuthStore provides credential lookup for authentication. Defined in the
// domain to avoid circular imports; implementations live under
// internal/adapter/outbound (in-memory for dev/test, SQLite for the
// persisted-state deployment).
type AuthStore interface {
	// ListByPrefix returns every access key whose Prefix matches, for the
	// authenticator's narrowed verify loop.
	ListByPrefix(ctx context.Context, prefix string) ([]*AgentAccessKey, error)

	// Put inserts or replaces an access key row (used by the YAML seed
	// loader).
	Put(ctx context.Context, key *AgentAccessKey) error

	// RecordUsage stamps LastUsedAt and increments UsageCount for the key
	// identified by keyID. Called off the authentication hot path by
	// UsageRecorder's background worker; ErrKeyNotFound if the key no
	// longer exists.
	RecordUsage(ctx context.Context, keyID string, usedAt time.Time) error
}
