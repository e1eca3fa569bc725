package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelops/gatekeep/internal/domain/policy"
)

// PolicyCache implements policy.Cache with an in-memory map and a TTL
// applied at write time. A future Redis-backed cache adapter satisfies the
// same port.
type PolicyCache struct {
	mu      sync.Mutex
	entries map[uint64]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	set    policy.EffectivePolicySet
	expiry time.Time
}

// NewPolicyCache creates a PolicyCache with the given TTL.
func NewPolicyCache(ttl time.Duration) *PolicyCache {
	return &PolicyCache{entries: make(map[uint64]cacheEntry), ttl: ttl}
}

// Get returns the cached set for key if present and unexpired.
func (c *PolicyCache) Get(ctx context.Context, key uint64) (policy.EffectivePolicySet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.expiry.Before(time.Now()) {
		return policy.EffectivePolicySet{}, false
	}
	return entry.set, true
}

// Set stores set for key with the cache's configured TTL.
func (c *PolicyCache) Set(ctx context.Context, key uint64, set policy.EffectivePolicySet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{set: set, expiry: time.Now().Add(c.ttl)}
}

// Invalidate evicts key immediately, used when the admin surface publishes
// a write affecting it.
func (c *PolicyCache) Invalidate(ctx context.Context, key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

var _ policy.Cache = (*PolicyCache)(nil)
