// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelops/gatekeep/internal/domain/ratelimit"
)

// counterEntry is one counter-store row: a value and its expiry.
type counterEntry struct {
	value  int64
	expiry time.Time
}

// RateLimitStore implements ratelimit.Store with a mutex-guarded map,
// fronting each Increment with its TTL so the two never observably happen
// as separate round trips (satisfying the "single round-trip increment +
// TTL" requirement the same way a Redis Lua script would). Includes a
// background cleanup goroutine so expired buckets don't grow the map
// forever.
type RateLimitStore struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	cleanupInterval time.Duration
}

// NewRateLimitStore creates an in-memory rate limit store with a default
// 5-minute cleanup interval.
func NewRateLimitStore() *RateLimitStore {
	return NewRateLimitStoreWithInterval(5 * time.Minute)
}

// NewRateLimitStoreWithInterval creates an in-memory rate limit store with
// a custom cleanup interval.
func NewRateLimitStoreWithInterval(cleanupInterval time.Duration) *RateLimitStore {
	return &RateLimitStore{
		counters:        make(map[string]*counterEntry),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
}

// Increment bumps key's counter, applying ttl only when the key is first
// created (an existing, unexpired key keeps its original expiry).
func (s *RateLimitStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.counters[key]
	if !ok || entry.expiry.Before(now) {
		entry = &counterEntry{value: 0, expiry: now.Add(ttl)}
		s.counters[key] = entry
	}
	entry.value++
	return entry.value, nil
}

// Peek returns key's current value without incrementing it.
func (s *RateLimitStore) Peek(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok || entry.expiry.Before(time.Now()) {
		return 0, false, nil
	}
	return entry.value, true, nil
}

// StartCleanup starts the background goroutine that evicts expired
// counters. Stops when ctx is cancelled or Stop is called.
func (s *RateLimitStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *RateLimitStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for key, entry := range s.counters {
		if entry.expiry.Before(now) {
			delete(s.counters, key)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Debug("rate limit store cleanup completed",
			"cleaned_keys", cleaned, "remaining_keys", len(s.counters))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *RateLimitStore) Stop() {
	s.once.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// Size returns the number of tracked counters, for tests and monitoring.
func (s *RateLimitStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

var _ ratelimit.Store = (*RateLimitStore)(nil)
