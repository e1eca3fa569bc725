// Package ratelimit provides the sliding-window rate limit domain logic,
// using a fixed-window atomic increment as the building block, blended
// across two adjacent buckets to approximate a sliding window.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Store performs the atomic increment-and-expire against an external
// counter store in a single round trip, so a crash between the increment
// and the TTL write can never leak a key that never expires. The in-memory
// adapter fakes this with a mutex-guarded map; a Redis adapter would use
// INCR+PEXPIRE in one pipelined call or a small Lua script.
type Store interface {
	// Increment bumps the counter for key and returns its new value. If
	// this call creates the key, ttl is applied to it.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Peek returns the current value of key without incrementing it, and
	// whether the key exists at all (a cold bucket reads as 0, false).
	Peek(ctx context.Context, key string) (int64, bool, error)
}

// ErrStoreUnavailable is returned by a Store implementation when the
// backing counter store cannot be reached.
type ErrStoreUnavailable struct{ Err error }

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("rate limit store unavailable: %v", e.Err)
}
func (e *ErrStoreUnavailable) Unwrap() error { return e.Err }

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed    bool
	Count      int64
	Limit      int64
	RetryAfter time.Duration
}

// Key builds the counter-store key for a (tenant, agent, guardrail, bucket)
// tuple: "rl:{tenant_id}:{agent_id}:{guardrail_type}:{bucket}".
func Key(tenantID, agentID, guardrailType string, bucket int64) string {
	return fmt.Sprintf("rl:%s:%s:%s:%d", tenantID, agentID, guardrailType, bucket)
}

// Bucket returns the fixed-window bucket index containing now for the
// given window size.
func Bucket(now time.Time, window time.Duration) int64 {
	return now.Unix() / int64(window.Seconds())
}

// Check runs the fixed-window increment for the current bucket, then blends
// it with the previous bucket's value (weighted by how much of the current
// window has elapsed) to approximate a sliding window. If the previous
// bucket has expired from the store (cold start), Check falls back to the
// plain fixed-window count.
func Check(ctx context.Context, store Store, tenantID, agentID, guardrailType string, limit int64, window time.Duration, now time.Time) (Result, error) {
	bucket := Bucket(now, window)
	currentKey := Key(tenantID, agentID, guardrailType, bucket)

	current, err := store.Increment(ctx, currentKey, window*2)
	if err != nil {
		return Result{}, &ErrStoreUnavailable{Err: err}
	}

	elapsed := now.Unix() % int64(window.Seconds())
	fraction := float64(elapsed) / window.Seconds()

	prevKey := Key(tenantID, agentID, guardrailType, bucket-1)
	prevCount, prevExists, err := store.Peek(ctx, prevKey)
	if err != nil {
		return Result{}, &ErrStoreUnavailable{Err: err}
	}

	estimate := float64(current)
	if prevExists {
		estimate += float64(prevCount) * (1 - fraction)
	}

	count := int64(estimate)
	if count < current {
		count = current
	}

	retryAfter := window - time.Duration(elapsed)*time.Second
	return Result{
		Allowed:    count <= limit,
		Count:      count,
		Limit:      limit,
		RetryAfter: retryAfter,
	}, nil
}
