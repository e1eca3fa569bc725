package upstream

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for upstream store operations.
var (
	ErrUpstreamNotFound      = errors.New("upstream not found")
	ErrDuplicateUpstreamName = errors.New("duplicate upstream name")
)

// Store provides CRUD operations for upstream configuration. A port
// (interface) in the hexagonal architecture; implementations: in-memory,
// sqlite.
type Store interface {
	List(ctx context.Context) ([]Upstream, error)
	Get(ctx context.Context, id string) (*Upstream, error)
	Add(ctx context.Context, u *Upstream) error
	Update(ctx context.Context, u *Upstream) error
	Delete(ctx context.Context, id string) error
}

// TimeoutError is UpstreamClient's classification for a request that
// exceeded its per-attempt deadline after exhausting retries.
type TimeoutError struct {
	Upstream string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream %q timed out after %d attempt(s)", e.Upstream, e.Attempts)
}

// UnavailableError is UpstreamClient's classification for a connect
// failure (DNS, refused, reset) after exhausting retries.
type UnavailableError struct {
	Upstream string
	Attempts int
	Cause    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("upstream %q unavailable after %d attempt(s): %v", e.Upstream, e.Attempts, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// StatusError is UpstreamClient's classification for a non-2xx response
// the client declined to retry further (or exhausted retries on).
type StatusError struct {
	Upstream   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %q returned status %d", e.Upstream, e.StatusCode)
}
