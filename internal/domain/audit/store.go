package audit

import (
	"context"
	"errors"
	"time"
)

// ErrDateRangeExceeded is returned when a query's date range exceeds the
// maximum allowed span.
var ErrDateRangeExceeded = errors.New("date range exceeds maximum of 7 days")

// AuditRecorder is the narrow port the orchestrator depends on: it must
// never block a governed request on audit persistence. Implementations
// queue records onto a bounded channel and drain asynchronously (see
// internal/service's AuditEmitter).
type AuditRecorder interface {
	Record(ctx context.Context, rec Record)
}

// Store persists audit records durably.
type Store interface {
	Append(ctx context.Context, records ...Record) error
	Flush(ctx context.Context) error
	Close() error
}

// Filter specifies query parameters for audit log queries.
type Filter struct {
	StartTime time.Time
	EndTime   time.Time
	TenantID  string
	WorkspaceID string
	AgentID   string
	ToolName  string
	Decision  string
	Limit     int
	Cursor    string
}

// QueryStore provides read access to audit records, separate from Store
// which handles writes.
type QueryStore interface {
	Query(ctx context.Context, filter Filter) ([]Record, string, error)
}
