package http

import (
	"context"
	"io"
	"log/slog"

	"github.com/sentinelops/gatekeep/internal/domain/audit"
)

// discardAuditStore is a no-op audit.Store used by package tests that need
// an AuditEmitter but don't assert on persisted records.
type discardAuditStore struct{}

func (discardAuditStore) Append(ctx context.Context, records ...audit.Record) error { return nil }
func (discardAuditStore) Flush(ctx context.Context) error                          { return nil }
func (discardAuditStore) Close() error                                             { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
