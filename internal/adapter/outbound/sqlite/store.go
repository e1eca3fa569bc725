// Package sqlite provides an embedded, file-backed implementation of the
// admin-owned entity stores (access keys, policies, upstreams) and the
// audit query side, for deployments that need state to survive a restart
// without standing up an external database. Schema is created on Open;
// all statements are hand-written (no ORM).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinelops/gatekeep/internal/domain/audit"
	"github.com/sentinelops/gatekeep/internal/domain/auth"
	"github.com/sentinelops/gatekeep/internal/domain/policy"
	"github.com/sentinelops/gatekeep/internal/domain/upstream"
)

const schema = `
CREATE TABLE IF NOT EXISTS access_keys (
	id TEXT PRIMARY KEY,
	prefix TEXT NOT NULL,
	hash TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT,
	revoked INTEGER NOT NULL DEFAULT 0,
	deactivated INTEGER NOT NULL DEFAULT 0,
	last_used_at TEXT,
	usage_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_access_keys_prefix ON access_keys(prefix);

CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	guardrail_type TEXT NOT NULL,
	action TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}',
	priority INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_policies_scope ON policies(tenant_id, workspace_id, agent_id);

CREATE TABLE IF NOT EXISTS upstreams (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	timeout_seconds INTEGER NOT NULL DEFAULT 30,
	max_retries INTEGER NOT NULL DEFAULT 2,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
	request_id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	tool_name TEXT NOT NULL DEFAULT '',
	method TEXT NOT NULL DEFAULT '',
	request_decision TEXT NOT NULL DEFAULT '',
	response_decision TEXT NOT NULL DEFAULT '',
	triggered TEXT NOT NULL DEFAULT '[]',
	upstream_status INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	latency_micros INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(ts);
CREATE INDEX IF NOT EXISTS idx_audit_scope ON audit_records(tenant_id, workspace_id, agent_id);
`

// Store is an embedded sqlite-backed implementation of auth.AuthStore,
// policy.Store, upstream.Store, and audit.QueryStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn and
// applies the schema. dsn is passed straight to modernc.org/sqlite, e.g.
// "file:/var/lib/gatekeep/gatekeep.db?_pragma=busy_timeout(5000)".
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListByPrefix implements auth.AuthStore.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]*auth.AgentAccessKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prefix, hash, tenant_id, workspace_id, agent_id, created_at, expires_at, revoked, deactivated, last_used_at, usage_count
		FROM access_keys WHERE prefix = ? COLLATE NOCASE`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list access keys by prefix: %w", err)
	}
	defer rows.Close()

	var out []*auth.AgentAccessKey
	for rows.Next() {
		k := &auth.AgentAccessKey{}
		var createdAt string
		var expiresAt, lastUsedAt sql.NullString
		var revoked, deactivated int
		if err := rows.Scan(&k.ID, &k.Prefix, &k.Hash, &k.TenantID, &k.WorkspaceID, &k.AgentID, &createdAt, &expiresAt, &revoked, &deactivated, &lastUsedAt, &k.UsageCount); err != nil {
			return nil, fmt.Errorf("scan access key: %w", err)
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		k.Revoked = revoked != 0
		k.Deactivated = deactivated != 0
		if expiresAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
			if err == nil {
				k.ExpiresAt = &t
			}
		}
		if lastUsedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastUsedAt.String)
			if err == nil {
				k.LastUsedAt = &t
			}
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Put implements auth.AuthStore: inserts or replaces an access key row.
func (s *Store) Put(ctx context.Context, key *auth.AgentAccessKey) error {
	var expiresAt any
	if key.ExpiresAt != nil {
		expiresAt = key.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_keys (id, prefix, hash, tenant_id, workspace_id, agent_id, created_at, expires_at, revoked, deactivated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prefix=excluded.prefix, hash=excluded.hash, tenant_id=excluded.tenant_id,
			workspace_id=excluded.workspace_id, agent_id=excluded.agent_id,
			expires_at=excluded.expires_at, revoked=excluded.revoked, deactivated=excluded.deactivated`,
		key.ID, key.Prefix, key.Hash, key.TenantID, key.WorkspaceID, key.AgentID,
		createdAt.Format(time.RFC3339Nano), expiresAt, boolToInt(key.Revoked), boolToInt(key.Deactivated))
	if err != nil {
		return fmt.Errorf("put access key: %w", err)
	}
	return nil
}

// RecordUsage implements auth.AuthStore: stamps last_used_at and increments
// usage_count for the access key row. last_used_at/usage_count are
// deliberately excluded from Put's upsert so reseeding a key never resets
// them.
func (s *Store) RecordUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE access_keys SET last_used_at = ?, usage_count = usage_count + 1 WHERE id = ?`,
		usedAt.UTC().Format(time.RFC3339Nano), keyID)
	if err != nil {
		return fmt.Errorf("record access key usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record access key usage: %w", err)
	}
	if n == 0 {
		return auth.ErrKeyNotFound
	}
	return nil
}

// ListForContext implements policy.Store.
func (s *Store) ListForContext(ctx context.Context, tenantID, workspaceID, agentID string) ([]policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, workspace_id, agent_id, guardrail_type, action, config, priority, enabled, created_at, updated_at, deleted_at
		FROM policies
		WHERE deleted_at IS NULL AND enabled = 1 AND tenant_id = ?
		AND (workspace_id = '' OR workspace_id = ?)
		AND (agent_id = '' OR agent_id = ?)`, tenantID, workspaceID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list policies for context: %w", err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		var p policy.Policy
		var guardrailType, action, configJSON, createdAt, updatedAt string
		var deletedAt sql.NullString
		var enabled int
		if err := rows.Scan(&p.ID, &p.TenantID, &p.WorkspaceID, &p.AgentID, &guardrailType, &action, &configJSON, &p.Priority, &enabled, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.GuardrailType = policy.GuardrailType(guardrailType)
		p.Action = policy.Action(action)
		p.Enabled = enabled != 0
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if err := json.Unmarshal([]byte(configJSON), &p.Config); err != nil {
			p.Config = nil
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutPolicy inserts or replaces a policy row, used by the seed loader.
func (s *Store) PutPolicy(ctx context.Context, p *policy.Policy) error {
	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshal policy config: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, tenant_id, workspace_id, agent_id, guardrail_type, action, config, priority, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id=excluded.tenant_id, workspace_id=excluded.workspace_id, agent_id=excluded.agent_id,
			guardrail_type=excluded.guardrail_type, action=excluded.action, config=excluded.config,
			priority=excluded.priority, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		p.ID, p.TenantID, p.WorkspaceID, p.AgentID, string(p.GuardrailType), string(p.Action),
		string(configJSON), p.Priority, boolToInt(p.Enabled), now, now)
	if err != nil {
		return fmt.Errorf("put policy: %w", err)
	}
	return nil
}

// List implements upstream.Store.
func (s *Store) List(ctx context.Context) ([]upstream.Upstream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, enabled, timeout_seconds, max_retries, created_at, updated_at FROM upstreams`)
	if err != nil {
		return nil, fmt.Errorf("list upstreams: %w", err)
	}
	defer rows.Close()

	var out []upstream.Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// Get implements upstream.Store.
func (s *Store) Get(ctx context.Context, id string) (*upstream.Upstream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, enabled, timeout_seconds, max_retries, created_at, updated_at FROM upstreams WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get upstream: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, upstream.ErrUpstreamNotFound
	}
	return scanUpstream(rows)
}

// Add implements upstream.Store.
func (s *Store) Add(ctx context.Context, u *upstream.Upstream) error {
	return s.upsertUpstream(ctx, u)
}

// Update implements upstream.Store.
func (s *Store) Update(ctx context.Context, u *upstream.Upstream) error {
	return s.upsertUpstream(ctx, u)
}

// Delete implements upstream.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upstreams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete upstream: %w", err)
	}
	return nil
}

func (s *Store) upsertUpstream(ctx context.Context, u *upstream.Upstream) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upstreams (id, name, url, enabled, timeout_seconds, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, url=excluded.url, enabled=excluded.enabled,
			timeout_seconds=excluded.timeout_seconds, max_retries=excluded.max_retries, updated_at=excluded.updated_at`,
		u.ID, u.Name, u.URL, boolToInt(u.Enabled), u.TimeoutSeconds, u.MaxRetries, now, now)
	if err != nil {
		return fmt.Errorf("upsert upstream: %w", err)
	}
	return nil
}

func scanUpstream(rows *sql.Rows) (*upstream.Upstream, error) {
	u := &upstream.Upstream{}
	var enabled int
	var createdAt, updatedAt string
	if err := rows.Scan(&u.ID, &u.Name, &u.URL, &enabled, &u.TimeoutSeconds, &u.MaxRetries, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan upstream: %w", err)
	}
	u.Enabled = enabled != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return u, nil
}

// AppendAudit persists audit records durably, implementing the write side
// used by a sqlite-backed audit.Store adapter composed on top of Store.
func (s *Store) AppendAudit(ctx context.Context, records ...audit.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO audit_records
		(request_id, ts, tenant_id, workspace_id, agent_id, tool_name, method, request_decision, response_decision, triggered, upstream_status, retry_count, latency_micros, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit append: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		triggered, err := json.Marshal(rec.Triggered)
		if err != nil {
			return fmt.Errorf("marshal triggered guardrails: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, rec.RequestID, rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.TenantID, rec.WorkspaceID, rec.AgentID, rec.ToolName, rec.Method,
			rec.RequestDecision, rec.ResponseDecision, string(triggered),
			rec.UpstreamStatus, rec.RetryCount, rec.LatencyMicros, rec.Reason); err != nil {
			return fmt.Errorf("append audit record: %w", err)
		}
	}
	return tx.Commit()
}

// Query implements audit.QueryStore with keyset pagination on request_id.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Record, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var conds []string
	var args []any
	if !filter.StartTime.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, filter.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if !filter.EndTime.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, filter.EndTime.UTC().Format(time.RFC3339Nano))
	}
	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkspaceID != "" {
		conds = append(conds, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ToolName != "" {
		conds = append(conds, "tool_name = ?")
		args = append(args, filter.ToolName)
	}
	if filter.Decision != "" {
		conds = append(conds, "(request_decision = ? OR response_decision = ?)")
		args = append(args, filter.Decision, filter.Decision)
	}
	if filter.Cursor != "" {
		conds = append(conds, "request_id > ?")
		args = append(args, filter.Cursor)
	}

	query := `SELECT request_id, ts, tenant_id, workspace_id, agent_id, tool_name, method, request_decision, response_decision, triggered, upstream_status, retry_count, latency_micros, reason FROM audit_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY request_id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	var lastID string
	for rows.Next() {
		var rec audit.Record
		var ts, triggeredJSON string
		if err := rows.Scan(&rec.RequestID, &ts, &rec.TenantID, &rec.WorkspaceID, &rec.AgentID, &rec.ToolName,
			&rec.Method, &rec.RequestDecision, &rec.ResponseDecision, &triggeredJSON,
			&rec.UpstreamStatus, &rec.RetryCount, &rec.LatencyMicros, &rec.Reason); err != nil {
			return nil, "", fmt.Errorf("scan audit record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(triggeredJSON), &rec.Triggered)
		out = append(out, rec)
		lastID = rec.RequestID
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(out) == limit {
		nextCursor = lastID
	}
	return out, nextCursor, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AuditStore adapts Store to audit.Store (the write side the AuditEmitter
// drains into). Close is a no-op here: the underlying *Store's lifetime is
// owned by whoever called Open, since the same handle backs the other
// entity stores too.
type AuditStore struct {
	store *Store
}

// NewAuditStore wraps store as an audit.Store.
func NewAuditStore(store *Store) *AuditStore {
	return &AuditStore{store: store}
}

// Append implements audit.Store.
func (a *AuditStore) Append(ctx context.Context, records ...audit.Record) error {
	return a.store.AppendAudit(ctx, records...)
}

// Flush implements audit.Store. Every write commits immediately, so there
// is nothing buffered to flush.
func (a *AuditStore) Flush(ctx context.Context) error {
	return nil
}

// Close implements audit.Store as a no-op; see the type doc comment.
func (a *AuditStore) Close() error {
	return nil
}

var (
	_ auth.AuthStore   = (*Store)(nil)
	_ policy.Store     = (*Store)(nil)
	_ upstream.Store   = (*Store)(nil)
	_ audit.QueryStore = (*Store)(nil)
	_ audit.Store      = (*AuditStore)(nil)
)
