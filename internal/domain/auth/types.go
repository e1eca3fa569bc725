// Package auth contains domain types and logic for authenticating inbound
// agent requests against their AgentAccessKey.
package auth

import "time"

// AgentAccessKey is the credential an agent presents on every proxied
// request. The raw key is never stored; only its hash and a short prefix
// used for an indexed pre-filter are persisted.
type AgentAccessKey struct {
	// ID is the unique identifier of this key row.
	ID string
	// Prefix is the first 12 characters of the raw key, used to narrow the
	// store lookup before the expensive constant-time compare.
	Prefix string
	// Hash is the stored credential: salted SHA-256 ("sha256:<salt>:<hex>")
	// for keys minted by this service, or an Argon2id PHC string for keys
	// rotated through the administrative hash-upgrade path.
	Hash string
	// TenantID, WorkspaceID, AgentID identify who this key belongs to.
	TenantID    string
	WorkspaceID string
	AgentID     string
	// CreatedAt is when the key was minted (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the key expires (nil = never expires).
	ExpiresAt *time.Time
	// Revoked indicates an administrator has revoked this key.
	Revoked bool
	// Deactivated indicates an administrator has disabled this key without
	// revoking it outright (e.g. a temporary suspension). A key must be
	// unrevoked, unexpired, and not deactivated to authenticate.
	Deactivated bool

	// LastUsedAt is the timestamp of the most recent successful
	// authentication against this key, updated fire-and-forget off the
	// request hot path. Nil if the key has never been used.
	LastUsedAt *time.Time
	// UsageCount counts successful authentications against this key.
	UsageCount int64
}

// IsExpired returns true if the key has expired. A nil ExpiresAt never
// expires.
func (k *AgentAccessKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*k.ExpiresAt)
}

// RequestContext is the identity resolved from a valid AgentAccessKey and
// threaded through policy resolution, the guardrail pipeline, and the audit
// record for a single request.
type RequestContext struct {
	RequestID   string
	TenantID    string
	WorkspaceID string
	AgentID     string
	AccessKeyID string
}
