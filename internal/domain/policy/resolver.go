package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/sentinelops/gatekeep/internal/domain/auth"
)

// ErrStoreUnavailable is returned by a PolicyStore implementation when the
// backing database cannot be reached.
var ErrStoreUnavailable = errors.New("policy store unavailable")

// canonicalOrder is the fixed evaluation order guardrails are emitted in,
// chosen so cheap structural checks run before content scanning. Pipeline
// filters this per direction; Resolve always emits the full order so a
// single EffectivePolicySet serves both the request and response pass.
var canonicalOrder = []GuardrailType{
	GuardrailRBAC,
	GuardrailRateLimitPerMinute,
	GuardrailRateLimitPerHour,
	GuardrailPIISSN,
	GuardrailPIICreditCard,
	GuardrailPIIEmail,
	GuardrailPIIPhone,
	GuardrailPIIIPAddress,
	GuardrailContentLargeDocuments,
	GuardrailContentStructuredData,
	GuardrailContentSourceCode,
}

// Store queries the persisted policy rows; the admin surface that writes
// them is out of scope.
type Store interface {
	// ListForContext returns every enabled, non-deleted policy whose scope
	// matches the given tenant at any of the three levels.
	ListForContext(ctx context.Context, tenantID, workspaceID, agentID string) ([]Policy, error)
}

// Cache memoises an EffectivePolicySet keyed by the resolved scope tuple.
// The in-memory dev adapter and a future Redis adapter both satisfy this
// port; Resolver never depends on a concrete implementation.
type Cache interface {
	Get(ctx context.Context, key uint64) (EffectivePolicySet, bool)
	Set(ctx context.Context, key uint64, set EffectivePolicySet)
	Invalidate(ctx context.Context, key uint64)
}

// FailMode controls PolicyResolver behavior when the store is unreachable.
type FailMode string

const (
	FailClosed FailMode = "closed"
	FailOpen   FailMode = "open"
)

// Resolver resolves a RequestContext into an EffectivePolicySet by querying
// Store, grouping rows by guardrail type, and picking the precedence
// winner in each group.
type Resolver struct {
	store  Store
	cache  Cache
	logger *slog.Logger
}

// NewResolver builds a Resolver. cache may be nil to disable memoization.
func NewResolver(store Store, cache Cache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, cache: cache, logger: logger}
}

// CacheKey derives the memoization key for a scope tuple.
func CacheKey(tenantID, workspaceID, agentID string) uint64 {
	h := xxhash.New()
	h.WriteString(tenantID)
	h.Write([]byte{0})
	h.WriteString(workspaceID)
	h.Write([]byte{0})
	h.WriteString(agentID)
	return h.Sum64()
}

// Resolve queries matching rows, groups
// by guardrail type, pick the precedence winner (agent > workspace >
// tenant, ties broken by descending priority) within each group, and emit
// the merged list in canonical order.
func (r *Resolver) Resolve(ctx context.Context, rc *auth.RequestContext, failMode FailMode) (EffectivePolicySet, error) {
	key := CacheKey(rc.TenantID, rc.WorkspaceID, rc.AgentID)

	if r.cache != nil {
		if set, ok := r.cache.Get(ctx, key); ok {
			return set, nil
		}
	}

	rows, err := r.store.ListForContext(ctx, rc.TenantID, rc.WorkspaceID, rc.AgentID)
	if err != nil {
		if failMode == FailOpen {
			r.logger.Warn("policy store unreachable, failing open",
				"tenant_id", rc.TenantID, "workspace_id", rc.WorkspaceID, "error", err)
			return EffectivePolicySet{Degraded: true}, nil
		}
		return EffectivePolicySet{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	set := reduce(rows)
	if r.cache != nil {
		r.cache.Set(ctx, key, set)
	}
	return set, nil
}

// Invalidate evicts the cached set for a scope tuple; called when the admin
// surface writes a policy affecting it.
func (r *Resolver) Invalidate(ctx context.Context, tenantID, workspaceID, agentID string) {
	if r.cache == nil {
		return
	}
	r.cache.Invalidate(ctx, CacheKey(tenantID, workspaceID, agentID))
}

// reduce is the "hierarchical policy merge as data" group-by-winner
// reduction: a flat scan producing one winner per guardrail type, with no
// traversal of nested tenant/workspace/agent objects.
func reduce(rows []Policy) EffectivePolicySet {
	winners := make(map[GuardrailType]Policy, len(rows))
	for _, row := range rows {
		if !row.Active() {
			continue
		}
		current, ok := winners[row.GuardrailType]
		if !ok || beats(row, current) {
			winners[row.GuardrailType] = row
		}
	}

	entries := make([]EffectivePolicy, 0, len(winners))
	for _, t := range canonicalOrder {
		if w, ok := winners[t]; ok {
			entries = append(entries, EffectivePolicy{
				GuardrailType: w.GuardrailType,
				Action:        w.Action,
				Config:        w.Config,
			})
		}
	}
	// Any guardrail type outside the known canonical order (forward
	// compatibility) is appended, sorted for determinism.
	var extra []GuardrailType
	for t := range winners {
		known := false
		for _, c := range canonicalOrder {
			if c == t {
				known = true
				break
			}
		}
		if !known {
			extra = append(extra, t)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, t := range extra {
		w := winners[t]
		entries = append(entries, EffectivePolicy{GuardrailType: w.GuardrailType, Action: w.Action, Config: w.Config})
	}

	return EffectivePolicySet{Entries: entries}
}

// beats reports whether candidate outranks incumbent: higher scope wins;
// within the same scope, higher priority wins.
func beats(candidate, incumbent Policy) bool {
	if candidate.Scope() != incumbent.Scope() {
		return candidate.Scope() > incumbent.Scope()
	}
	return candidate.Priority > incumbent.Priority
}
