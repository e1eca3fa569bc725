package memory

import (
	"context"
	"sync"

	"github.com/sentinelops/gatekeep/internal/domain/policy"
)

// PolicyStore implements policy.Store with an in-memory map, for dev mode
// and tests. A SQLite-backed implementation serves the persisted-state
// deployment.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*policy.Policy
}

// NewPolicyStore creates an empty in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[string]*policy.Policy)}
}

// Put inserts or replaces a policy row (used by the YAML seed loader and
// tests).
func (s *PolicyStore) Put(p *policy.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := *p
	s.policies[p.ID] = &pc
}

// Delete removes a policy row by ID.
func (s *PolicyStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
}

// ListForContext returns every enabled, non-deleted policy whose scope
// matches tenantID at any of the three precedence levels: tenant-scope rows
// (both workspace/agent empty), this workspace's workspace-scope rows
// (agent empty), and this agent's agent-scope rows.
func (s *PolicyStore) ListForContext(ctx context.Context, tenantID, workspaceID, agentID string) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []policy.Policy
	for _, p := range s.policies {
		if !p.Active() || p.TenantID != tenantID {
			continue
		}
		switch p.Scope() {
		case policy.ScopeTenant:
			out = append(out, *p)
		case policy.ScopeWorkspace:
			if p.WorkspaceID == workspaceID {
				out = append(out, *p)
			}
		case policy.ScopeAgent:
			if p.WorkspaceID == workspaceID && p.AgentID == agentID {
				out = append(out, *p)
			}
		}
	}
	return out, nil
}

var _ policy.Store = (*PolicyStore)(nil)
