package policy

import (
	"context"
	"sync"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
)

// MemoryStore holds tenant policies in memory. Used for development mode
// and tests; production deployments back the lookup with Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[types.ID]*TenantTSAPolicy
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[types.ID]*TenantTSAPolicy)}
}

// Put stores or replaces a tenant policy.
func (s *MemoryStore) Put(p *TenantTSAPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.TenantID] = p
}

// GetTenantPolicy retrieves a tenant's trust policy.
func (s *MemoryStore) GetTenantPolicy(ctx context.Context, tenantID types.ID) (*TenantTSAPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[tenantID]
	if !ok {
		return nil, errors.PolicyNotFound(tenantID.String())
	}
	return p, nil
}

var _ Store = (*MemoryStore)(nil)
