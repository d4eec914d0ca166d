package budget

import (
	"context"
	"sync"
)

// MemoryQuotaStore implements QuotaStore in memory. Thread-safe via RWMutex.
type MemoryQuotaStore struct {
	mu         sync.RWMutex
	quotas     map[string]*Quota
	allowances map[string]uint64
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{
		quotas:     make(map[string]*Quota),
		allowances: make(map[string]uint64),
	}
}

func (s *MemoryQuotaStore) Get(ctx context.Context, tenantID string) (*Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.quotas[tenantID]; ok {
		// return copy to avoid race on mutation outside lock
		val := *q
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryQuotaStore) Set(ctx context.Context, q *Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *q
	s.quotas[q.TenantID] = &val
	return nil
}

func (s *MemoryQuotaStore) Allowance(ctx context.Context, tenantID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowances[tenantID], nil
}

func (s *MemoryQuotaStore) SetAllowance(ctx context.Context, tenantID string, allowance uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances[tenantID] = allowance
	return nil
}
