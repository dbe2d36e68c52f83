// Package persistence provides the Rule Index's persistence adapters (spec
// §6 "Persisted layout"): an in-memory Store for development and tests, and
// a Postgres-backed Store for production deployments. Both round-trip rules
// and groups unchanged and replace the full snapshot on every save, matching
// rules.Manager.Persist's always-complete-set calling convention.
package persistence

import (
	"context"
	"sync"

	"github.com/r3e-network/ruleflow/internal/rules"
)

// MemoryStore is the default rules.PersistenceStore: it keeps the latest
// saved snapshot in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	rules  []rules.Rule
	groups []rules.Group
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) SaveRules(ctx context.Context, rs []rules.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]rules.Rule(nil), rs...)
	return nil
}

func (m *MemoryStore) SaveGroups(ctx context.Context, gs []rules.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append([]rules.Group(nil), gs...)
	return nil
}

func (m *MemoryStore) LoadRules(ctx context.Context) ([]rules.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]rules.Rule(nil), m.rules...), nil
}

func (m *MemoryStore) LoadGroups(ctx context.Context) ([]rules.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]rules.Group(nil), m.groups...), nil
}

var _ rules.PersistenceStore = (*MemoryStore)(nil)
