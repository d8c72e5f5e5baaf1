// Package ledger remembers which offer instances were already resolved so a
// restarted manager does not show them again.
package ledger

import (
	"context"
	"sync"

	"github.com/example/hotride/internal/offer/domain"
)

// Memory keeps resolutions for the lifetime of the process.
type Memory struct {
	mu       sync.RWMutex
	resolved map[domain.InstanceKey]domain.Status
}

func NewMemory() *Memory {
	return &Memory{resolved: make(map[domain.InstanceKey]domain.Status)}
}

// Record stores the resolution and forgets instances that expired before it.
func (m *Memory) Record(_ context.Context, res domain.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := res.At.UnixMilli()
	for key := range m.resolved {
		if key.ExpiresAt < cutoff {
			delete(m.resolved, key)
		}
	}
	if _, ok := m.resolved[res.Key()]; !ok {
		m.resolved[res.Key()] = res.Status
	}
	return nil
}

func (m *Memory) Resolved(_ context.Context, key domain.InstanceKey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.resolved[key]
	return ok, nil
}
