// Package usage provides metered usage snapshots per tenant and billing
// period. Counters are maintained by the CRM; this package only reads them.
package usage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by providers that require a recorded snapshot.
var ErrNotFound = errors.New("usage: snapshot not found")

// Snapshot is the metered state of one tenant for one period.
type Snapshot struct {
	UsersActive       int64    `json:"usersActive"`
	ListingsPublished int64    `json:"listingsPublished"`
	EnabledFeatures   []string `json:"enabledFeatures"`
}

// Provider returns the usage of a tenant for the period starting at
// periodStart.
type Provider interface {
	GetUsage(ctx context.Context, tenantID string, periodStart time.Time) (Snapshot, error)
}

// Normalize sorts and de-duplicates the enabled features and clamps
// negative counters to zero.
func (s Snapshot) Normalize() Snapshot {
	out := Snapshot{
		UsersActive:       max(s.UsersActive, 0),
		ListingsPublished: max(s.ListingsPublished, 0),
	}
	seen := make(map[string]struct{}, len(s.EnabledFeatures))
	for _, f := range s.EnabledFeatures {
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out.EnabledFeatures = append(out.EnabledFeatures, f)
	}
	sort.Strings(out.EnabledFeatures)
	return out
}

// MemoryProvider keeps the latest counters per tenant. Snapshots are not
// period-specific: whatever is current is reported for any period.
type MemoryProvider struct {
	mu      sync.RWMutex
	tenants map[string]Snapshot
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{tenants: make(map[string]Snapshot)}
}

// Set records the current counters for a tenant.
func (m *MemoryProvider) Set(tenantID string, s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenantID] = s.Normalize()
}

// GetUsage implements Provider. Unknown tenants report zero usage.
func (m *MemoryProvider) GetUsage(_ context.Context, tenantID string, _ time.Time) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.tenants[tenantID]
	s.EnabledFeatures = append([]string(nil), s.EnabledFeatures...)
	return s, nil
}

var _ Provider = (*MemoryProvider)(nil)
