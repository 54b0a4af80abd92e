package commission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	sales     map[string]map[string]*Sale // tenant -> sale id -> sale
	movements map[string][]Movement       // tenant -> ledger
}

// NewMemoryStore creates a new in-memory commission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sales:     make(map[string]map[string]*Sale),
		movements: make(map[string][]Movement),
	}
}

func (m *MemoryStore) CreateSale(_ context.Context, sale *Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant, ok := m.sales[sale.TenantID]
	if !ok {
		tenant = make(map[string]*Sale)
		m.sales[sale.TenantID] = tenant
	}
	if _, exists := tenant[sale.ID]; exists {
		return ErrSaleExists
	}
	tenant[sale.ID] = sale.Clone()
	return nil
}

func (m *MemoryStore) GetSale(_ context.Context, tenantID, saleID string) (*Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sales[tenantID][saleID]
	if !ok {
		return nil, ErrSaleNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListMovements(_ context.Context, tenantID, saleID string) ([]Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Movement
	for _, mv := range m.movements[tenantID] {
		if mv.SaleID == saleID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendMovement(ctx context.Context, mv *Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sale, ok := m.sales[mv.TenantID][mv.SaleID]
	if !ok {
		return ErrSaleNotFound
	}
	if mv.CommissionID != "" {
		if _, ok := sale.Commission(mv.CommissionID); !ok {
			return ErrCommissionNotFound
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailure, err)
	}
	m.movements[mv.TenantID] = append(m.movements[mv.TenantID], *mv)
	return nil
}

func (m *MemoryStore) LoadLedgerData(_ context.Context, tenantID string, from, to time.Time) ([]*Sale, []Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f := Filter{From: from, To: to}
	var sales []*Sale
	in := make(map[string]bool)
	for _, s := range m.sales[tenantID] {
		if f.matchesSale(s) {
			sales = append(sales, s.Clone())
			in[s.ID] = true
		}
	}
	sort.Slice(sales, func(i, j int) bool {
		if !sales[i].ClosedAt.Equal(sales[j].ClosedAt) {
			return sales[i].ClosedAt.Before(sales[j].ClosedAt)
		}
		return sales[i].ID < sales[j].ID
	})

	var movements []Movement
	for _, mv := range m.movements[tenantID] {
		if in[mv.SaleID] {
			movements = append(movements, mv)
		}
	}
	return sales, movements, nil
}

var _ Store = (*MemoryStore)(nil)
