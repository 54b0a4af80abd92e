package billing

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/renecastillotv/clic-ledger/internal/pagination"
	"github.com/renecastillotv/clic-ledger/internal/syncutil"
)

// MemoryStore is an in-memory Store for demo/development and tests.
// Transactions work on a copy of the tenant's book, swapped in on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	books map[string]*book
	locks *syncutil.KeyedMutex
}

type book struct {
	account   *Account
	periods   map[int64]*Period // by Start unix seconds
	invoices  map[string]*Invoice
	sequences map[string]int
	payments  []*Payment
}

func newBook(a *Account) *book {
	return &book{
		account:   a,
		periods:   make(map[int64]*Period),
		invoices:  make(map[string]*Invoice),
		sequences: make(map[string]int),
	}
}

func (b *book) clone() *book {
	cp := &book{
		account:   b.account.Clone(),
		periods:   maps.Clone(b.periods),
		invoices:  make(map[string]*Invoice, len(b.invoices)),
		sequences: maps.Clone(b.sequences),
		payments:  append([]*Payment(nil), b.payments...),
	}
	for id, inv := range b.invoices {
		cp.invoices[id] = inv.Clone()
	}
	return cp
}

// NewMemoryStore creates a new in-memory billing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books: make(map[string]*book),
		locks: syncutil.NewKeyedMutex(),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	unlock, err := m.locks.Lock(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailure, err)
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[a.ID]; exists {
		return ErrAccountExists
	}
	m.books[a.ID] = newBook(a.Clone())
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, tenantID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[tenantID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return b.account.Clone(), nil
}

func (m *MemoryStore) ListAccountIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.books))
	for id := range m.books {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) GetInvoice(_ context.Context, tenantID, invoiceID string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[tenantID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	inv, ok := b.invoices[invoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

func (m *MemoryStore) ListInvoices(_ context.Context, tenantID string, f InvoiceFilter) ([]*Invoice, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	m.mu.RLock()
	b, ok := m.books[tenantID]
	var all []*Invoice
	if ok {
		for _, inv := range b.invoices {
			if matchesFilter(inv, f) && cursor.After(inv.IssuedAt, inv.ID) {
				all = append(all, inv.Clone())
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].IssuedAt.Equal(all[j].IssuedAt) {
			return all[i].IssuedAt.After(all[j].IssuedAt)
		}
		return all[i].ID > all[j].ID
	})
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func matchesFilter(inv *Invoice, f InvoiceFilter) bool {
	if f.Status != "" && inv.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && inv.IssuedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !inv.IssuedAt.Before(f.To) {
		return false
	}
	return true
}

func (m *MemoryStore) ListPayments(_ context.Context, tenantID string, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[tenantID]
	if !ok {
		return nil, nil
	}
	out := make([]*Payment, 0, len(b.payments))
	for i := len(b.payments) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		p := *b.payments[i]
		out = append(out, &p)
	}
	return out, nil
}

func (m *MemoryStore) WithTenantTx(ctx context.Context, tenantID string, fn func(tx Tx) error) error {
	unlock, err := m.locks.Lock(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailure, err)
	}
	defer unlock()

	m.mu.RLock()
	orig, ok := m.books[tenantID]
	m.mu.RUnlock()

	tx := &memoryTx{tenantID: tenantID}
	if ok {
		tx.book = orig.clone()
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailure, err)
	}
	if tx.book == nil {
		return nil
	}

	m.mu.Lock()
	m.books[tenantID] = tx.book
	m.mu.Unlock()
	return nil
}

type memoryTx struct {
	tenantID string
	book     *book // nil when the tenant has no account
}

func (t *memoryTx) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailure, err)
	}
	if t.book == nil {
		return ErrAccountNotFound
	}
	return nil
}

func (t *memoryTx) Account(ctx context.Context) (*Account, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.book.account.Clone(), nil
}

func (t *memoryTx) SaveAccount(ctx context.Context, a *Account) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if a.ID != t.tenantID {
		return ErrAccountNotFound
	}
	t.book.account = a.Clone()
	return nil
}

func (t *memoryTx) PeriodByStart(ctx context.Context, start time.Time) (*Period, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	p, ok := t.book.periods[start.Unix()]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (t *memoryTx) CreatePeriod(ctx context.Context, p *Period) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	key := p.Start.Unix()
	if _, exists := t.book.periods[key]; exists {
		return ErrDuplicateInvoice
	}
	cp := *p
	t.book.periods[key] = &cp
	return nil
}

func (t *memoryTx) HasActiveInvoiceIssued(ctx context.Context, from, to time.Time) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	for _, inv := range t.book.invoices {
		if inv.Status == InvoiceCancelled {
			continue
		}
		if !inv.IssuedAt.Before(from) && !inv.IssuedAt.After(to) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) NextInvoiceSequence(ctx context.Context, yearMonth string) (int, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	t.book.sequences[yearMonth]++
	return t.book.sequences[yearMonth], nil
}

func (t *memoryTx) InsertInvoice(ctx context.Context, inv *Invoice) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	for _, existing := range t.book.invoices {
		if existing.Number == inv.Number {
			return fmt.Errorf("%w: number %s already used", ErrTransactionFailure, inv.Number)
		}
	}
	t.book.invoices[inv.ID] = inv.Clone()
	return nil
}

func (t *memoryTx) Invoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	inv, ok := t.book.invoices[invoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

func (t *memoryTx) OutstandingInvoices(ctx context.Context) ([]*Invoice, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	var out []*Invoice
	for _, inv := range t.book.invoices {
		if inv.Status.Outstanding() {
			out = append(out, inv.Clone())
		}
	}
	sortByDue(out)
	return out, nil
}

func (t *memoryTx) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, ok := t.book.invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	t.book.invoices[inv.ID] = inv.Clone()
	return nil
}

func (t *memoryTx) InsertPayment(ctx context.Context, p *Payment) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	cp := *p
	cp.Allocations = append([]Allocation(nil), p.Allocations...)
	t.book.payments = append(t.book.payments, &cp)
	return nil
}

func sortByDue(invoices []*Invoice) {
	sort.SliceStable(invoices, func(i, j int) bool {
		if !invoices[i].DueDate.Equal(invoices[j].DueDate) {
			return invoices[i].DueDate.Before(invoices[j].DueDate)
		}
		return invoices[i].Number < invoices[j].Number
	})
}

var _ Store = (*MemoryStore)(nil)
