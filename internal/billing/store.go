package billing

import (
	"context"
	"time"
)

// Store persists billing data. Reads outside WithTenantTx see committed
// state only.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, tenantID string) (*Account, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
	GetInvoice(ctx context.Context, tenantID, invoiceID string) (*Invoice, error)
	// ListInvoices returns invoices newest first (IssuedAt DESC, ID DESC),
	// at most f.Limit rows, starting after f.Cursor.
	ListInvoices(ctx context.Context, tenantID string, f InvoiceFilter) ([]*Invoice, error)
	ListPayments(ctx context.Context, tenantID string, limit int) ([]*Payment, error)

	// WithTenantTx runs fn in one all-or-nothing unit of work serialized
	// per tenant. A non-nil error from fn, or a done ctx, discards every
	// change made through the Tx.
	WithTenantTx(ctx context.Context, tenantID string, fn func(tx Tx) error) error
}

// Tx is the tenant-scoped view of a running transaction. Every method
// operates on the tenant WithTenantTx was called with.
type Tx interface {
	// Account loads and locks the account row. ErrAccountNotFound if
	// missing.
	Account(ctx context.Context) (*Account, error)
	SaveAccount(ctx context.Context, a *Account) error

	// PeriodByStart returns the period starting at start, or nil.
	PeriodByStart(ctx context.Context, start time.Time) (*Period, error)
	CreatePeriod(ctx context.Context, p *Period) error

	// HasActiveInvoiceIssued reports whether a non-cancelled invoice was
	// issued within [from, to].
	HasActiveInvoiceIssued(ctx context.Context, from, to time.Time) (bool, error)
	// NextInvoiceSequence atomically increments and returns the counter for
	// a YYYYMM key, starting at 1.
	NextInvoiceSequence(ctx context.Context, yearMonth string) (int, error)
	InsertInvoice(ctx context.Context, inv *Invoice) error
	Invoice(ctx context.Context, invoiceID string) (*Invoice, error)
	// OutstandingInvoices returns pendiente and vencida invoices ordered by
	// due date then number.
	OutstandingInvoices(ctx context.Context) ([]*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error

	InsertPayment(ctx context.Context, p *Payment) error
}
