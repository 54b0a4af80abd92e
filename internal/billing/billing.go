// Package billing prices tenant subscriptions from metered usage, issues
// numbered monthly invoices, allocates payments against outstanding
// invoices and derives each tenant's account status from invoice aging.
//
// Every write runs in one tenant-scoped transaction (Store.WithTenantTx):
// the account row is locked first, all invoice and balance changes are
// applied, and the account status is re-resolved before commit.
package billing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renecastillotv/clic-ledger/internal/usage"
)

var (
	ErrAccountNotFound    = errors.New("billing: account not found")
	ErrAccountExists      = errors.New("billing: account already exists")
	ErrPlanNotFound       = errors.New("billing: plan not found")
	ErrInvoiceNotFound    = errors.New("billing: invoice not found")
	ErrDuplicateInvoice   = errors.New("billing: period already invoiced")
	ErrInvoiceNotPayable  = errors.New("billing: invoice is not outstanding")
	ErrInvalidTransition  = errors.New("billing: invalid invoice status transition")
	ErrInvalidAmount      = errors.New("billing: invalid amount")
	ErrInvalidArgument    = errors.New("billing: invalid argument")
	ErrTermsChanged       = errors.New("billing: account terms changed during invoicing")
	ErrTransactionFailure = errors.New("billing: transaction failed")
)

// AccountStatus is the coarse health of a tenant account.
type AccountStatus string

const (
	StatusCurrent   AccountStatus = "al_dia"
	StatusDueSoon   AccountStatus = "por_vencer"
	StatusOverdue   AccountStatus = "vencido"
	StatusSuspended AccountStatus = "suspendido"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pendiente"
	InvoicePaid      InvoiceStatus = "pagada"
	InvoiceOverdue   InvoiceStatus = "vencida"
	InvoiceCancelled InvoiceStatus = "cancelada"
)

// Valid reports whether s is a known status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoicePending, InvoicePaid, InvoiceOverdue, InvoiceCancelled:
		return true
	}
	return false
}

// Outstanding reports whether an invoice in this status still owes money.
func (s InvoiceStatus) Outstanding() bool {
	return s == InvoicePending || s == InvoiceOverdue
}

// Terminal reports whether no further transition is allowed.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoicePaid || s == InvoiceCancelled
}

// Account is a tenant's billing account.
type Account struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	PlanID        string          `json:"planId"`
	DiscountPct   decimal.Decimal `json:"discountPct"`
	Balance       decimal.Decimal `json:"balance"` // saldo pendiente, never negative
	LastPaymentAt *time.Time      `json:"lastPaymentAt,omitempty"`
	Status        AccountStatus   `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Clone returns a copy safe to mutate.
func (a *Account) Clone() *Account {
	cp := *a
	if a.LastPaymentAt != nil {
		t := *a.LastPaymentAt
		cp.LastPaymentAt = &t
	}
	return &cp
}

// Period is the immutable usage record of one billing month [Start, End).
type Period struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	Start     time.Time      `json:"start"`
	End       time.Time      `json:"end"`
	Usage     usage.Snapshot `json:"usage"`
	CreatedAt time.Time      `json:"createdAt"`
}

// LineItem is one priced row of a cost breakdown.
type LineItem struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Amount      decimal.Decimal `json:"amount"`
}

// CostBreakdown is the priced result of one period. It is copied onto the
// invoice at issuance and never recomputed afterwards.
type CostBreakdown struct {
	PlanID            string          `json:"planId"`
	Currency          string          `json:"currency"`
	PeriodStart       time.Time       `json:"periodStart"`
	PeriodEnd         time.Time       `json:"periodEnd"`
	Usage             usage.Snapshot  `json:"usage"`
	BaseCost          decimal.Decimal `json:"baseCost"`
	ExtraUsers        int64           `json:"extraUsers"`
	ExtraUsersCost    decimal.Decimal `json:"extraUsersCost"`
	ExtraListings     int64           `json:"extraListings"`
	ExtraListingsCost decimal.Decimal `json:"extraListingsCost"`
	FeaturesCost      decimal.Decimal `json:"featuresCost"`
	LineItems         []LineItem      `json:"lineItems"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	DiscountPct       decimal.Decimal `json:"discountPct"`
	Discount          decimal.Decimal `json:"discount"`
	Total             decimal.Decimal `json:"total"`
}

// Invoice is a numbered bill for one period.
type Invoice struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId"`
	PeriodID         string          `json:"periodId"`
	Number           string          `json:"number"`
	Status           InvoiceStatus   `json:"status"`
	IssuedAt         time.Time       `json:"issuedAt"`
	DueDate          time.Time       `json:"dueDate"`
	Breakdown        CostBreakdown   `json:"breakdown"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Discount         decimal.Decimal `json:"discount"`
	Total            decimal.Decimal `json:"total"`
	Currency         string          `json:"currency"`
	PaymentMethod    string          `json:"paymentMethod,omitempty"`
	PaymentReference string          `json:"paymentReference,omitempty"`
	PaidAt           *time.Time      `json:"paidAt,omitempty"`
	CancelledAt      *time.Time      `json:"cancelledAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Clone returns a copy safe to mutate. The breakdown is shared since it is
// never modified after issuance.
func (inv *Invoice) Clone() *Invoice {
	cp := *inv
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		cp.PaidAt = &t
	}
	if inv.CancelledAt != nil {
		t := *inv.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

// Allocation records the part of a payment applied to one invoice. The
// amount always equals the invoice total.
type Allocation struct {
	PaymentID string          `json:"paymentId"`
	InvoiceID string          `json:"invoiceId"`
	Amount    decimal.Decimal `json:"amount"`
}

// Payment is an immutable record of received cash.
type Payment struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	Amount          decimal.Decimal `json:"amount"`
	Applied         decimal.Decimal `json:"applied"`
	Remaining       decimal.Decimal `json:"remaining"`
	TargetInvoiceID string          `json:"targetInvoiceId,omitempty"`
	Method          string          `json:"method,omitempty"`
	Reference       string          `json:"reference,omitempty"`
	Allocations     []Allocation    `json:"allocations"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// PaymentRequest is the input of RecordPayment.
type PaymentRequest struct {
	Amount          decimal.Decimal
	TargetInvoiceID string
	Method          string
	Reference       string
}

// PaymentResult summarises one allocation run.
type PaymentResult struct {
	PaymentID      string          `json:"paymentId"`
	Applied        decimal.Decimal `json:"applied"`
	PaidInvoiceIDs []string        `json:"paidInvoiceIds"`
	Remaining      decimal.Decimal `json:"remaining"`
	Balance        decimal.Decimal `json:"balance"`
	AccountStatus  AccountStatus   `json:"accountStatus"`
}

// GenerateOptions tunes invoice generation.
type GenerateOptions struct {
	DueDate *time.Time
	Force   bool
}

// StatusChange is the input of ChangeInvoiceStatus.
type StatusChange struct {
	Status    InvoiceStatus
	Method    string
	Reference string
}

// InvoiceFilter narrows ListInvoices. Zero values match everything.
type InvoiceFilter struct {
	Status InvoiceStatus
	From   time.Time // issued at or after
	To     time.Time // issued before
	Cursor string
	Limit  int
}

// AccountTerms are the admin-editable pricing terms of an account.
type AccountTerms struct {
	Name        *string
	PlanID      *string
	DiscountPct *decimal.Decimal
}
