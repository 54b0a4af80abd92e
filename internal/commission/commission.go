// Package commission tracks how much of each payee's share of a sale's
// commission pool is unlocked for payout. Client collections (cobros) and
// payee payouts (pagos) are appended to a ledger; enabled and pending
// amounts are derived from it on every read and never stored.
package commission

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrSaleNotFound       = errors.New("commission: sale not found")
	ErrSaleExists         = errors.New("commission: sale already exists")
	ErrCommissionNotFound = errors.New("commission: commission not found for sale")
	ErrInvalidAmount      = errors.New("commission: invalid amount")
	ErrInvalidArgument    = errors.New("commission: invalid argument")
	ErrTransactionFailure = errors.New("commission: transaction failed")
)

// Role is the payee's part in the sale.
type Role string

const (
	RoleSeller         Role = "vendedor"
	RoleLister         Role = "captador"
	RoleReferrer       Role = "referidor"
	RoleCompany        Role = "empresa"
	RoleExternalSeller Role = "vendedor_externo"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSeller, RoleLister, RoleReferrer, RoleCompany, RoleExternalSeller:
		return true
	}
	return false
}

// MovementType distinguishes cash in from cash out.
type MovementType string

const (
	// MovementCollection is money received from the client.
	MovementCollection MovementType = "cobro"
	// MovementPayout is money paid to a payee.
	MovementPayout MovementType = "pago"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	return t == MovementCollection || t == MovementPayout
}

// State is the payout progress of one commission.
type State string

const (
	StatePending State = "pendiente"
	StatePartial State = "parcial"
	StatePaid    State = "pagada"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StatePending || s == StatePartial || s == StatePaid
}

// Sale is a closed deal and its commission pool.
type Sale struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	Title       string          `json:"title"`
	ClosedAt    time.Time       `json:"closedAt"`
	Currency    string          `json:"currency"`
	Pool        decimal.Decimal `json:"pool"` // monto_comision
	Commissions []Commission    `json:"commissions"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Clone returns a copy safe to mutate.
func (s *Sale) Clone() *Sale {
	cp := *s
	cp.Commissions = append([]Commission(nil), s.Commissions...)
	return &cp
}

// Commission returns the sale's commission with the given ID.
func (s *Sale) Commission(id string) (Commission, bool) {
	for _, c := range s.Commissions {
		if c.ID == id {
			return c, true
		}
	}
	return Commission{}, false
}

// Commission is one payee's contractual share of a sale's pool.
type Commission struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"saleId"`
	PayeeRef  string          `json:"payeeRef"`
	PayeeName string          `json:"payeeName"`
	Role      Role            `json:"role"`
	SplitPct  decimal.Decimal `json:"splitPct"`
	Amount    decimal.Decimal `json:"amount"`
}

// Movement is an append-only ledger entry.
type Movement struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	SaleID       string          `json:"saleId"`
	CommissionID string          `json:"commissionId,omitempty"`
	Type         MovementType    `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Reference    string          `json:"reference,omitempty"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// CommissionLine is a commission with its derived ledger figures.
type CommissionLine struct {
	Commission
	Enabled decimal.Decimal `json:"enabled"` // habilitado
	Paid    decimal.Decimal `json:"paid"`
	Pending decimal.Decimal `json:"pending"`
	State   State           `json:"state"`
}

// SaleLedger is the derived view of one sale.
type SaleLedger struct {
	Sale      *Sale            `json:"sale"`
	Collected decimal.Decimal  `json:"collected"` // venta_cobrado
	Enabled   decimal.Decimal  `json:"enabled"`
	Paid      decimal.Decimal  `json:"paid"`
	Pending   decimal.Decimal  `json:"pending"`
	Lines     []CommissionLine `json:"lines"`
	Movements []Movement       `json:"movements"`
}

// Filter narrows a Summary. Zero values match everything except
// IncludeCompany, which must be set to keep company shares.
type Filter struct {
	PayeeRef       string
	Role           Role
	State          State
	From           time.Time // closed at or after
	To             time.Time // closed before
	IncludeCompany bool
}

// Summary aggregates commission ledgers across a tenant's sales.
type Summary struct {
	TotalProjected    decimal.Decimal `json:"totalProjected"`
	TotalCollected    decimal.Decimal `json:"totalCollected"`
	TotalEnabled      decimal.Decimal `json:"totalEnabled"`
	TotalPaid         decimal.Decimal `json:"totalPaid"`
	PendingPayout     decimal.Decimal `json:"pendingPayout"`
	FutureCollectible decimal.Decimal `json:"futureCollectible"`
	Sales             int             `json:"sales"`
	Commissions       int             `json:"commissions"`
}
