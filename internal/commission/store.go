package commission

import (
	"context"
	"time"
)

// Store persists sales and the movement ledger.
type Store interface {
	// CreateSale stores a sale with its commissions. ErrSaleExists if the ID
	// is taken.
	CreateSale(ctx context.Context, sale *Sale) error
	GetSale(ctx context.Context, tenantID, saleID string) (*Sale, error)
	// ListMovements returns a sale's movements oldest first.
	ListMovements(ctx context.Context, tenantID, saleID string) ([]Movement, error)
	// AppendMovement checks, in the same transaction as the insert, that the
	// sale belongs to the tenant and that a named commission belongs to the
	// sale.
	AppendMovement(ctx context.Context, m *Movement) error
	// LoadLedgerData returns the tenant's sales closed in [from, to) and
	// every movement of those sales. Zero bounds are open.
	LoadLedgerData(ctx context.Context, tenantID string, from, to time.Time) ([]*Sale, []Movement, error)
}
