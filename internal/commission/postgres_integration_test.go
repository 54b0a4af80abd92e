//go:build integration

package commission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renecastillotv/clic-ledger/internal/money"
	"github.com/renecastillotv/clic-ledger/internal/testutil"
)

func TestPostgresStore_LedgerRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	svc := NewService(NewPostgresStore(db), nil).
		WithClock(func() time.Time { return testNow })
	registerTestSale(t, svc)

	_, err := svc.RegisterSale(ctx, "t1", RegisterSaleRequest{ID: "s1", Title: "again"})
	assert.ErrorIs(t, err, ErrSaleExists)
	_, err = svc.RegisterSale(ctx, "t2", RegisterSaleRequest{ID: "s1", Title: "otra"})
	require.NoError(t, err)

	_, _, err = svc.RecordMovement(ctx, "t1", MovementRequest{SaleID: "s1", Type: MovementCollection, Amount: amt("500")})
	require.NoError(t, err)
	_, ledger, err := svc.RecordMovement(ctx, "t1", MovementRequest{
		SaleID: "s1", CommissionID: "c-v", Type: MovementPayout, Amount: amt("300"),
	})
	require.NoError(t, err)

	assert.Equal(t, "500.00", money.Format(ledger.Collected))
	assert.Equal(t, "300.00", money.Format(ledger.Paid))
	require.Len(t, ledger.Lines, 2)
	assert.Equal(t, "c-v", ledger.Lines[0].ID)
	assert.Equal(t, StatePartial, ledger.Lines[0].State)
	assert.Equal(t, StatePending, ledger.Lines[1].State)

	_, _, err = svc.RecordMovement(ctx, "t1", MovementRequest{
		SaleID: "s1", CommissionID: "ghost", Type: MovementPayout, Amount: amt("1"),
	})
	assert.ErrorIs(t, err, ErrCommissionNotFound)

	// The t2 sale shares the ID but not the commissions.
	other, err := svc.GetSaleLedger(ctx, "t2", "s1")
	require.NoError(t, err)
	assert.Empty(t, other.Lines)

	sum, err := svc.Summary(ctx, "t1", Filter{IncludeCompany: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sales)
	assert.Equal(t, "1000.00", money.Format(sum.TotalProjected))
	assert.Equal(t, "200.00", money.Format(sum.PendingPayout))
}
