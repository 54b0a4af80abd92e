package plans

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renecastillotv/clic-ledger/internal/money"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	p, err := c.GetPlan(context.Background(), "profesional")
	require.NoError(t, err)
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, "99.00", money.Format(p.BaseCost))
	assert.Equal(t, int64(10), p.IncludedUsers)
	assert.Equal(t, "25.00", money.Format(p.FeaturePrice("crm_avanzado")))
	assert.True(t, p.FeaturePrice("unknown").IsZero())

	assert.Len(t, c.List(), 3)
}

func TestParseCatalog_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad yaml":       "plans: [",
		"no currency":    "plans:\n  - id: x\n    base_cost: \"1\"\n",
		"negative price": "plans:\n  - id: x\n    currency: USD\n    base_cost: \"-1\"\n",
		"sub-cent":       "plans:\n  - id: x\n    currency: USD\n    user_overage: \"0.001\"\n",
		"bad feature":    "plans:\n  - id: x\n    currency: USD\n    features:\n      a: nope\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestCatalog_GetPlanReturnsCopy(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	ctx := context.Background()

	p, err := c.GetPlan(ctx, "basico")
	require.NoError(t, err)
	p.FeaturePrices["portal_sync"] = decimal.NewFromInt(999)

	again, err := c.GetPlan(ctx, "basico")
	require.NoError(t, err)
	assert.Equal(t, "15.00", money.Format(again.FeaturePrice("portal_sync")))

	_, err = c.GetPlan(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type countingRegistry struct {
	calls atomic.Int32
	inner Registry
	delay time.Duration
}

func (r *countingRegistry) GetPlan(ctx context.Context, id string) (*Plan, error) {
	r.calls.Add(1)
	time.Sleep(r.delay)
	return r.inner.GetPlan(ctx, id)
}

func TestCachedRegistry_HitsAndMisses(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	upstream := &countingRegistry{inner: c}
	cached := NewCachedRegistry(upstream, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := cached.GetPlan(ctx, "basico")
		require.NoError(t, err)
		assert.Equal(t, "basico", p.ID)
	}
	assert.Equal(t, int32(1), upstream.calls.Load())

	_, err = cached.GetPlan(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = cached.GetPlan(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(3), upstream.calls.Load())

	cached.Invalidate("basico")
	_, err = cached.GetPlan(ctx, "basico")
	require.NoError(t, err)
	assert.Equal(t, int32(4), upstream.calls.Load())
}

func TestCachedRegistry_CollapsesConcurrentMisses(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	upstream := &countingRegistry{inner: c, delay: 50 * time.Millisecond}
	cached := NewCachedRegistry(upstream, 10, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cached.GetPlan(context.Background(), "empresarial")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, upstream.calls.Load(), int32(2))
}

func TestPostgresRegistry_GetPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "name", "currency", "base_cost", "included_users", "included_listings",
		"user_overage", "listing_overage", "feature_prices",
	}).AddRow("basico", "Básico", "USD", "49.00", 3, 50, "10.00", "0.50", []byte(`{"portal_sync":"15.00"}`))

	mock.ExpectQuery(regexp.QuoteMeta("FROM plans WHERE id = $1")).
		WithArgs("basico").
		WillReturnRows(rows)

	p, err := NewPostgresRegistry(db).GetPlan(context.Background(), "basico")
	require.NoError(t, err)
	assert.Equal(t, "49.00", money.Format(p.BaseCost))
	assert.Equal(t, int64(50), p.IncludedListings)
	assert.Equal(t, "15.00", money.Format(p.FeaturePrice("portal_sync")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM plans WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = NewPostgresRegistry(db).GetPlan(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRegistry_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c, err := DefaultCatalog()
	require.NoError(t, err)
	p, err := c.GetPlan(context.Background(), "basico")
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO plans")).
		WithArgs("basico", p.Name, "USD", p.BaseCost, p.IncludedUsers, p.IncludedListings,
			p.UserOverage, p.ListingOverage, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresRegistry(db).Upsert(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}
