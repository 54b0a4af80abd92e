package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/renecastillotv/clic-ledger/internal/money"
	"github.com/renecastillotv/clic-ledger/internal/plans"
	"github.com/renecastillotv/clic-ledger/internal/usage"
)

// Line item codes.
const (
	LineBase          = "base"
	LineExtraUsers    = "usuarios_extra"
	LineExtraListings = "propiedades_extra"
	LineFeaturePrefix = "feature:"
)

// ComputeCost prices one period. It is pure: identical inputs always give
// identical output. Enabled features missing from the plan price list are
// listed at zero.
func ComputeCost(plan *plans.Plan, snap usage.Snapshot, discountPct decimal.Decimal, start, end time.Time) CostBreakdown {
	snap = snap.Normalize()

	b := CostBreakdown{
		PlanID:      plan.ID,
		Currency:    plan.Currency,
		PeriodStart: start,
		PeriodEnd:   end,
		Usage:       snap,
		BaseCost:    money.Round(plan.BaseCost),
		DiscountPct: discountPct,
	}

	b.LineItems = append(b.LineItems, LineItem{
		Code:        LineBase,
		Description: "Plan " + plan.Name,
		Quantity:    1,
		UnitPrice:   b.BaseCost,
		Amount:      b.BaseCost,
	})

	b.ExtraUsers = max(0, snap.UsersActive-plan.IncludedUsers)
	b.ExtraUsersCost = money.Round(plan.UserOverage.Mul(decimal.NewFromInt(b.ExtraUsers)))
	if b.ExtraUsers > 0 {
		b.LineItems = append(b.LineItems, LineItem{
			Code:        LineExtraUsers,
			Description: "Usuarios adicionales",
			Quantity:    b.ExtraUsers,
			UnitPrice:   plan.UserOverage,
			Amount:      b.ExtraUsersCost,
		})
	}

	b.ExtraListings = max(0, snap.ListingsPublished-plan.IncludedListings)
	b.ExtraListingsCost = money.Round(plan.ListingOverage.Mul(decimal.NewFromInt(b.ExtraListings)))
	if b.ExtraListings > 0 {
		b.LineItems = append(b.LineItems, LineItem{
			Code:        LineExtraListings,
			Description: "Propiedades adicionales",
			Quantity:    b.ExtraListings,
			UnitPrice:   plan.ListingOverage,
			Amount:      b.ExtraListingsCost,
		})
	}

	b.FeaturesCost = decimal.Zero
	for _, f := range snap.EnabledFeatures {
		price := plan.FeaturePrice(f)
		b.FeaturesCost = b.FeaturesCost.Add(price)
		b.LineItems = append(b.LineItems, LineItem{
			Code:        LineFeaturePrefix + f,
			Description: f,
			Quantity:    1,
			UnitPrice:   price,
			Amount:      price,
		})
	}

	b.Subtotal = money.Sum(b.BaseCost, b.ExtraUsersCost, b.ExtraListingsCost, b.FeaturesCost)
	b.Discount = money.Percent(b.Subtotal, discountPct)
	b.Total = b.Subtotal.Sub(b.Discount)
	return b
}

// MonthWindow returns the calendar month [start, end) containing t, in UTC.
func MonthWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// ParseMonth parses "YYYY-MM" into its window.
func ParseMonth(s string) (time.Time, time.Time, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, time.Time{}, ErrInvalidArgument
	}
	start, end := MonthWindow(t)
	return start, end, nil
}
