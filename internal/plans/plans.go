// Package plans holds the subscription plan catalogue that prices tenant
// usage. Plans are immutable reference data looked up by ID.
package plans

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/renecastillotv/clic-ledger/internal/money"
)

var (
	ErrNotFound = errors.New("plans: plan not found")
	ErrInvalid  = errors.New("plans: invalid plan")
)

// Plan is one pricing tier.
type Plan struct {
	ID               string                     `json:"id"`
	Name             string                     `json:"name"`
	Currency         string                     `json:"currency"`
	BaseCost         decimal.Decimal            `json:"baseCost"`
	IncludedUsers    int64                      `json:"includedUsers"`
	IncludedListings int64                      `json:"includedListings"`
	UserOverage      decimal.Decimal            `json:"userOverage"`    // per user above IncludedUsers
	ListingOverage   decimal.Decimal            `json:"listingOverage"` // per listing above IncludedListings
	FeaturePrices    map[string]decimal.Decimal `json:"featurePrices"`
}

// Registry resolves plan IDs.
type Registry interface {
	GetPlan(ctx context.Context, id string) (*Plan, error)
}

// FeaturePrice returns the monthly price of a paid feature. Unknown
// features are free.
func (p *Plan) FeaturePrice(key string) decimal.Decimal {
	if price, ok := p.FeaturePrices[key]; ok {
		return price
	}
	return decimal.Zero
}

// FeatureKeys returns the priced feature keys in sorted order.
func (p *Plan) FeatureKeys() []string {
	keys := make([]string, 0, len(p.FeaturePrices))
	for k := range p.FeaturePrices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks the plan is internally consistent.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if p.Currency == "" {
		return fmt.Errorf("%w: plan %s has no currency", ErrInvalid, p.ID)
	}
	if p.IncludedUsers < 0 || p.IncludedListings < 0 {
		return fmt.Errorf("%w: plan %s has negative allowances", ErrInvalid, p.ID)
	}
	for name, amt := range map[string]decimal.Decimal{
		"baseCost":       p.BaseCost,
		"userOverage":    p.UserOverage,
		"listingOverage": p.ListingOverage,
	} {
		if err := money.Validate(amt); err != nil {
			return fmt.Errorf("%w: plan %s %s: %v", ErrInvalid, p.ID, name, err)
		}
	}
	for key, amt := range p.FeaturePrices {
		if err := money.Validate(amt); err != nil {
			return fmt.Errorf("%w: plan %s feature %s: %v", ErrInvalid, p.ID, key, err)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.FeaturePrices = maps.Clone(p.FeaturePrices)
	return &cp
}
