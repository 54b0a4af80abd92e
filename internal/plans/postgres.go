package plans

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresRegistry reads plans from the plans table.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a PostgreSQL-backed plan registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// GetPlan implements Registry.
func (r *PostgresRegistry) GetPlan(ctx context.Context, id string) (*Plan, error) {
	p := &Plan{}
	var features []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, currency, base_cost, included_users, included_listings,
		       user_overage, listing_overage, feature_prices
		FROM plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Currency, &p.BaseCost, &p.IncludedUsers, &p.IncludedListings,
		&p.UserOverage, &p.ListingOverage, &features)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("plans: get %s: %w", id, err)
	}

	p.FeaturePrices = make(map[string]decimal.Decimal)
	if len(features) > 0 {
		if err := json.Unmarshal(features, &p.FeaturePrices); err != nil {
			return nil, fmt.Errorf("%w: plan %s feature_prices: %v", ErrInvalid, id, err)
		}
	}
	return p, nil
}

// Upsert writes a plan, used to seed the table from the YAML catalogue.
func (r *PostgresRegistry) Upsert(ctx context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	features, err := json.Marshal(p.FeaturePrices)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, currency, base_cost, included_users, included_listings,
		                   user_overage, listing_overage, feature_prices)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			currency = EXCLUDED.currency,
			base_cost = EXCLUDED.base_cost,
			included_users = EXCLUDED.included_users,
			included_listings = EXCLUDED.included_listings,
			user_overage = EXCLUDED.user_overage,
			listing_overage = EXCLUDED.listing_overage,
			feature_prices = EXCLUDED.feature_prices`,
		p.ID, p.Name, p.Currency, p.BaseCost, p.IncludedUsers, p.IncludedListings,
		p.UserOverage, p.ListingOverage, features,
	)
	if err != nil {
		return fmt.Errorf("plans: upsert %s: %w", p.ID, err)
	}
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)
