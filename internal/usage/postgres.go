package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresProvider reads counters from tenant_usage. A row with
// period_start equal to the requested period wins; otherwise the live row
// (period_start IS NULL) is used. Tenants with no row report zero usage.
type PostgresProvider struct {
	db *sql.DB
}

// NewPostgresProvider creates a PostgreSQL-backed usage provider.
func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

// GetUsage implements Provider.
func (p *PostgresProvider) GetUsage(ctx context.Context, tenantID string, periodStart time.Time) (Snapshot, error) {
	var (
		s        Snapshot
		features pq.StringArray
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT users_active, listings_published, enabled_features
		FROM tenant_usage
		WHERE tenant_id = $1 AND (period_start = $2 OR period_start IS NULL)
		ORDER BY period_start NULLS LAST
		LIMIT 1`, tenantID, periodStart,
	).Scan(&s.UsersActive, &s.ListingsPublished, &features)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("usage: get %s: %w", tenantID, err)
	}
	s.EnabledFeatures = []string(features)
	return s.Normalize(), nil
}

// Record stores the counters for a closed period so later recalculations
// reproduce the same snapshot.
func (p *PostgresProvider) Record(ctx context.Context, tenantID string, periodStart time.Time, s Snapshot) error {
	s = s.Normalize()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenant_usage (tenant_id, period_start, users_active, listings_published, enabled_features, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, period_start) DO UPDATE SET
			users_active = EXCLUDED.users_active,
			listings_published = EXCLUDED.listings_published,
			enabled_features = EXCLUDED.enabled_features,
			updated_at = NOW()`,
		tenantID, periodStart, s.UsersActive, s.ListingsPublished, pq.Array(s.EnabledFeatures),
	)
	if err != nil {
		return fmt.Errorf("usage: record %s: %w", tenantID, err)
	}
	return nil
}

var _ Provider = (*PostgresProvider)(nil)
