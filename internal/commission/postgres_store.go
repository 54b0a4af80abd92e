package commission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/renecastillotv/clic-ledger/internal/pgtx"
)

// PostgresStore persists sales and movements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed commission store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func dbErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransactionFailure, op, err)
}

const saleSelect = `
	SELECT s.id, s.tenant_id, s.title, s.closed_at, s.currency, s.pool, s.created_at,
		c.id, c.payee_ref, c.payee_name, c.role, c.split_pct, c.amount
	FROM sales s
	LEFT JOIN commissions c ON c.tenant_id = s.tenant_id AND c.sale_id = s.id`

const movementColumns = `m.id, m.tenant_id, m.sale_id, m.commission_id, m.type, m.amount, m.reference, m.note, m.created_at`

func (p *PostgresStore) CreateSale(ctx context.Context, sale *Sale) error {
	return pgtx.WithSerializableTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sales (id, tenant_id, title, closed_at, currency, pool, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sale.ID, sale.TenantID, sale.Title, sale.ClosedAt, sale.Currency, sale.Pool, sale.CreatedAt,
		)
		if err != nil {
			if pgtx.IsUniqueViolation(err, "") {
				return ErrSaleExists
			}
			return dbErr("insert sale", err)
		}
		for i, c := range sale.Commissions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO commissions (id, tenant_id, sale_id, payee_ref, payee_name, role, split_pct, amount, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				c.ID, sale.TenantID, sale.ID, c.PayeeRef, c.PayeeName, string(c.Role), c.SplitPct, c.Amount, i,
			); err != nil {
				return dbErr("insert commission", err)
			}
		}
		return nil
	})
}

func (p *PostgresStore) GetSale(ctx context.Context, tenantID, saleID string) (*Sale, error) {
	rows, err := p.db.QueryContext(ctx, saleSelect+`
		WHERE s.tenant_id = $1 AND s.id = $2
		ORDER BY c.position`, tenantID, saleID)
	if err != nil {
		return nil, dbErr("get sale", err)
	}
	defer func() { _ = rows.Close() }()

	sales, err := collectSales(rows)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, ErrSaleNotFound
	}
	return sales[0], nil
}

// collectSales folds joined sale/commission rows into sales, preserving the
// row order of sales.
func collectSales(rows *sql.Rows) ([]*Sale, error) {
	var (
		out  []*Sale
		byID = make(map[string]*Sale)
	)
	for rows.Next() {
		var (
			s                              Sale
			cID, payeeRef, payeeName, role sql.NullString
			splitPct, amount               decimal.NullDecimal
		)
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Title, &s.ClosedAt, &s.Currency, &s.Pool, &s.CreatedAt,
			&cID, &payeeRef, &payeeName, &role, &splitPct, &amount); err != nil {
			return nil, dbErr("scan sale", err)
		}
		sale, seen := byID[s.ID]
		if !seen {
			sale = &s
			sale.Commissions = []Commission{}
			byID[s.ID] = sale
			out = append(out, sale)
		}
		if cID.Valid {
			sale.Commissions = append(sale.Commissions, Commission{
				ID:        cID.String,
				SaleID:    sale.ID,
				PayeeRef:  payeeRef.String,
				PayeeName: payeeName.String,
				Role:      Role(role.String),
				SplitPct:  splitPct.Decimal,
				Amount:    amount.Decimal,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate sales", err)
	}
	return out, nil
}

func scanMovements(rows *sql.Rows) ([]Movement, error) {
	var out []Movement
	for rows.Next() {
		var (
			mv           Movement
			commissionID sql.NullString
			typ          string
		)
		if err := rows.Scan(&mv.ID, &mv.TenantID, &mv.SaleID, &commissionID, &typ, &mv.Amount,
			&mv.Reference, &mv.Note, &mv.CreatedAt); err != nil {
			return nil, dbErr("scan movement", err)
		}
		mv.CommissionID = commissionID.String
		mv.Type = MovementType(typ)
		out = append(out, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate movements", err)
	}
	return out, nil
}

func (p *PostgresStore) ListMovements(ctx context.Context, tenantID, saleID string) ([]Movement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+movementColumns+` FROM commission_movements m
		WHERE m.tenant_id = $1 AND m.sale_id = $2
		ORDER BY m.created_at, m.id`, tenantID, saleID)
	if err != nil {
		return nil, dbErr("list movements", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMovements(rows)
}

func (p *PostgresStore) AppendMovement(ctx context.Context, mv *Movement) error {
	return pgtx.WithSerializableTx(ctx, p.db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM sales WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
			mv.TenantID, mv.SaleID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSaleNotFound
		}
		if err != nil {
			return dbErr("lock sale", err)
		}

		if mv.CommissionID != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM commissions WHERE tenant_id = $1 AND sale_id = $2 AND id = $3`,
				mv.TenantID, mv.SaleID, mv.CommissionID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrCommissionNotFound
			}
			if err != nil {
				return dbErr("check commission", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO commission_movements (id, tenant_id, sale_id, commission_id, type, amount, reference, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			mv.ID, mv.TenantID, mv.SaleID, nullString(mv.CommissionID), string(mv.Type), mv.Amount,
			mv.Reference, mv.Note, mv.CreatedAt,
		)
		if err != nil {
			return dbErr("insert movement", err)
		}
		return nil
	})
}

// LoadLedgerData runs the sales and movements queries concurrently.
func (p *PostgresStore) LoadLedgerData(ctx context.Context, tenantID string, from, to time.Time) ([]*Sale, []Movement, error) {
	var (
		sales     []*Sale
		movements []Movement
	)
	lo, hi := nullTime(from), nullTime(to)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := p.db.QueryContext(gctx, saleSelect+`
			WHERE s.tenant_id = $1
				AND ($2::timestamptz IS NULL OR s.closed_at >= $2)
				AND ($3::timestamptz IS NULL OR s.closed_at < $3)
			ORDER BY s.closed_at, s.id, c.position`, tenantID, lo, hi)
		if err != nil {
			return dbErr("load sales", err)
		}
		defer func() { _ = rows.Close() }()
		sales, err = collectSales(rows)
		return err
	})
	g.Go(func() error {
		rows, err := p.db.QueryContext(gctx, `
			SELECT `+movementColumns+` FROM commission_movements m
			JOIN sales s ON s.tenant_id = m.tenant_id AND s.id = m.sale_id
			WHERE m.tenant_id = $1
				AND ($2::timestamptz IS NULL OR s.closed_at >= $2)
				AND ($3::timestamptz IS NULL OR s.closed_at < $3)
			ORDER BY m.created_at, m.id`, tenantID, lo, hi)
		if err != nil {
			return dbErr("load movements", err)
		}
		defer func() { _ = rows.Close() }()
		movements, err = scanMovements(rows)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return sales, movements, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ Store = (*PostgresStore)(nil)
