package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/renecastillotv/clic-ledger/internal/pagination"
	"github.com/renecastillotv/clic-ledger/internal/pgtx"
)

// PostgresStore persists billing data in PostgreSQL. Transactions run at
// SERIALIZABLE isolation and lock the tenant's account row first.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed billing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func dbErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransactionFailure, op, err)
}

const accountColumns = `id, name, plan_id, discount_pct, balance, last_payment_at, status, created_at, updated_at`

const invoiceColumns = `id, tenant_id, period_id, number, status, issued_at, due_date, breakdown,
	subtotal, discount, total, currency, payment_method, payment_reference,
	paid_at, cancelled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	a := &Account{}
	var (
		status   string
		lastPaid sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Name, &a.PlanID, &a.DiscountPct, &a.Balance, &lastPaid,
		&status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, dbErr("scan account", err)
	}
	a.Status = AccountStatus(status)
	if lastPaid.Valid {
		t := lastPaid.Time
		a.LastPaymentAt = &t
	}
	return a, nil
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	inv := &Invoice{}
	var (
		status            string
		breakdown         []byte
		paidAt, cancelled sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.PeriodID, &inv.Number, &status,
		&inv.IssuedAt, &inv.DueDate, &breakdown,
		&inv.Subtotal, &inv.Discount, &inv.Total, &inv.Currency,
		&inv.PaymentMethod, &inv.PaymentReference,
		&paidAt, &cancelled, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, dbErr("scan invoice", err)
	}
	inv.Status = InvoiceStatus(status)
	inv.DueDate = Day(inv.DueDate)
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &inv.Breakdown); err != nil {
			return nil, dbErr("decode breakdown", err)
		}
	}
	if paidAt.Valid {
		t := paidAt.Time
		inv.PaidAt = &t
	}
	if cancelled.Valid {
		t := cancelled.Time
		inv.CancelledAt = &t
	}
	return inv, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenant_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Name, a.PlanID, a.DiscountPct, a.Balance, nullTime(a.LastPaymentAt),
		string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if pgtx.IsUniqueViolation(err, "") {
			return ErrAccountExists
		}
		return dbErr("create account", err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, tenantID string) (*Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM tenant_accounts WHERE id = $1`, tenantID))
}

func (p *PostgresStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM tenant_accounts ORDER BY id`)
	if err != nil {
		return nil, dbErr("list accounts", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr("scan account id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) GetInvoice(ctx context.Context, tenantID, invoiceID string) (*Invoice, error) {
	return scanInvoice(p.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 AND id = $2`, tenantID, invoiceID))
}

func (p *PostgresStore) ListInvoices(ctx context.Context, tenantID string, f InvoiceFilter) ([]*Invoice, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(cond string, vals ...any) {
		for _, v := range vals {
			args = append(args, v)
			cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		where = append(where, cond)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if !f.From.IsZero() {
		add("issued_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		add("issued_at < ?", f.To)
	}
	if cursor != nil {
		add("(issued_at, id) < (?, ?)", cursor.At, cursor.ID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	args = append(args, limit)

	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY issued_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list invoices", err)
	}
	defer func() { _ = rows.Close() }()
	return collectInvoices(rows)
}

func collectInvoices(rows *sql.Rows) ([]*Invoice, error) {
	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate invoices", err)
	}
	return out, nil
}

func (p *PostgresStore) ListPayments(ctx context.Context, tenantID string, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, amount, applied, remaining, target_invoice_id, method, reference, created_at
		FROM payments WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, dbErr("list payments", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		out  []*Payment
		byID = make(map[string]*Payment)
		ids  []string
	)
	for rows.Next() {
		pay := &Payment{}
		if err := rows.Scan(&pay.ID, &pay.TenantID, &pay.Amount, &pay.Applied, &pay.Remaining,
			&pay.TargetInvoiceID, &pay.Method, &pay.Reference, &pay.CreatedAt); err != nil {
			return nil, dbErr("scan payment", err)
		}
		out = append(out, pay)
		byID[pay.ID] = pay
		ids = append(ids, pay.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate payments", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	allocRows, err := p.db.QueryContext(ctx, `
		SELECT payment_id, invoice_id, amount FROM payment_allocations
		WHERE payment_id = ANY($1) ORDER BY payment_id, position`, pq.Array(ids))
	if err != nil {
		return nil, dbErr("list allocations", err)
	}
	defer func() { _ = allocRows.Close() }()
	for allocRows.Next() {
		var a Allocation
		if err := allocRows.Scan(&a.PaymentID, &a.InvoiceID, &a.Amount); err != nil {
			return nil, dbErr("scan allocation", err)
		}
		if pay := byID[a.PaymentID]; pay != nil {
			pay.Allocations = append(pay.Allocations, a)
		}
	}
	return out, allocRows.Err()
}

func (p *PostgresStore) WithTenantTx(ctx context.Context, tenantID string, fn func(tx Tx) error) error {
	return pgtx.WithSerializableTx(ctx, p.db, func(tx *sql.Tx) error {
		return fn(&postgresTx{tx: tx, tenantID: tenantID})
	})
}

type postgresTx struct {
	tx       *sql.Tx
	tenantID string
}

func (t *postgresTx) Account(ctx context.Context) (*Account, error) {
	return scanAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM tenant_accounts WHERE id = $1 FOR UPDATE`, t.tenantID))
}

func (t *postgresTx) SaveAccount(ctx context.Context, a *Account) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tenant_accounts SET name = $2, plan_id = $3, discount_pct = $4, balance = $5,
			last_payment_at = $6, status = $7, updated_at = $8
		WHERE id = $1`,
		t.tenantID, a.Name, a.PlanID, a.DiscountPct, a.Balance, nullTime(a.LastPaymentAt),
		string(a.Status), a.UpdatedAt,
	)
	if err != nil {
		return dbErr("save account", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *postgresTx) PeriodByStart(ctx context.Context, start time.Time) (*Period, error) {
	per := &Period{}
	var features pq.StringArray
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, period_start, period_end, users_active, listings_published, enabled_features, created_at
		FROM usage_periods WHERE tenant_id = $1 AND period_start = $2`, t.tenantID, start,
	).Scan(&per.ID, &per.TenantID, &per.Start, &per.End, &per.Usage.UsersActive,
		&per.Usage.ListingsPublished, &features, &per.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("get period", err)
	}
	per.Usage.EnabledFeatures = []string(features)
	return per, nil
}

func (t *postgresTx) CreatePeriod(ctx context.Context, per *Period) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO usage_periods (id, tenant_id, period_start, period_end, users_active, listings_published, enabled_features, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		per.ID, t.tenantID, per.Start, per.End, per.Usage.UsersActive, per.Usage.ListingsPublished,
		pq.Array(per.Usage.EnabledFeatures), per.CreatedAt,
	)
	if err != nil {
		return dbErr("create period", err)
	}
	return nil
}

func (t *postgresTx) HasActiveInvoiceIssued(ctx context.Context, from, to time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM invoices
			WHERE tenant_id = $1 AND status <> 'cancelada' AND issued_at BETWEEN $2 AND $3
		)`, t.tenantID, from, to).Scan(&exists)
	if err != nil {
		return false, dbErr("check period invoice", err)
	}
	return exists, nil
}

func (t *postgresTx) NextInvoiceSequence(ctx context.Context, yearMonth string) (int, error) {
	var seq int
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (tenant_id, year_month, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, year_month)
		DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value`, t.tenantID, yearMonth).Scan(&seq)
	if err != nil {
		return 0, dbErr("next invoice sequence", err)
	}
	return seq, nil
}

func (t *postgresTx) InsertInvoice(ctx context.Context, inv *Invoice) error {
	breakdown, err := json.Marshal(inv.Breakdown)
	if err != nil {
		return dbErr("encode breakdown", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		inv.ID, t.tenantID, inv.PeriodID, inv.Number, string(inv.Status), inv.IssuedAt, inv.DueDate,
		breakdown, inv.Subtotal, inv.Discount, inv.Total, inv.Currency,
		inv.PaymentMethod, inv.PaymentReference, nullTime(inv.PaidAt), nullTime(inv.CancelledAt),
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return dbErr("insert invoice", err)
	}
	return nil
}

func (t *postgresTx) Invoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	return scanInvoice(t.tx.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		t.tenantID, invoiceID))
}

func (t *postgresTx) OutstandingInvoices(ctx context.Context) ([]*Invoice, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = $1 AND status IN ('pendiente', 'vencida')
		ORDER BY due_date ASC, number ASC
		FOR UPDATE`, t.tenantID)
	if err != nil {
		return nil, dbErr("list outstanding", err)
	}
	defer func() { _ = rows.Close() }()
	return collectInvoices(rows)
}

func (t *postgresTx) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices SET status = $3, payment_method = $4, payment_reference = $5,
			paid_at = $6, cancelled_at = $7, updated_at = $8
		WHERE tenant_id = $1 AND id = $2`,
		t.tenantID, inv.ID, string(inv.Status), inv.PaymentMethod, inv.PaymentReference,
		nullTime(inv.PaidAt), nullTime(inv.CancelledAt), inv.UpdatedAt,
	)
	if err != nil {
		return dbErr("update invoice", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *postgresTx) InsertPayment(ctx context.Context, pay *Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (id, tenant_id, amount, applied, remaining, target_invoice_id, method, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pay.ID, t.tenantID, pay.Amount, pay.Applied, pay.Remaining, pay.TargetInvoiceID,
		pay.Method, pay.Reference, pay.CreatedAt,
	)
	if err != nil {
		return dbErr("insert payment", err)
	}
	for i, a := range pay.Allocations {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO payment_allocations (payment_id, invoice_id, amount, position)
			VALUES ($1, $2, $3, $4)`, pay.ID, a.InvoiceID, a.Amount, i); err != nil {
			return dbErr("insert allocation", err)
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
