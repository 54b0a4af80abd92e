package commission

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renecastillotv/clic-ledger/internal/money"
)

var (
	saleCols = []string{"id", "tenant_id", "title", "closed_at", "currency", "pool", "created_at",
		"c_id", "payee_ref", "payee_name", "role", "split_pct", "amount"}
	movementCols = []string{"id", "tenant_id", "sale_id", "commission_id", "type", "amount", "reference", "note", "created_at"}
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_CreateSale(t *testing.T) {
	s, mock := newMockStore(t)
	sale := testSale("s1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sales").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commissions").
		WithArgs("s1-v", "t1", "s1", "ana", "", "vendedor", sqlmock.AnyArg(), sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commissions").
		WithArgs("s1-c", "t1", "s1", "luis", "", "captador", sqlmock.AnyArg(), sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CreateSale(context.Background(), sale))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateSaleConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sales").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := s.CreateSale(context.Background(), testSale("s1", time.Now()))
	assert.ErrorIs(t, err, ErrSaleExists)
}

func TestPostgresStore_GetSale(t *testing.T) {
	s, mock := newMockStore(t)
	closed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("LEFT JOIN commissions").
		WithArgs("t1", "s1").
		WillReturnRows(sqlmock.NewRows(saleCols).
			AddRow("s1", "t1", "Villa", closed, "USD", "1000.00", closed, "c1", "ana", "Ana", "vendedor", "60", "600.00").
			AddRow("s1", "t1", "Villa", closed, "USD", "1000.00", closed, "c2", "luis", "Luis", "captador", "40", "400.00"))

	sale, err := s.GetSale(context.Background(), "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "Villa", sale.Title)
	assert.Equal(t, "1000.00", money.Format(sale.Pool))
	require.Len(t, sale.Commissions, 2)
	assert.Equal(t, RoleLister, sale.Commissions[1].Role)
	assert.Equal(t, "400.00", money.Format(sale.Commissions[1].Amount))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSaleWithoutCommissions(t *testing.T) {
	s, mock := newMockStore(t)
	closed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("LEFT JOIN commissions").
		WillReturnRows(sqlmock.NewRows(saleCols).
			AddRow("s1", "t1", "Villa", closed, "USD", "0", closed, nil, nil, nil, nil, nil, nil))

	sale, err := s.GetSale(context.Background(), "t1", "s1")
	require.NoError(t, err)
	assert.Empty(t, sale.Commissions)
	assert.NotNil(t, sale.Commissions)
}

func TestPostgresStore_GetSaleNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("LEFT JOIN commissions").WillReturnRows(sqlmock.NewRows(saleCols))

	_, err := s.GetSale(context.Background(), "t1", "ghost")
	assert.ErrorIs(t, err, ErrSaleNotFound)
}

func TestPostgresStore_ListMovements(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM commission_movements").
		WithArgs("t1", "s1").
		WillReturnRows(sqlmock.NewRows(movementCols).
			AddRow("m1", "t1", "s1", nil, "cobro", "500.00", "TRF-1", "", at).
			AddRow("m2", "t1", "s1", "c1", "pago", "300.00", "", "", at))

	list, err := s.ListMovements(context.Background(), "t1", "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Empty(t, list[0].CommissionID)
	assert.Equal(t, MovementCollection, list[0].Type)
	assert.Equal(t, "c1", list[1].CommissionID)
	assert.Equal(t, "300.00", money.Format(list[1].Amount))
}

func TestPostgresStore_AppendMovement(t *testing.T) {
	s, mock := newMockStore(t)
	m := mv("s1", "c1", MovementPayout, "300.00")

	mock.ExpectBegin()
	mock.ExpectQuery("FROM sales WHERE tenant_id = \\$1 AND id = \\$2 FOR UPDATE").
		WithArgs("t1", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("FROM commissions").
		WithArgs("t1", "s1", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("INSERT INTO commission_movements").
		WithArgs(m.ID, "t1", "s1", "c1", "pago", sqlmock.AnyArg(), "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AppendMovement(context.Background(), &m))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendMovementUnknownSale(t *testing.T) {
	s, mock := newMockStore(t)
	m := mv("ghost", "", MovementCollection, "10.00")

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	assert.ErrorIs(t, s.AppendMovement(context.Background(), &m), ErrSaleNotFound)
}

func TestPostgresStore_AppendMovementUnknownCommission(t *testing.T) {
	s, mock := newMockStore(t)
	m := mv("s1", "nope", MovementPayout, "10.00")

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("FROM commissions").WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	assert.ErrorIs(t, s.AppendMovement(context.Background(), &m), ErrCommissionNotFound)
}

func TestPostgresStore_LoadLedgerData(t *testing.T) {
	s, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(false)
	closed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("ORDER BY s.closed_at, s.id, c.position").
		WithArgs("t1", from, nil).
		WillReturnRows(sqlmock.NewRows(saleCols).
			AddRow("s1", "t1", "Villa", closed, "USD", "1000.00", closed, "c1", "ana", "Ana", "vendedor", "100", "1000.00"))
	mock.ExpectQuery("JOIN sales s ON").
		WithArgs("t1", from, nil).
		WillReturnRows(sqlmock.NewRows(movementCols).
			AddRow("m1", "t1", "s1", nil, "cobro", "500.00", "", "", closed))

	sales, movements, err := s.LoadLedgerData(context.Background(), "t1", from, time.Time{})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	require.Len(t, movements, 1)
	assert.Equal(t, "s1", movements[0].SaleID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
