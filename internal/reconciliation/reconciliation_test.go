package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renecastillotv/clic-ledger/internal/billing"
)

type fakeSource struct {
	snapshots map[string]billing.BalanceSnapshot
	order     []string
	failFor   map[string]bool
	listErr   error
}

func (f *fakeSource) TenantIDs(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.order, nil
}

func (f *fakeSource) Snapshot(_ context.Context, id string) (billing.BalanceSnapshot, error) {
	if f.failFor[id] {
		return billing.BalanceSnapshot{}, errors.New("read failed")
	}
	return f.snapshots[id], nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newSource() *fakeSource {
	return &fakeSource{
		order: []string{"t1", "t2", "t3"},
		snapshots: map[string]billing.BalanceSnapshot{
			"t1": {TenantID: "t1", Balance: dec("100.00"), Outstanding: dec("100.00"), OutstandingCount: 1},
			"t2": {TenantID: "t2", Balance: dec("80.00"), Outstanding: dec("50.00"), OutstandingCount: 1},
			"t3": {TenantID: "t3", Balance: dec("0"), Outstanding: dec("0")},
		},
		failFor: map[string]bool{},
	}
}

func TestRun_DetectsMismatch(t *testing.T) {
	svc := NewService(newSource(), quietLogger())

	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Mismatches, 1)
	m := report.Mismatches[0]
	assert.Equal(t, "t2", m.TenantID)
	assert.True(t, m.Diff.Equal(dec("30.00")), "diff = %s", m.Diff)
	assert.False(t, report.Healthy())
}

func TestRun_Tolerance(t *testing.T) {
	src := newSource()
	src.snapshots["t2"] = billing.BalanceSnapshot{TenantID: "t2", Balance: dec("50.01"), Outstanding: dec("50.00")}
	svc := NewService(src, quietLogger())
	svc.SetTolerance("0.01")

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Mismatches)
	assert.True(t, report.Healthy())

	svc.SetTolerance("not-a-number")
	assert.True(t, svc.tolerance.Equal(dec("0.01")))
}

func TestRun_ReadFailureContinues(t *testing.T) {
	src := newSource()
	src.failFor["t1"] = true
	svc := NewService(src, quietLogger())

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.Healthy())
}

func TestRun_ListFailure(t *testing.T) {
	src := newSource()
	src.listErr = errors.New("db down")
	svc := NewService(src, quietLogger())

	_, err := svc.Run(context.Background())
	assert.Error(t, err)
}

func TestRun_AgainstBillingService(t *testing.T) {
	// An empty billing service has nothing to reconcile.
	svc := NewService(billing.NewService(billing.NewMemoryStore(), nil, nil, quietLogger()), quietLogger())
	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
	assert.True(t, report.Healthy())
}

func TestTimer_RunOnceStoresReport(t *testing.T) {
	timer := NewTimer(NewService(newSource(), quietLogger()), time.Hour, quietLogger())
	assert.Nil(t, timer.Last())

	report := timer.RunOnce(context.Background())
	require.NotNil(t, report)
	assert.Same(t, report, timer.Last())
}

func TestTimer_StartStop(t *testing.T) {
	timer := NewTimer(NewService(newSource(), quietLogger()), 10*time.Millisecond, quietLogger())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return timer.Last() != nil }, time.Second, 5*time.Millisecond)
	timer.Stop()
	timer.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	timer := NewTimer(NewService(newSource(), quietLogger()), time.Hour, quietLogger())
	r := gin.New()
	NewHandler(timer).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":false`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tenantId":"t2"`)
}
