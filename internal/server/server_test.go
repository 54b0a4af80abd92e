package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/renecastillotv/clic-ledger/internal/config"
	"github.com/renecastillotv/clic-ledger/internal/events"
	"github.com/renecastillotv/clic-ledger/internal/logging"
	"github.com/renecastillotv/clic-ledger/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testJWTSecret   = "test-jwt-secret-that-is-long-enough-1234"
	testAdminSecret = "test-admin-secret"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		RateLimitRPM:        6000,
		InvoiceDueDays:      15,
		StatusSweepSchedule: "@every 1h",
		PlanCacheTTL:        config.DefaultPlanCacheTTL,
	}
}

type testServer struct {
	*Server
	usage  *usage.MemoryProvider
	events *events.MemoryPublisher
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	provider := usage.NewMemoryProvider()
	pub := events.NewMemoryPublisher()
	s, err := New(cfg,
		WithLogger(logging.NewWithWriter(io.Discard, "error", "text")),
		WithUsageProvider(provider),
		WithPublisher(pub),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	s.drainDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })
	return &testServer{Server: s, usage: provider, events: pub}
}

func withSecrets(cfg *config.Config) {
	cfg.JWTSecret = testJWTSecret
	cfg.AdminSecret = testAdminSecret
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, "GET", "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	if w := s.do(t, "GET", "/health/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.ready.Store(true)
	if w := s.do(t, "GET", "/health/ready", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 once ready, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	s.do(t, "GET", "/health", "", nil)
	w := s.do(t, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "clic_http_requests_total") {
		t.Error("Expected clic_http_requests_total in metrics output")
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/v1/info",
		"GET:/v1/tenants/:id/account",
		"POST:/v1/tenants/:id/account/recheck",
		"GET:/v1/tenants/:id/cost",
		"POST:/v1/tenants/:id/invoices",
		"GET:/v1/tenants/:id/invoices",
		"GET:/v1/tenants/:id/invoices/:invoiceId",
		"PATCH:/v1/tenants/:id/invoices/:invoiceId/status",
		"POST:/v1/tenants/:id/payments",
		"POST:/v1/tenants/:id/sales",
		"GET:/v1/tenants/:id/sales/:saleId/ledger",
		"POST:/v1/tenants/:id/sales/:saleId/movements",
		"GET:/v1/tenants/:id/commissions/summary",
		"POST:/v1/admin/tenants",
		"PATCH:/v1/admin/tenants/:id",
		"POST:/v1/admin/tokens",
		"POST:/v1/admin/tenants/:id/keys",
		"GET:/v1/admin/reconciliation",
		"POST:/v1/admin/reconciliation",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Billing flow
// ---------------------------------------------------------------------------

func TestBillingFlow_DevModeOpen(t *testing.T) {
	s := newTestServer(t)
	s.usage.Set("t1", usage.Snapshot{UsersActive: 3, ListingsPublished: 10})

	w := s.do(t, "POST", "/v1/admin/tenants", `{"id":"t1","name":"Casa","planId":"basico"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create account: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = s.do(t, "POST", "/v1/tenants/t1/invoices", "", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("generate invoice: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	inv := decode(t, w)["invoice"].(map[string]interface{})
	if inv["total"] != "49" {
		t.Errorf("invoice total = %v, want 49", inv["total"])
	}

	if w := s.do(t, "POST", "/v1/tenants/t1/invoices", "", nil); w.Code != http.StatusConflict {
		t.Errorf("second invoice: expected 409, got %d", w.Code)
	}

	idem := map[string]string{"Idempotency-Key": "pay-001"}
	first := s.do(t, "POST", "/v1/tenants/t1/payments", `{"amount":"49.00","method":"transferencia"}`, idem)
	if first.Code != http.StatusCreated {
		t.Fatalf("payment: expected 201, got %d: %s", first.Code, first.Body.String())
	}
	replay := s.do(t, "POST", "/v1/tenants/t1/payments", `{"amount":"49.00","method":"transferencia"}`, idem)
	if replay.Code != http.StatusCreated {
		t.Fatalf("replayed payment: expected 201, got %d", replay.Code)
	}
	if replay.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("Expected Idempotent-Replayed header on the repeated request")
	}
	if replay.Body.String() != first.Body.String() {
		t.Errorf("replayed body differs:\n%s\n%s", replay.Body.String(), first.Body.String())
	}

	w = s.do(t, "GET", "/v1/tenants/t1/payments", "", nil)
	if got := decode(t, w)["count"]; got != float64(1) {
		t.Errorf("payments count = %v, want 1", got)
	}

	acct := decode(t, s.do(t, "GET", "/v1/tenants/t1/account", "", nil))["account"].(map[string]interface{})
	if acct["balance"] != "0" || acct["status"] != "al_dia" {
		t.Errorf("account = %v, want zero balance al_dia", acct)
	}
}

func TestCommissionFlow(t *testing.T) {
	s := newTestServer(t)

	sale := `{"id":"s1","title":"Villa","pool":"1000","commissions":[
		{"id":"c-v","payeeRef":"ana","role":"vendedor","splitPct":"60"},
		{"id":"c-c","payeeRef":"luis","role":"captador","splitPct":"40"}]}`
	if w := s.do(t, "POST", "/v1/tenants/t1/sales", sale, nil); w.Code != http.StatusCreated {
		t.Fatalf("register sale: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	if w := s.do(t, "POST", "/v1/tenants/t1/sales/s1/movements", `{"type":"cobro","amount":"500"}`, nil); w.Code != http.StatusCreated {
		t.Fatalf("movement: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w := s.do(t, "GET", "/v1/tenants/t1/commissions/summary?payee=ana", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sum := decode(t, w)["summary"].(map[string]interface{})
	if sum["totalEnabled"] != "300" {
		t.Errorf("totalEnabled = %v, want 300", sum["totalEnabled"])
	}

	if len(s.events.Events()) != 2 {
		t.Errorf("Expected 2 published events, got %d", len(s.events.Events()))
	}
}

// ---------------------------------------------------------------------------
// Auth enforcement
// ---------------------------------------------------------------------------

func TestTenantRoutesRequireCredentials(t *testing.T) {
	s := newTestServer(t, withSecrets)

	if w := s.do(t, "GET", "/v1/tenants/t1/account", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", w.Code)
	}
	if w := s.do(t, "POST", "/v1/admin/tenants", `{"id":"t1","name":"Casa","planId":"basico"}`, nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for admin route without secret, got %d", w.Code)
	}

	admin := map[string]string{"X-Admin-Secret": testAdminSecret}
	if w := s.do(t, "POST", "/v1/admin/tenants", `{"id":"t1","name":"Casa","planId":"basico"}`, admin); w.Code != http.StatusCreated {
		t.Fatalf("create account: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w := s.do(t, "POST", "/v1/admin/tokens", `{"subject":"crm","tenantId":"t1"}`, admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue token: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	bearer := map[string]string{"Authorization": "Bearer " + decode(t, w)["token"].(string)}

	if w := s.do(t, "GET", "/v1/tenants/t1/account", "", bearer); w.Code != http.StatusOK {
		t.Errorf("own tenant: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := s.do(t, "GET", "/v1/tenants/t2/account", "", bearer); w.Code != http.StatusForbidden {
		t.Errorf("other tenant: expected 403, got %d", w.Code)
	}
}

func TestTenantAPIKey(t *testing.T) {
	s := newTestServer(t, withSecrets)
	admin := map[string]string{"X-Admin-Secret": testAdminSecret}

	w := s.do(t, "POST", "/v1/admin/tenants/t1/keys", `{"name":"crm"}`, admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("create key: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	key := map[string]string{"X-API-Key": decode(t, w)["apiKey"].(string)}

	sale := `{"id":"s1","title":"Apartamento","pool":"100"}`
	if w := s.do(t, "POST", "/v1/tenants/t1/sales", sale, key); w.Code != http.StatusCreated {
		t.Errorf("Expected 201 with tenant key, got %d: %s", w.Code, w.Body.String())
	}
	if w := s.do(t, "POST", "/v1/tenants/t2/sales", sale, key); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for another tenant, got %d", w.Code)
	}
}

func TestInvalidTenantID(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, "GET", "/v1/tenants/bad%20id/account", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed tenant id, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 and helpers
// ---------------------------------------------------------------------------

func TestNotFound(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, "GET", "/v1/nonexistent", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/health", "", map[string]string{"X-Request-ID": "req-123"})
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
	w = s.do(t, "GET", "/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated X-Request-ID")
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://clic:s3cret@db:5432/clic?sslmode=disable")
	if strings.Contains(got, "s3cret") {
		t.Errorf("maskDSN leaked password: %s", got)
	}
	if !strings.Contains(got, "clic") {
		t.Errorf("maskDSN dropped user: %s", got)
	}
}

func TestReconciliation_HealthyAfterInvoice(t *testing.T) {
	s := newTestServer(t)
	s.usage.Set("t1", usage.Snapshot{UsersActive: 1, ListingsPublished: 1})

	if w := s.do(t, "POST", "/v1/admin/tenants", `{"id":"t1","name":"Casa","planId":"basico"}`, nil); w.Code != http.StatusCreated {
		t.Fatalf("create account: expected 201, got %d", w.Code)
	}
	if w := s.do(t, "POST", "/v1/tenants/t1/invoices", "", nil); w.Code != http.StatusCreated {
		t.Fatalf("generate invoice: expected 201, got %d", w.Code)
	}

	w := s.do(t, "POST", "/v1/admin/reconciliation", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconciliation: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if healthy := decode(t, w)["healthy"]; healthy != true {
		t.Errorf("healthy = %v, want true", healthy)
	}
}
