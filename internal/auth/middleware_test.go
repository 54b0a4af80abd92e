package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(mgr *Manager, adminSecret string) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(mgr))
	v1 := r.Group("/v1")
	tenants := v1.Group("/tenants/:id", RequireTenant("id"))
	tenants.GET("/account", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant": GetTenantID(c), "admin": IsAdmin(c)})
	})
	admin := v1.Group("/admin", RequireAdmin(adminSecret))
	NewHandler(mgr).RegisterAdminRoutes(admin)
	NewHandler(mgr).RegisterRoutes(v1)
	return r
}

func get(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireTenant_Token(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), testSecret)
	r := setupRouter(mgr, "")
	token, _, _ := mgr.IssueToken("u", "inmo-1", false)

	w := get(r, "/v1/tenants/inmo-1/account", map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = get(r, "/v1/tenants/inmo-2/account", map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for another tenant, got %d", w.Code)
	}

	w = get(r, "/v1/tenants/inmo-1/account", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", w.Code)
	}

	w = get(r, "/v1/tenants/inmo-1/account", map[string]string{"Authorization": "Bearer garbage"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with a bad token, got %d", w.Code)
	}
}

func TestRequireTenant_APIKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), "")
	r := setupRouter(mgr, "")
	rawKey, _, _ := mgr.GenerateKey(context.Background(), "inmo-1", "crm")

	w := get(r, "/v1/tenants/inmo-1/account", map[string]string{"X-API-Key": rawKey})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	w = get(r, "/v1/tenants/inmo-2/account", map[string]string{"Authorization": "Bearer " + rawKey})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestRequireTenant_AdminTokenAnyTenant(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), testSecret)
	r := setupRouter(mgr, "")
	token, _, _ := mgr.IssueToken("ops", "", true)

	w := get(r, "/v1/tenants/inmo-9/account", map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for admin, got %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), testSecret)
	r := setupRouter(mgr, "s3cret")

	w := get(r, "/v1/admin/tenants/inmo-1/keys", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without secret, got %d", w.Code)
	}
	w = get(r, "/v1/admin/tenants/inmo-1/keys", map[string]string{HeaderAdminSecret: "wrong"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with wrong secret, got %d", w.Code)
	}
	w = get(r, "/v1/admin/tenants/inmo-1/keys", map[string]string{HeaderAdminSecret: "s3cret"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d", w.Code)
	}

	tenantToken, _, _ := mgr.IssueToken("u", "inmo-1", false)
	w = get(r, "/v1/admin/tenants/inmo-1/keys", map[string]string{"Authorization": "Bearer " + tenantToken})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for tenant token, got %d", w.Code)
	}

	adminToken, _, _ := mgr.IssueToken("ops", "", true)
	w = get(r, "/v1/admin/tenants/inmo-1/keys", map[string]string{"Authorization": "Bearer " + adminToken})
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for admin token, got %d", w.Code)
	}
}

func TestRequireAdmin_EmptySecretRejectsHeader(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), "")
	r := setupRouter(mgr, "")

	w := get(r, "/v1/admin/tenants/inmo-1/keys", map[string]string{HeaderAdminSecret: ""})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestMe(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), testSecret)
	r := setupRouter(mgr, "")
	token, _, _ := mgr.IssueToken("user-7", "inmo-1", false)

	w := get(r, "/v1/auth/me", map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	w = get(r, "/v1/auth/me", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}
