package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAdminSecret, "s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_KeyLifecycle(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), testSecret)
	r := setupRouter(mgr, "s3cret")

	w := doJSON(r, http.MethodPost, "/v1/admin/tenants/inmo-1/keys", map[string]string{"name": "crm"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		APIKey string `json:"apiKey"`
		Key    APIKey `json:"key"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Key.Name != "crm" || created.Key.TenantID != "inmo-1" {
		t.Errorf("Unexpected key %+v", created.Key)
	}

	w = get(r, "/v1/tenants/inmo-1/account", map[string]string{"X-API-Key": created.APIKey})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected new key to authenticate, got %d", w.Code)
	}

	w = doJSON(r, http.MethodDelete, "/v1/admin/tenants/inmo-1/keys/"+created.Key.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on revoke, got %d", w.Code)
	}
	w = doJSON(r, http.MethodDelete, "/v1/admin/tenants/inmo-1/keys/ak_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	w = get(r, "/v1/tenants/inmo-1/account", map[string]string{"X-API-Key": created.APIKey})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected revoked key to be rejected, got %d", w.Code)
	}
}

func TestHandler_IssueToken(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), testSecret)
	r := setupRouter(mgr, "s3cret")

	w := doJSON(r, http.MethodPost, "/v1/admin/tokens", map[string]any{"subject": "crm", "tenantId": "inmo-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var out struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	claims, err := mgr.ValidateToken(out.Token)
	if err != nil || claims.TenantID != "inmo-1" {
		t.Errorf("Expected a valid tenant token, got %v %+v", err, claims)
	}

	w = doJSON(r, http.MethodPost, "/v1/admin/tokens", map[string]any{"subject": "crm"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without tenant, got %d", w.Code)
	}

	r = setupRouter(NewManager(NewMemoryStore(), ""), "s3cret")
	w = doJSON(r, http.MethodPost, "/v1/admin/tokens", map[string]any{"subject": "crm", "tenantId": "inmo-1"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without secret, got %d", w.Code)
	}
}
