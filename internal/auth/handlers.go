package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/renecastillotv/clic-ledger/internal/logging"
	"github.com/renecastillotv/clic-ledger/internal/validation"
)

// Handler provides HTTP endpoints for credential management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up caller-facing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequireAuth(), h.Me)
}

// RegisterAdminRoutes sets up credential issuance under the admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tokens", h.IssueToken)
	r.GET("/tenants/:id/keys", h.ListKeys)
	r.POST("/tenants/:id/keys", h.CreateKey)
	r.DELETE("/tenants/:id/keys/:keyId", h.RevokeKey)
}

// Info returns auth configuration info.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":          []string{"jwt", "api_key"},
		"header":        "Authorization: Bearer <token>",
		"altHeader":     "X-API-Key: sk_...",
		"tokensEnabled": h.manager.TokensEnabled(),
		"note":          "Tenant routes require a credential scoped to the tenant in the path.",
	})
}

// Me returns the authenticated caller.
func (h *Handler) Me(c *gin.Context) {
	p, _ := GetPrincipal(c)
	c.JSON(http.StatusOK, gin.H{"principal": p})
}

// IssueToken handles POST /v1/admin/tokens
func (h *Handler) IssueToken(c *gin.Context) {
	var req struct {
		Subject  string `json:"subject" binding:"required"`
		TenantID string `json:"tenantId"`
		Admin    bool   `json:"admin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "subject is required"})
		return
	}

	token, exp, err := h.manager.IssueToken(req.Subject, req.TenantID, req.Admin)
	switch {
	case errors.Is(err, ErrMissingTenant):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenantId is required for non-admin tokens"})
		return
	case errors.Is(err, ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tokens_disabled", "message": "JWT_SECRET is not configured"})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("token issue failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue token"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "expiresAt": exp.UTC()})
}

// ListKeys handles GET /v1/admin/tenants/:id/keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), c.Param("id"))
	if err != nil {
		logging.L(c.Request.Context()).Error("list keys failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// CreateKey handles POST /v1/admin/tenants/:id/keys
func (h *Handler) CreateKey(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	_ = c.ShouldBindJSON(&req)
	name := validation.SanitizeString(req.Name, 255)
	if name == "" {
		name = "Integration key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), c.Param("id"), name)
	if err != nil {
		logging.L(c.Request.Context()).Error("create key failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey handles DELETE /v1/admin/tenants/:id/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	err := h.manager.RevokeKey(c.Request.Context(), c.Param("id"), keyID)
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "Key not found"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("revoke key failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}
