package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyPrincipal is the gin context key of the authenticated caller.
	ContextKeyPrincipal = "authPrincipal"
	// HeaderAdminSecret carries the shared operator secret.
	HeaderAdminSecret = "X-Admin-Secret"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject  string `json:"subject"`
	TenantID string `json:"tenantId,omitempty"`
	Admin    bool   `json:"admin"`
	KeyID    string `json:"keyId,omitempty"`
	Method   string `json:"method"` // "jwt" or "api_key"
}

// Middleware resolves the caller from a bearer JWT, a bearer sk_ key or the
// X-API-Key header. Invalid credentials are ignored here and rejected by
// RequireAuth.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw == "" {
			raw = strings.TrimSpace(c.GetHeader("X-API-Key"))
		}
		if raw == "" {
			c.Next()
			return
		}

		if strings.HasPrefix(raw, "sk_") {
			if key, err := m.ValidateKey(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyPrincipal, &Principal{
					Subject:  key.ID,
					TenantID: key.TenantID,
					KeyID:    key.ID,
					Method:   "api_key",
				})
			}
		} else if claims, err := m.ValidateToken(raw); err == nil {
			c.Set(ContextKeyPrincipal, &Principal{
				Subject:  claims.Subject,
				TenantID: claims.TenantID,
				Admin:    claims.Admin,
				Method:   "jwt",
			})
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Credentials required. Include 'Authorization: Bearer <token>' or 'X-API-Key: sk_...'.",
			})
			return
		}
		c.Next()
	}
}

// RequireTenant requires auth AND that the caller belongs to the tenant in
// the :paramName path segment. Admins may act on any tenant.
func RequireTenant(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Credentials required.",
			})
			return
		}
		if !p.Admin && p.TenantID != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": ErrForbiddenScope.Error(),
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin accepts an admin principal or the shared admin secret. An
// empty secret disables the header path.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p, ok := GetPrincipal(c); ok && p.Admin {
			c.Next()
			return
		}
		if adminSecret != "" {
			got := c.GetHeader(HeaderAdminSecret)
			if subtle.ConstantTimeCompare([]byte(got), []byte(adminSecret)) == 1 {
				c.Set(ContextKeyPrincipal, &Principal{Subject: "admin-secret", Admin: true, Method: "admin_secret"})
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin credentials required.",
		})
	}
}

// GetPrincipal returns the authenticated caller (if any).
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// GetTenantID returns the caller's tenant, or "" for admins and anonymous
// callers.
func GetTenantID(c *gin.Context) string {
	if p, ok := GetPrincipal(c); ok {
		return p.TenantID
	}
	return ""
}

// IsAdmin checks if the caller holds admin rights.
func IsAdmin(c *gin.Context) bool {
	p, ok := GetPrincipal(c)
	return ok && p.Admin
}
