// Package auth authenticates API callers and scopes them to a tenant.
//
// Authentication model:
//   - Bearer JWTs (HS256) carry tenant_id and an admin flag; issued by admins
//     or the CRM that embeds the engine.
//   - Tenant API keys (sk_...) are stored as SHA-256 hashes, one tenant each,
//     for server-to-server integrations.
//   - Admin routes also accept the shared X-Admin-Secret header.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/renecastillotv/clic-ledger/internal/logging"
)

// Errors
var (
	ErrNoCredentials  = errors.New("auth: credentials required")
	ErrInvalidAPIKey  = errors.New("auth: invalid or expired API key")
	ErrInvalidToken   = errors.New("auth: invalid or expired token")
	ErrKeyNotFound    = errors.New("auth: API key not found")
	ErrNotConfigured  = errors.New("auth: token signing is not configured")
	ErrMissingTenant  = errors.New("auth: tenant is required")
	ErrForbiddenScope = errors.New("auth: not authorized for this tenant")
)

// DefaultTokenTTL is the lifetime of issued bearer tokens.
const DefaultTokenTTL = 12 * time.Hour

// APIKey is a tenant-scoped integration key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	TenantID  string     `json:"tenantId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByTenant(ctx context.Context, tenantID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager validates credentials and issues new ones.
type Manager struct {
	store    Store
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

// NewManager creates a manager. An empty secret disables JWTs; API keys
// keep working.
func NewManager(store Store, secret string) *Manager {
	return &Manager{
		store:    store,
		secret:   []byte(secret),
		tokenTTL: DefaultTokenTTL,
		now:      time.Now,
	}
}

// WithTokenTTL overrides the bearer token lifetime.
func (m *Manager) WithTokenTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.tokenTTL = ttl
	}
	return m
}

// TokensEnabled reports whether a signing secret is configured.
func (m *Manager) TokensEnabled() bool {
	return len(m.secret) > 0
}

// GenerateKey creates a new API key for a tenant.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, tenantID, name string) (rawKey string, key *APIKey, err error) {
	if tenantID == "" {
		return "", nil, ErrMissingTenant
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoCredentials
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Last-used is advisory; a failed write never rejects the request.
	touched := *key
	touched.LastUsed = m.now().UTC()
	go func() {
		if err := m.store.Update(context.WithoutCancel(ctx), &touched); err != nil {
			logging.L(ctx).Debug("api key last-used update failed", "key", touched.ID, "error", err)
		}
	}()
	return key, nil
}

// ListKeys returns all keys of a tenant.
func (m *Manager) ListKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	return m.store.GetByTenant(ctx, tenantID)
}

// RevokeKey revokes a tenant's API key.
func (m *Manager) RevokeKey(ctx context.Context, tenantID, keyID string) error {
	keys, err := m.store.GetByTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
