// Package idgen generates random identifiers for persisted records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random version 4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID
// (e.g. "inv_", "pay_", "sale_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
