// Package idempotency replays the stored response of a write request when a
// client retries it with the same Idempotency-Key header.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// HeaderKey is the request header carrying the client's dedup key.
const HeaderKey = "Idempotency-Key"

// HeaderReplayed is set on responses served from the store.
const HeaderReplayed = "Idempotent-Replayed"

// ErrInFlight means the first request with the key has not finished.
var ErrInFlight = errors.New("idempotency: a request with this key is still in progress")

// Record is a completed response.
type Record struct {
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
	Pending     bool      `json:"pending,omitempty"`
}

// Store holds in-flight claims and completed responses.
type Store interface {
	// Claim reserves key for lockTTL. When the key is already taken it
	// returns the completed record, or ErrInFlight if the first request has
	// not finished.
	Claim(ctx context.Context, key string, lockTTL time.Duration) (*Record, error)
	// Complete stores the response for key, replacing the claim.
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Release drops a claim so the request can be retried.
	Release(ctx context.Context, key string) error
}
