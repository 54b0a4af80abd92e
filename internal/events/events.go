// Package events publishes domain events after ledger transactions commit.
// Delivery is best effort: a failed publish is logged by the caller and
// never undoes the committed write.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/renecastillotv/clic-ledger/internal/idgen"
)

// Event types.
const (
	InvoiceIssued          = "billing.invoice.issued"
	InvoiceStatusChanged   = "billing.invoice.status_changed"
	PaymentAllocated       = "billing.payment.allocated"
	AccountStatusChanged   = "billing.account.status_changed"
	SaleRegistered         = "commission.sale.registered"
	CommissionMovementMade = "commission.movement.recorded"
)

// Event is the envelope every published message carries.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenantId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// New builds an event with a fresh ID, marshalling data as the payload.
func New(eventType, tenantID string, at time.Time, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: at.UTC(),
		Data:       raw,
	}, nil
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// MemoryPublisher keeps published events in order; used in development and
// tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (m *MemoryPublisher) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the published events of one type.
func (m *MemoryPublisher) OfType(eventType string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*MemoryPublisher)(nil)
)
