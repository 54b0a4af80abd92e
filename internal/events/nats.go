package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/renecastillotv/clic-ledger/internal/metrics"
)

// NATSPublisher publishes events on subject "<prefix>.<tenant>.<type>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS with reconnect handling logged through logger.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("clic-ledger"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return nc, nil
}

// NewNATSPublisher wraps an open connection. An empty prefix defaults to
// "clic".
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "clic"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return Subject(p.prefix, e)
}

// Subject builds "<prefix>.<tenant>.<type>".
func Subject(prefix string, e Event) string {
	return prefix + "." + e.TenantID + "." + e.Type
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", e.Type, err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(e.Type, "error").Inc()
		return fmt.Errorf("events: publish %s: %w", e.Type, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(e.Type, "ok").Inc()
	return nil
}

// Ping reports whether the connection is usable; used by health checks.
func (p *NATSPublisher) Ping(_ context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("events: nats status %s", p.nc.Status())
	}
	return nil
}

var _ Publisher = (*NATSPublisher)(nil)
