// Package reconciliation checks that every tenant's stored balance equals
// the total of its outstanding invoices.
package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renecastillotv/clic-ledger/internal/billing"
	"github.com/renecastillotv/clic-ledger/internal/money"
)

// BalanceSource reads balances and the invoices backing them.
type BalanceSource interface {
	TenantIDs(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, tenantID string) (billing.BalanceSnapshot, error)
}

// Mismatch is one tenant whose balance drifted from its invoices.
type Mismatch struct {
	TenantID    string          `json:"tenantId"`
	Balance     decimal.Decimal `json:"balance"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Diff        decimal.Decimal `json:"diff"` // balance - outstanding
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Checked    int        `json:"checked"`
	Failed     int        `json:"failed"`
	Mismatches []Mismatch `json:"mismatches"`
	StartedAt  time.Time  `json:"startedAt"`
	DurationMS int64      `json:"durationMs"`
}

// Healthy reports whether every tenant was checked and matched.
func (r *Report) Healthy() bool {
	return r.Failed == 0 && len(r.Mismatches) == 0
}

// Service performs reconciliation between balances and invoices.
type Service struct {
	source    BalanceSource
	tolerance decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a reconciliation service with a zero tolerance.
func NewService(source BalanceSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		source:    source,
		tolerance: decimal.Zero,
		logger:    logger,
		now:       time.Now,
	}
}

// SetTolerance sets the absolute difference still treated as a match.
// Invalid amounts are ignored.
func (s *Service) SetTolerance(amount string) {
	if t, err := money.Parse(amount); err == nil {
		s.tolerance = t
	}
}

// Run checks every tenant. A tenant that cannot be read is counted as
// failed and the run continues; only listing tenants aborts it.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	report := &Report{StartedAt: start.UTC(), Mismatches: []Mismatch{}}
	defer func() {
		elapsed := s.now().Sub(start)
		report.DurationMS = elapsed.Milliseconds()
		reconcileDuration.Observe(elapsed.Seconds())
	}()

	ids, err := s.source.TenantIDs(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		snap, err := s.source.Snapshot(ctx, id)
		if err != nil {
			report.Failed++
			reconcileErrors.Inc()
			s.logger.Warn("reconciliation read failed", "tenant", id, "error", err)
			continue
		}
		report.Checked++

		diff := snap.Balance.Sub(snap.Outstanding)
		if diff.Abs().GreaterThan(s.tolerance) {
			report.Mismatches = append(report.Mismatches, Mismatch{
				TenantID:    id,
				Balance:     snap.Balance,
				Outstanding: snap.Outstanding,
				Diff:        diff,
			})
			s.logger.Error("balance does not match outstanding invoices",
				"tenant", id,
				"balance", money.Format(snap.Balance),
				"outstanding", money.Format(snap.Outstanding),
			)
		}
	}

	reconcileMismatches.Set(float64(len(report.Mismatches)))
	return report, nil
}
