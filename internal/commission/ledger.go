package commission

import (
	"github.com/shopspring/decimal"

	"github.com/renecastillotv/clic-ledger/internal/money"
)

// Enabled returns the part of amount unlocked by collected cash:
// round(amount * collected / pool, 2), or zero when the pool is zero.
func Enabled(amount, collected, pool decimal.Decimal) decimal.Decimal {
	return money.Prorate(amount, collected, pool)
}

// StateOf derives the payout state from the contractual amount and what
// was already paid. A zero commission counts as paid.
func StateOf(amount, paid decimal.Decimal) State {
	switch {
	case paid.GreaterThanOrEqual(amount):
		return StatePaid
	case paid.IsPositive():
		return StatePartial
	default:
		return StatePending
	}
}

// BuildLedger derives the ledger of one sale from its movements. Movements
// of other sales are ignored.
func BuildLedger(sale *Sale, movements []Movement) *SaleLedger {
	l := &SaleLedger{
		Sale:      sale,
		Collected: decimal.Zero,
		Enabled:   decimal.Zero,
		Paid:      decimal.Zero,
		Pending:   decimal.Zero,
		Lines:     make([]CommissionLine, 0, len(sale.Commissions)),
		Movements: []Movement{},
	}

	paidBy := make(map[string]decimal.Decimal)
	for _, m := range movements {
		if m.SaleID != sale.ID {
			continue
		}
		l.Movements = append(l.Movements, m)
		switch m.Type {
		case MovementCollection:
			l.Collected = l.Collected.Add(m.Amount)
		case MovementPayout:
			paidBy[m.CommissionID] = paidBy[m.CommissionID].Add(m.Amount)
		}
	}

	for _, c := range sale.Commissions {
		line := CommissionLine{
			Commission: c,
			Enabled:    Enabled(c.Amount, l.Collected, sale.Pool),
			Paid:       paidBy[c.ID],
		}
		line.Pending = money.SubFloor(line.Enabled, line.Paid)
		line.State = StateOf(c.Amount, line.Paid)

		l.Enabled = l.Enabled.Add(line.Enabled)
		l.Paid = l.Paid.Add(line.Paid)
		l.Pending = l.Pending.Add(line.Pending)
		l.Lines = append(l.Lines, line)
	}
	return l
}

// Summarize aggregates ledgers under a filter. A sale's collected cash is
// counted once when any of its lines matches. Without a payee, role or
// state filter every sale in range counts its cash, including sales whose
// only lines are the excluded company share or that have no lines at all.
func Summarize(ledgers []*SaleLedger, f Filter) Summary {
	s := Summary{
		TotalProjected: decimal.Zero,
		TotalCollected: decimal.Zero,
		TotalEnabled:   decimal.Zero,
		TotalPaid:      decimal.Zero,
	}

	for _, l := range ledgers {
		if !f.matchesSale(l.Sale) {
			continue
		}
		matched := 0
		for _, line := range l.Lines {
			if !f.matchesLine(line) {
				continue
			}
			matched++
			s.TotalProjected = s.TotalProjected.Add(line.Amount)
			s.TotalEnabled = s.TotalEnabled.Add(line.Enabled)
			s.TotalPaid = s.TotalPaid.Add(line.Paid)
		}
		if matched > 0 || !f.narrowsLines() {
			s.TotalCollected = s.TotalCollected.Add(l.Collected)
			s.Sales++
		}
		s.Commissions += matched
	}

	s.PendingPayout = money.SubFloor(s.TotalEnabled, s.TotalPaid)
	s.FutureCollectible = money.SubFloor(s.TotalProjected, s.TotalCollected)
	return s
}

func (f Filter) matchesSale(s *Sale) bool {
	if !f.From.IsZero() && s.ClosedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !s.ClosedAt.Before(f.To) {
		return false
	}
	return true
}

func (f Filter) matchesLine(l CommissionLine) bool {
	if !f.IncludeCompany && l.Role == RoleCompany {
		return false
	}
	if f.PayeeRef != "" && l.PayeeRef != f.PayeeRef {
		return false
	}
	if f.Role != "" && l.Role != f.Role {
		return false
	}
	if f.State != "" && l.State != f.State {
		return false
	}
	return true
}

// narrowsLines reports whether the filter selects commissions by payee,
// role or state. Company exclusion is not one of them.
func (f Filter) narrowsLines() bool {
	return f.PayeeRef != "" || f.Role != "" || f.State != ""
}
