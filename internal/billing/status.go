package billing

import "time"

const (
	// SuspendAfterDays is how long the oldest overdue invoice may age before
	// the account is suspended.
	SuspendAfterDays = 30
	// DueSoonDays is the look-ahead window for por_vencer.
	DueSoonDays = 7
)

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ResolveStatus derives the account status from its invoices as of today.
// Only outstanding invoices matter; comparisons are by calendar day.
func ResolveStatus(invoices []*Invoice, today time.Time) AccountStatus {
	today = Day(today)

	var (
		overdue    int
		oldestDue  time.Time
		dueSoon    bool
		soonCutoff = today.AddDate(0, 0, DueSoonDays)
	)
	for _, inv := range invoices {
		if !inv.Status.Outstanding() {
			continue
		}
		due := Day(inv.DueDate)
		if due.Before(today) {
			if overdue == 0 || due.Before(oldestDue) {
				oldestDue = due
			}
			overdue++
			continue
		}
		if inv.Status == InvoicePending && !due.After(soonCutoff) {
			dueSoon = true
		}
	}

	switch {
	case overdue > 0 && today.Sub(oldestDue) > SuspendAfterDays*24*time.Hour:
		return StatusSuspended
	case overdue > 0:
		return StatusOverdue
	case dueSoon:
		return StatusDueSoon
	default:
		return StatusCurrent
	}
}

var transitions = map[InvoiceStatus][]InvoiceStatus{
	InvoicePending: {InvoiceOverdue, InvoicePaid, InvoiceCancelled},
	InvoiceOverdue: {InvoicePending, InvoicePaid, InvoiceCancelled},
}

// CanTransition reports whether an invoice may move from one status to
// another. Staying in the same status is not a transition.
func CanTransition(from, to InvoiceStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
