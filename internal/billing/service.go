package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renecastillotv/clic-ledger/internal/events"
	"github.com/renecastillotv/clic-ledger/internal/idgen"
	"github.com/renecastillotv/clic-ledger/internal/logging"
	"github.com/renecastillotv/clic-ledger/internal/money"
	"github.com/renecastillotv/clic-ledger/internal/pagination"
	"github.com/renecastillotv/clic-ledger/internal/plans"
	"github.com/renecastillotv/clic-ledger/internal/traces"
	"github.com/renecastillotv/clic-ledger/internal/usage"
)

// DefaultDueDays is the default gap between issuance and due date.
const DefaultDueDays = 15

var hundred = decimal.NewFromInt(100)

// Service implements the billing operations.
type Service struct {
	store     Store
	plans     plans.Registry
	usage     usage.Provider
	publisher events.Publisher
	logger    *slog.Logger
	dueDays   int
	now       func() time.Time
}

// NewService creates a billing service.
func NewService(store Store, planRegistry plans.Registry, usageProvider usage.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		plans:     planRegistry,
		usage:     usageProvider,
		publisher: events.NopPublisher{},
		logger:    logger,
		dueDays:   DefaultDueDays,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithPublisher sets the post-commit event publisher.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithDueDays overrides the default due-date offset.
func (s *Service) WithDueDays(days int) *Service {
	if days >= 0 {
		s.dueDays = days
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = func() time.Time { return now().UTC() }
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// CreateAccountRequest is the input of CreateAccount.
type CreateAccountRequest struct {
	ID          string
	Name        string
	PlanID      string
	DiscountPct decimal.Decimal
}

// CreateAccount opens a billing account for a tenant with a zero balance.
func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	defer observeOp("create_account")()

	if req.ID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	}
	if err := validateDiscount(req.DiscountPct); err != nil {
		return nil, err
	}
	if _, err := s.plan(ctx, req.PlanID); err != nil {
		return nil, err
	}

	now := s.now()
	a := &Account{
		ID:          req.ID,
		Name:        req.Name,
		PlanID:      req.PlanID,
		DiscountPct: req.DiscountPct,
		Balance:     decimal.Zero,
		Status:      StatusCurrent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("billing account created", "tenant", a.ID, "plan", a.PlanID)
	return a, nil
}

// UpdateAccountTerms changes an account's name, plan or discount. Issued
// invoices keep the terms they were priced with.
func (s *Service) UpdateAccountTerms(ctx context.Context, tenantID string, terms AccountTerms) (*Account, error) {
	defer observeOp("update_terms")()

	if terms.DiscountPct != nil {
		if err := validateDiscount(*terms.DiscountPct); err != nil {
			return nil, err
		}
	}
	if terms.PlanID != nil {
		if _, err := s.plan(ctx, *terms.PlanID); err != nil {
			return nil, err
		}
	}

	var updated *Account
	err := s.store.WithTenantTx(ctx, tenantID, func(tx Tx) error {
		a, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		if terms.Name != nil {
			a.Name = *terms.Name
		}
		if terms.PlanID != nil {
			a.PlanID = *terms.PlanID
		}
		if terms.DiscountPct != nil {
			a.DiscountPct = *terms.DiscountPct
		}
		a.UpdatedAt = s.now()
		if err := tx.SaveAccount(ctx, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetAccount returns a tenant's account.
func (s *Service) GetAccount(ctx context.Context, tenantID string) (*Account, error) {
	return s.store.GetAccount(ctx, tenantID)
}

// CalculateCost prices the calendar month containing month (the current
// month when zero). It has no side effects.
func (s *Service) CalculateCost(ctx context.Context, tenantID string, month time.Time) (*CostBreakdown, error) {
	defer observeOp("calculate_cost")()

	if month.IsZero() {
		month = s.now()
	}
	start, end := MonthWindow(month)

	a, err := s.store.GetAccount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	plan, err := s.plan(ctx, a.PlanID)
	if err != nil {
		return nil, err
	}
	snap, err := s.usage.GetUsage(ctx, tenantID, start)
	if err != nil {
		return nil, fmt.Errorf("billing: usage for %s: %w", tenantID, err)
	}
	b := ComputeCost(plan, snap, a.DiscountPct, start, end)
	return &b, nil
}

// GenerateInvoice issues the invoice for the current period. The cost is
// priced before the transaction; inside it the account terms are checked
// unchanged, the number is allocated and the balance raised by the total.
func (s *Service) GenerateInvoice(ctx context.Context, tenantID string, opts GenerateOptions) (inv *Invoice, err error) {
	defer observeOp("generate_invoice")()
	ctx, span := traces.StartSpan(ctx, "billing.GenerateInvoice", traces.TenantID(tenantID))
	defer func() { traces.Fail(span, err); span.End() }()

	now := s.now()
	today := Day(now)
	due := today.AddDate(0, 0, s.dueDays)
	if opts.DueDate != nil {
		if Day(*opts.DueDate).Before(today) {
			return nil, fmt.Errorf("%w: due date before emission date", ErrInvalidArgument)
		}
		due = Day(*opts.DueDate)
	}

	start, end := MonthWindow(now)
	terms, err := s.store.GetAccount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	plan, err := s.plan(ctx, terms.PlanID)
	if err != nil {
		return nil, err
	}
	snap, err := s.usage.GetUsage(ctx, tenantID, start)
	if err != nil {
		return nil, fmt.Errorf("billing: usage for %s: %w", tenantID, err)
	}

	var prevStatus, newStatus AccountStatus
	err = s.store.WithTenantTx(ctx, tenantID, func(tx Tx) error {
		a, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		if a.PlanID != terms.PlanID || !a.DiscountPct.Equal(terms.DiscountPct) {
			return ErrTermsChanged
		}

		if !opts.Force {
			exists, err := tx.HasActiveInvoiceIssued(ctx, start, end.Add(-time.Nanosecond))
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateInvoice
			}
		}

		period, err := tx.PeriodByStart(ctx, start)
		if err != nil {
			return err
		}
		if period == nil {
			period = &Period{
				ID:        idgen.WithPrefix("per_"),
				TenantID:  tenantID,
				Start:     start,
				End:       end,
				Usage:     snap.Normalize(),
				CreatedAt: now,
			}
			if err := tx.CreatePeriod(ctx, period); err != nil {
				return err
			}
		}
		breakdown := ComputeCost(plan, period.Usage, a.DiscountPct, start, end)

		ym := YearMonth(now)
		seq, err := tx.NextInvoiceSequence(ctx, ym)
		if err != nil {
			return err
		}

		inv = &Invoice{
			ID:        idgen.WithPrefix("inv_"),
			TenantID:  tenantID,
			PeriodID:  period.ID,
			Number:    FormatNumber(ym, seq),
			Status:    InvoicePending,
			IssuedAt:  now,
			DueDate:   due,
			Breakdown: breakdown,
			Subtotal:  breakdown.Subtotal,
			Discount:  breakdown.Discount,
			Total:     breakdown.Total,
			Currency:  breakdown.Currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}

		a.Balance = a.Balance.Add(inv.Total)
		prevStatus = a.Status
		newStatus, err = s.resolveAndSave(ctx, tx, a, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	InvoicesIssuedTotal.Inc()
	logging.L(ctx).Info("invoice issued",
		"tenant", tenantID, "invoice", inv.ID, "number", inv.Number,
		"total", money.Format(inv.Total), "forced", opts.Force)
	s.publish(ctx, events.InvoiceIssued, tenantID, map[string]any{
		"invoiceId": inv.ID,
		"number":    inv.Number,
		"total":     money.Format(inv.Total),
		"currency":  inv.Currency,
		"dueDate":   inv.DueDate.Format(time.DateOnly),
	})
	s.publishStatusChange(ctx, tenantID, prevStatus, newStatus)
	return inv, nil
}

// GetInvoice returns one invoice of a tenant.
func (s *Service) GetInvoice(ctx context.Context, tenantID, invoiceID string) (*Invoice, error) {
	return s.store.GetInvoice(ctx, tenantID, invoiceID)
}

// ListInvoices returns one page of a tenant's invoices and the cursor of
// the next page, empty when there is none.
func (s *Service) ListInvoices(ctx context.Context, tenantID string, f InvoiceFilter) ([]*Invoice, string, error) {
	if _, err := s.store.GetAccount(ctx, tenantID); err != nil {
		return nil, "", err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	f.Limit = limit + 1

	items, err := s.store.ListInvoices(ctx, tenantID, f)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(inv *Invoice) (time.Time, string) {
		return inv.IssuedAt, inv.ID
	})
	return page, next, nil
}

// ListPayments returns a tenant's most recent payments.
func (s *Service) ListPayments(ctx context.Context, tenantID string, limit int) ([]*Payment, error) {
	if _, err := s.store.GetAccount(ctx, tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	return s.store.ListPayments(ctx, tenantID, limit)
}

// ChangeInvoiceStatus moves an invoice through its lifecycle. Settling or
// cancelling an outstanding invoice removes its total from the balance.
func (s *Service) ChangeInvoiceStatus(ctx context.Context, tenantID, invoiceID string, change StatusChange) (inv *Invoice, err error) {
	defer observeOp("change_invoice_status")()
	ctx, span := traces.StartSpan(ctx, "billing.ChangeInvoiceStatus",
		traces.TenantID(tenantID), traces.InvoiceID(invoiceID), traces.Status(string(change.Status)))
	defer func() { traces.Fail(span, err); span.End() }()

	if !change.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, change.Status)
	}

	var (
		from                  InvoiceStatus
		prevStatus, newStatus AccountStatus
		changed               bool
	)
	err = s.store.WithTenantTx(ctx, tenantID, func(tx Tx) error {
		a, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		inv, err = tx.Invoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		from = inv.Status
		if from == change.Status {
			return nil
		}
		if !CanTransition(from, change.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, change.Status)
		}

		now := s.now()
		switch change.Status {
		case InvoicePaid:
			markPaid(inv, change.Method, change.Reference, now)
			a.LastPaymentAt = &now
			a.Balance = money.SubFloor(a.Balance, inv.Total)
		case InvoiceCancelled:
			inv.CancelledAt = &now
			a.Balance = money.SubFloor(a.Balance, inv.Total)
		}
		inv.Status = change.Status
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}

		prevStatus = a.Status
		newStatus, err = s.resolveAndSave(ctx, tx, a, now)
		changed = true
		return err
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return inv, nil
	}

	logging.L(ctx).Info("invoice status changed",
		"tenant", tenantID, "invoice", invoiceID, "from", from, "to", inv.Status)
	s.publish(ctx, events.InvoiceStatusChanged, tenantID, map[string]any{
		"invoiceId": inv.ID,
		"number":    inv.Number,
		"from":      from,
		"to":        inv.Status,
	})
	s.publishStatusChange(ctx, tenantID, prevStatus, newStatus)
	return inv, nil
}

// RecordPayment applies cash to outstanding invoices in one transaction.
// A named target invoice is settled first when the amount covers it; the
// rest pays whole invoices in due-date order, skipping any that do not fit.
// Partial payment of an invoice never happens.
func (s *Service) RecordPayment(ctx context.Context, tenantID string, req PaymentRequest) (res *PaymentResult, err error) {
	defer observeOp("record_payment")()
	ctx, span := traces.StartSpan(ctx, "billing.RecordPayment",
		traces.TenantID(tenantID), traces.Amount(money.Format(req.Amount)))
	defer func() { traces.Fail(span, err); span.End() }()

	if !req.Amount.IsPositive() || money.Validate(req.Amount) != nil {
		return nil, ErrInvalidAmount
	}

	var prevStatus AccountStatus
	err = s.store.WithTenantTx(ctx, tenantID, func(tx Tx) error {
		a, err := tx.Account(ctx)
		if err != nil {
			return err
		}

		now := s.now()
		pay := &Payment{
			ID:              idgen.WithPrefix("pay_"),
			TenantID:        tenantID,
			Amount:          req.Amount,
			TargetInvoiceID: req.TargetInvoiceID,
			Method:          req.Method,
			Reference:       req.Reference,
			CreatedAt:       now,
		}
		remaining := req.Amount
		var paidIDs []string

		settle := func(inv *Invoice) error {
			markPaid(inv, req.Method, req.Reference, now)
			inv.Status = InvoicePaid
			inv.UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
			remaining = remaining.Sub(inv.Total)
			paidIDs = append(paidIDs, inv.ID)
			pay.Allocations = append(pay.Allocations, Allocation{PaymentID: pay.ID, InvoiceID: inv.ID, Amount: inv.Total})
			return nil
		}

		if req.TargetInvoiceID != "" {
			target, err := tx.Invoice(ctx, req.TargetInvoiceID)
			if err != nil {
				return err
			}
			if !target.Status.Outstanding() {
				return fmt.Errorf("%w: %s is %s", ErrInvoiceNotPayable, target.Number, target.Status)
			}
			if remaining.GreaterThanOrEqual(target.Total) {
				if err := settle(target); err != nil {
					return err
				}
			}
		}

		if remaining.IsPositive() {
			outstanding, err := tx.OutstandingInvoices(ctx)
			if err != nil {
				return err
			}
			for _, inv := range outstanding {
				if !remaining.IsPositive() {
					break
				}
				if inv.Total.GreaterThan(remaining) {
					continue
				}
				if err := settle(inv); err != nil {
					return err
				}
			}
		}

		pay.Remaining = remaining
		pay.Applied = req.Amount.Sub(remaining)
		a.Balance = money.SubFloor(a.Balance, pay.Applied)
		a.LastPaymentAt = &now
		if err := tx.InsertPayment(ctx, pay); err != nil {
			return err
		}

		prevStatus = a.Status
		if _, err := s.resolveAndSave(ctx, tx, a, now); err != nil {
			return err
		}

		res = &PaymentResult{
			PaymentID:      pay.ID,
			Applied:        pay.Applied,
			PaidInvoiceIDs: paidIDs,
			Remaining:      pay.Remaining,
			Balance:        a.Balance,
			AccountStatus:  a.Status,
		}
		if res.PaidInvoiceIDs == nil {
			res.PaidInvoiceIDs = []string{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	PaymentsAppliedTotal.Add(res.Applied.InexactFloat64())
	logging.L(ctx).Info("payment allocated",
		"tenant", tenantID, "payment", res.PaymentID,
		"amount", money.Format(req.Amount), "applied", money.Format(res.Applied),
		"remaining", money.Format(res.Remaining), "invoices", len(res.PaidInvoiceIDs))
	s.publish(ctx, events.PaymentAllocated, tenantID, map[string]any{
		"paymentId":      res.PaymentID,
		"amount":         money.Format(req.Amount),
		"applied":        money.Format(res.Applied),
		"remaining":      money.Format(res.Remaining),
		"paidInvoiceIds": res.PaidInvoiceIDs,
	})
	s.publishStatusChange(ctx, tenantID, prevStatus, res.AccountStatus)
	return res, nil
}

// RecheckStatus marks past-due pendiente invoices as vencida and
// re-resolves the account status.
func (s *Service) RecheckStatus(ctx context.Context, tenantID string) (acct *Account, err error) {
	defer observeOp("recheck_status")()
	ctx, span := traces.StartSpan(ctx, "billing.RecheckStatus", traces.TenantID(tenantID))
	defer func() { traces.Fail(span, err); span.End() }()

	var (
		prevStatus AccountStatus
		lapsed     []*Invoice
	)
	err = s.store.WithTenantTx(ctx, tenantID, func(tx Tx) error {
		a, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		today := Day(now)

		outstanding, err := tx.OutstandingInvoices(ctx)
		if err != nil {
			return err
		}
		lapsed = lapsed[:0]
		for _, inv := range outstanding {
			if inv.Status == InvoicePending && Day(inv.DueDate).Before(today) {
				inv.Status = InvoiceOverdue
				inv.UpdatedAt = now
				if err := tx.UpdateInvoice(ctx, inv); err != nil {
					return err
				}
				lapsed = append(lapsed, inv)
			}
		}

		prevStatus = a.Status
		if _, err := s.resolveAndSave(ctx, tx, a, now); err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, inv := range lapsed {
		s.publish(ctx, events.InvoiceStatusChanged, tenantID, map[string]any{
			"invoiceId": inv.ID,
			"number":    inv.Number,
			"from":      InvoicePending,
			"to":        InvoiceOverdue,
		})
	}
	s.publishStatusChange(ctx, tenantID, prevStatus, acct.Status)
	return acct, nil
}

// SweepResult summarises one SweepAll run.
type SweepResult struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// SweepAll rechecks every account. Per-tenant failures are logged and
// counted; the sweep continues with the next tenant.
func (s *Service) SweepAll(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	ids, err := s.store.ListAccountIDs(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		before, err := s.store.GetAccount(ctx, id)
		if err != nil {
			res.Failed++
			continue
		}
		after, err := s.RecheckStatus(ctx, id)
		res.Checked++
		if err != nil {
			res.Failed++
			s.logger.Warn("status recheck failed", "tenant", id, "error", err)
			continue
		}
		if after.Status != before.Status {
			res.Changed++
		}
	}
	return res, nil
}

// BalanceSnapshot is an account balance read together with the invoices
// it should equal.
type BalanceSnapshot struct {
	TenantID         string          `json:"tenantId"`
	Balance          decimal.Decimal `json:"balance"`
	Outstanding      decimal.Decimal `json:"outstanding"`
	OutstandingCount int             `json:"outstandingCount"`
}

// TenantIDs lists every billed tenant.
func (s *Service) TenantIDs(ctx context.Context) ([]string, error) {
	return s.store.ListAccountIDs(ctx)
}

// Snapshot reads the balance and the outstanding invoice totals under the
// tenant lock so both sides come from the same committed state.
func (s *Service) Snapshot(ctx context.Context, tenantID string) (BalanceSnapshot, error) {
	snap := BalanceSnapshot{TenantID: tenantID}
	err := s.store.WithTenantTx(ctx, tenantID, func(tx Tx) error {
		a, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		outstanding, err := tx.OutstandingInvoices(ctx)
		if err != nil {
			return err
		}
		totals := make([]decimal.Decimal, 0, len(outstanding))
		for _, inv := range outstanding {
			totals = append(totals, inv.Total)
		}
		snap.Balance = a.Balance
		snap.Outstanding = money.Sum(totals...)
		snap.OutstandingCount = len(outstanding)
		return nil
	})
	return snap, err
}

// resolveAndSave recomputes the account status from its outstanding
// invoices and persists the account.
func (s *Service) resolveAndSave(ctx context.Context, tx Tx, a *Account, now time.Time) (AccountStatus, error) {
	outstanding, err := tx.OutstandingInvoices(ctx)
	if err != nil {
		return "", err
	}
	a.Status = ResolveStatus(outstanding, now)
	a.UpdatedAt = now
	if err := tx.SaveAccount(ctx, a); err != nil {
		return "", err
	}
	return a.Status, nil
}

func (s *Service) plan(ctx context.Context, id string) (*plans.Plan, error) {
	p, err := s.plans.GetPlan(ctx, id)
	if errors.Is(err, plans.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("billing: plan %s: %w", id, err)
	}
	return p, nil
}

func (s *Service) publish(ctx context.Context, eventType, tenantID string, data any) {
	e, err := events.New(eventType, tenantID, s.now(), data)
	if err == nil {
		err = s.publisher.Publish(ctx, e)
	}
	if err != nil {
		logging.L(ctx).Warn("event publish failed", "type", eventType, "tenant", tenantID, "error", err)
	}
}

func (s *Service) publishStatusChange(ctx context.Context, tenantID string, from, to AccountStatus) {
	if from == to {
		return
	}
	AccountStatusTransitions.WithLabelValues(string(from), string(to)).Inc()
	logging.L(ctx).Info("account status changed", "tenant", tenantID, "from", from, "to", to)
	s.publish(ctx, events.AccountStatusChanged, tenantID, map[string]any{"from": from, "to": to})
}

func markPaid(inv *Invoice, method, reference string, at time.Time) {
	inv.PaymentMethod = method
	inv.PaymentReference = reference
	inv.PaidAt = &at
}

func validateDiscount(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return fmt.Errorf("%w: discount must be between 0 and 100", ErrInvalidArgument)
	}
	return nil
}
