package commission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renecastillotv/clic-ledger/internal/events"
	"github.com/renecastillotv/clic-ledger/internal/idgen"
	"github.com/renecastillotv/clic-ledger/internal/logging"
	"github.com/renecastillotv/clic-ledger/internal/money"
	"github.com/renecastillotv/clic-ledger/internal/traces"
)

var hundred = decimal.NewFromInt(100)

// Service implements the commission ledger operations.
type Service struct {
	store     Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a commission service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		publisher: events.NopPublisher{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithPublisher sets the post-commit event publisher.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = func() time.Time { return now().UTC() }
	return s
}

// CommissionInput describes one payee share of a new sale. When Amount is
// zero and SplitPct is set, the amount is derived from the pool.
type CommissionInput struct {
	ID        string
	PayeeRef  string
	PayeeName string
	Role      Role
	SplitPct  decimal.Decimal
	Amount    decimal.Decimal
}

// RegisterSaleRequest is the input of RegisterSale.
type RegisterSaleRequest struct {
	ID          string
	Title       string
	ClosedAt    time.Time
	Currency    string
	Pool        decimal.Decimal
	Commissions []CommissionInput
}

// MovementRequest is the input of RecordMovement.
type MovementRequest struct {
	SaleID       string
	CommissionID string
	Type         MovementType
	Amount       decimal.Decimal
	Reference    string
	Note         string
}

// RegisterSale records a closed sale and its commission split.
func (s *Service) RegisterSale(ctx context.Context, tenantID string, req RegisterSaleRequest) (sale *Sale, err error) {
	defer observeOp("register_sale")()
	ctx, span := traces.StartSpan(ctx, "commission.RegisterSale", traces.TenantID(tenantID))
	defer func() { traces.Fail(span, err); span.End() }()

	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	if money.Validate(req.Pool) != nil {
		return nil, fmt.Errorf("%w: commission pool", ErrInvalidAmount)
	}

	now := s.now()
	sale = &Sale{
		ID:          req.ID,
		TenantID:    tenantID,
		Title:       req.Title,
		ClosedAt:    req.ClosedAt,
		Currency:    req.Currency,
		Pool:        req.Pool,
		Commissions: make([]Commission, 0, len(req.Commissions)),
		CreatedAt:   now,
	}
	if sale.ID == "" {
		sale.ID = idgen.WithPrefix("sale_")
	}
	if sale.ClosedAt.IsZero() {
		sale.ClosedAt = now
	}
	if sale.Currency == "" {
		sale.Currency = "USD"
	}

	seen := make(map[string]bool, len(req.Commissions))
	for i, in := range req.Commissions {
		c, err := buildCommission(sale, in)
		if err != nil {
			return nil, fmt.Errorf("commission %d: %w", i, err)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicate commission id %s", ErrInvalidArgument, c.ID)
		}
		seen[c.ID] = true
		sale.Commissions = append(sale.Commissions, c)
	}

	if err := s.store.CreateSale(ctx, sale); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("sale registered",
		"tenant", tenantID, "sale", sale.ID, "pool", money.Format(sale.Pool), "commissions", len(sale.Commissions))
	s.publish(ctx, events.SaleRegistered, tenantID, map[string]any{
		"saleId":      sale.ID,
		"pool":        money.Format(sale.Pool),
		"commissions": len(sale.Commissions),
	})
	return sale, nil
}

func buildCommission(sale *Sale, in CommissionInput) (Commission, error) {
	if !in.Role.Valid() {
		return Commission{}, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, in.Role)
	}
	if in.PayeeRef == "" {
		return Commission{}, fmt.Errorf("%w: payee is required", ErrInvalidArgument)
	}
	if in.SplitPct.IsNegative() || in.SplitPct.GreaterThan(hundred) {
		return Commission{}, fmt.Errorf("%w: split must be between 0 and 100", ErrInvalidArgument)
	}
	if money.Validate(in.Amount) != nil {
		return Commission{}, ErrInvalidAmount
	}

	c := Commission{
		ID:        in.ID,
		SaleID:    sale.ID,
		PayeeRef:  in.PayeeRef,
		PayeeName: in.PayeeName,
		Role:      in.Role,
		SplitPct:  in.SplitPct,
		Amount:    in.Amount,
	}
	if c.ID == "" {
		c.ID = idgen.WithPrefix("com_")
	}
	if c.Amount.IsZero() && c.SplitPct.IsPositive() {
		c.Amount = money.Percent(sale.Pool, c.SplitPct)
	}
	return c, nil
}

// RecordMovement appends a cobro or pago to a sale's ledger and returns the
// updated ledger. The ledger is nil when it could not be read back after the
// movement committed.
func (s *Service) RecordMovement(ctx context.Context, tenantID string, req MovementRequest) (mv *Movement, ledger *SaleLedger, err error) {
	defer observeOp("record_movement")()
	ctx, span := traces.StartSpan(ctx, "commission.RecordMovement",
		traces.TenantID(tenantID), traces.SaleID(req.SaleID), traces.Amount(money.Format(req.Amount)))
	defer func() { traces.Fail(span, err); span.End() }()

	if !req.Type.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown movement type %q", ErrInvalidArgument, req.Type)
	}
	if !req.Amount.IsPositive() || money.Validate(req.Amount) != nil {
		return nil, nil, ErrInvalidAmount
	}
	if req.Type == MovementPayout && req.CommissionID == "" {
		return nil, nil, fmt.Errorf("%w: a payout must name a commission", ErrInvalidArgument)
	}

	mv = &Movement{
		ID:           idgen.WithPrefix("mov_"),
		TenantID:     tenantID,
		SaleID:       req.SaleID,
		CommissionID: req.CommissionID,
		Type:         req.Type,
		Amount:       req.Amount,
		Reference:    req.Reference,
		Note:         req.Note,
		CreatedAt:    s.now(),
	}
	if err := s.store.AppendMovement(ctx, mv); err != nil {
		return nil, nil, err
	}

	switch mv.Type {
	case MovementCollection:
		CollectedAmountTotal.Add(mv.Amount.InexactFloat64())
	case MovementPayout:
		PaidOutAmountTotal.Add(mv.Amount.InexactFloat64())
	}

	// The movement is committed from here on. A failed read-back must not
	// report failure, or a retry would append it twice.
	ledger, readErr := s.GetSaleLedger(ctx, tenantID, req.SaleID)
	if readErr != nil {
		logging.L(ctx).Warn("ledger read after movement failed",
			"tenant", tenantID, "sale", req.SaleID, "movement", mv.ID, "error", readErr)
	}
	if mv.Type == MovementPayout && ledger != nil {
		if line, ok := ledger.line(mv.CommissionID); ok && line.Paid.GreaterThan(line.Enabled) {
			logging.L(ctx).Warn("payout exceeds enabled commission",
				"tenant", tenantID, "sale", req.SaleID, "commission", mv.CommissionID,
				"paid", money.Format(line.Paid), "enabled", money.Format(line.Enabled))
		}
	}

	logging.L(ctx).Info("commission movement recorded",
		"tenant", tenantID, "sale", req.SaleID, "type", mv.Type, "amount", money.Format(mv.Amount))
	s.publish(ctx, events.CommissionMovementMade, tenantID, map[string]any{
		"movementId":   mv.ID,
		"saleId":       mv.SaleID,
		"commissionId": mv.CommissionID,
		"type":         mv.Type,
		"amount":       money.Format(mv.Amount),
	})
	return mv, ledger, nil
}

// GetSaleLedger derives the current ledger of one sale.
func (s *Service) GetSaleLedger(ctx context.Context, tenantID, saleID string) (*SaleLedger, error) {
	defer observeOp("get_ledger")()

	sale, err := s.store.GetSale(ctx, tenantID, saleID)
	if err != nil {
		return nil, err
	}
	movements, err := s.store.ListMovements(ctx, tenantID, saleID)
	if err != nil {
		return nil, err
	}
	return BuildLedger(sale, movements), nil
}

// Summary aggregates every matching sale of the tenant.
func (s *Service) Summary(ctx context.Context, tenantID string, f Filter) (sum Summary, err error) {
	defer observeOp("summary")()
	ctx, span := traces.StartSpan(ctx, "commission.Summary", traces.TenantID(tenantID))
	defer func() { traces.Fail(span, err); span.End() }()

	if f.Role != "" && !f.Role.Valid() {
		return Summary{}, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, f.Role)
	}
	if f.State != "" && !f.State.Valid() {
		return Summary{}, fmt.Errorf("%w: unknown state %q", ErrInvalidArgument, f.State)
	}

	sales, movements, err := s.store.LoadLedgerData(ctx, tenantID, f.From, f.To)
	if err != nil {
		return Summary{}, err
	}

	bySale := make(map[string][]Movement, len(sales))
	for _, m := range movements {
		bySale[m.SaleID] = append(bySale[m.SaleID], m)
	}
	ledgers := make([]*SaleLedger, 0, len(sales))
	for _, sale := range sales {
		ledgers = append(ledgers, BuildLedger(sale, bySale[sale.ID]))
	}
	return Summarize(ledgers, f), nil
}

func (l *SaleLedger) line(commissionID string) (CommissionLine, bool) {
	for _, line := range l.Lines {
		if line.ID == commissionID {
			return line, true
		}
	}
	return CommissionLine{}, false
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
