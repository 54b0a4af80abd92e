package billing

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/renecastillotv/clic-ledger/internal/logging"
	"github.com/renecastillotv/clic-ledger/internal/pagination"
	"github.com/renecastillotv/clic-ledger/internal/validation"
)

// Handler provides HTTP endpoints for billing.
type Handler struct {
	service *Service
}

// NewHandler creates a new billing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterTenantRoutes sets up routes under a /tenants/:id group. Tenant
// ownership is enforced by the group's middleware.
func (h *Handler) RegisterTenantRoutes(r *gin.RouterGroup) {
	r.GET("/account", h.GetAccount)
	r.POST("/account/recheck", h.RecheckStatus)
	r.GET("/cost", h.GetCost)
	r.POST("/invoices", h.GenerateInvoice)
	r.GET("/invoices", h.ListInvoices)
	r.GET("/invoices/:invoiceId", h.GetInvoice)
	r.PATCH("/invoices/:invoiceId/status", h.ChangeInvoiceStatus)
	r.POST("/payments", h.RecordPayment)
	r.GET("/payments", h.ListPayments)
}

// RegisterAdminRoutes sets up admin-only account management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateAccount)
	r.PATCH("/tenants/:id", h.UpdateAccount)
	r.POST("/billing/sweep", h.Sweep)
}

// ---------- Admin endpoints ----------

// CreateAccount handles POST /v1/admin/tenants
func (h *Handler) CreateAccount(c *gin.Context) {
	var req struct {
		ID          string          `json:"id" binding:"required"`
		Name        string          `json:"name" binding:"required"`
		PlanID      string          `json:"planId" binding:"required"`
		DiscountPct decimal.Decimal `json:"discountPct"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "id, name and planId are required"})
		return
	}
	if !validation.IsValidID(req.ID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "id must be 1-128 letters, digits, '_' or '-'"})
		return
	}

	a, err := h.service.CreateAccount(c.Request.Context(), CreateAccountRequest{
		ID:          req.ID,
		Name:        validation.SanitizeString(req.Name, 200),
		PlanID:      req.PlanID,
		DiscountPct: req.DiscountPct,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": a})
}

// UpdateAccount handles PATCH /v1/admin/tenants/:id
func (h *Handler) UpdateAccount(c *gin.Context) {
	var req struct {
		Name        *string          `json:"name"`
		PlanID      *string          `json:"planId"`
		DiscountPct *decimal.Decimal `json:"discountPct"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	if req.Name != nil {
		name := validation.SanitizeString(*req.Name, 200)
		req.Name = &name
	}

	a, err := h.service.UpdateAccountTerms(c.Request.Context(), c.Param("id"), AccountTerms{
		Name:        req.Name,
		PlanID:      req.PlanID,
		DiscountPct: req.DiscountPct,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

// Sweep handles POST /v1/admin/billing/sweep
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.service.SweepAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": res})
}

// ---------- Tenant endpoints ----------

// GetAccount handles GET /v1/tenants/:id/account
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.service.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

// RecheckStatus handles POST /v1/tenants/:id/account/recheck
func (h *Handler) RecheckStatus(c *gin.Context) {
	a, err := h.service.RecheckStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

// GetCost handles GET /v1/tenants/:id/cost?period=YYYY-MM
func (h *Handler) GetCost(c *gin.Context) {
	var month time.Time
	if p := c.Query("period"); p != "" {
		start, _, err := ParseMonth(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period", "message": "period must be formatted YYYY-MM"})
			return
		}
		month = start
	}

	b, err := h.service.CalculateCost(c.Request.Context(), c.Param("id"), month)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cost": b})
}

// GenerateInvoice handles POST /v1/tenants/:id/invoices
func (h *Handler) GenerateInvoice(c *gin.Context) {
	var req struct {
		DueDate string `json:"dueDate"`
		Force   bool   `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	var opts GenerateOptions
	opts.Force = req.Force
	if req.DueDate != "" {
		due, err := time.Parse(time.DateOnly, req.DueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_due_date", "message": "dueDate must be formatted YYYY-MM-DD"})
			return
		}
		opts.DueDate = &due
	}

	inv, err := h.service.GenerateInvoice(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

// ListInvoices handles GET /v1/tenants/:id/invoices
func (h *Handler) ListInvoices(c *gin.Context) {
	f := InvoiceFilter{
		Status: InvoiceStatus(c.Query("status")),
		Cursor: c.Query("cursor"),
		Limit:  pagination.ParseLimit(c.Query("limit")),
	}
	if errs := validation.Validate(
		validation.Date("from", c.Query("from")),
		validation.Date("to", c.Query("to")),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	if from := c.Query("from"); from != "" {
		f.From, _ = time.Parse(time.DateOnly, from)
	}
	if to := c.Query("to"); to != "" {
		day, _ := time.Parse(time.DateOnly, to)
		f.To = day.AddDate(0, 0, 1)
	}

	invoices, next, err := h.service.ListInvoices(c.Request.Context(), c.Param("id"), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if invoices == nil {
		invoices = []*Invoice{}
	}
	c.JSON(http.StatusOK, gin.H{
		"invoices":   invoices,
		"count":      len(invoices),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// GetInvoice handles GET /v1/tenants/:id/invoices/:invoiceId
func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.service.GetInvoice(c.Request.Context(), c.Param("id"), c.Param("invoiceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// ChangeInvoiceStatus handles PATCH /v1/tenants/:id/invoices/:invoiceId/status
func (h *Handler) ChangeInvoiceStatus(c *gin.Context) {
	var req struct {
		Status    string `json:"status" binding:"required"`
		Method    string `json:"method"`
		Reference string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status is required"})
		return
	}

	inv, err := h.service.ChangeInvoiceStatus(c.Request.Context(), c.Param("id"), c.Param("invoiceId"), StatusChange{
		Status:    InvoiceStatus(req.Status),
		Method:    validation.SanitizeString(req.Method, 50),
		Reference: validation.SanitizeString(req.Reference, 200),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// RecordPayment handles POST /v1/tenants/:id/payments
func (h *Handler) RecordPayment(c *gin.Context) {
	var req struct {
		Amount    decimal.Decimal `json:"amount"`
		InvoiceID string          `json:"invoiceId"`
		Method    string          `json:"method"`
		Reference string          `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount must be a decimal number"})
		return
	}

	res, err := h.service.RecordPayment(c.Request.Context(), c.Param("id"), PaymentRequest{
		Amount:          req.Amount,
		TargetInvoiceID: req.InvoiceID,
		Method:          validation.SanitizeString(req.Method, 50),
		Reference:       validation.SanitizeString(req.Reference, 200),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": res})
}

// ListPayments handles GET /v1/tenants/:id/payments
func (h *Handler) ListPayments(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	payments, err := h.service.ListPayments(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if payments == nil {
		payments = []*Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrAccountNotFound):
		status, code = http.StatusNotFound, "account_not_found"
	case errors.Is(err, ErrInvoiceNotFound):
		status, code = http.StatusNotFound, "invoice_not_found"
	case errors.Is(err, ErrPlanNotFound):
		status, code = http.StatusNotFound, "plan_not_found"
	case errors.Is(err, ErrAccountExists):
		status, code = http.StatusConflict, "account_exists"
	case errors.Is(err, ErrDuplicateInvoice):
		status, code = http.StatusConflict, "period_already_invoiced"
	case errors.Is(err, ErrInvoiceNotPayable):
		status, code = http.StatusConflict, "invoice_not_payable"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrTermsChanged):
		status, code = http.StatusConflict, "terms_changed"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	}

	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("billing request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "billing operation failed"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
