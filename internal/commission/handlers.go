package commission

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/renecastillotv/clic-ledger/internal/logging"
	"github.com/renecastillotv/clic-ledger/internal/validation"
)

// Handler provides HTTP endpoints for the commission ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new commission handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterTenantRoutes sets up routes under a /tenants/:id group.
func (h *Handler) RegisterTenantRoutes(r *gin.RouterGroup) {
	r.POST("/sales", h.RegisterSale)
	r.GET("/sales/:saleId/ledger", h.GetSaleLedger)
	r.POST("/sales/:saleId/movements", h.RecordMovement)
	r.GET("/commissions/summary", h.Summary)
}

type commissionBody struct {
	ID        string          `json:"id"`
	PayeeRef  string          `json:"payeeRef" binding:"required"`
	PayeeName string          `json:"payeeName"`
	Role      Role            `json:"role" binding:"required"`
	SplitPct  decimal.Decimal `json:"splitPct"`
	Amount    decimal.Decimal `json:"amount"`
}

// RegisterSale handles POST /v1/tenants/:id/sales
func (h *Handler) RegisterSale(c *gin.Context) {
	var req struct {
		ID          string           `json:"id"`
		Title       string           `json:"title" binding:"required"`
		ClosedAt    time.Time        `json:"closedAt"`
		Currency    string           `json:"currency"`
		Pool        decimal.Decimal  `json:"pool"`
		Commissions []commissionBody `json:"commissions" binding:"dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "title is required and every commission needs payeeRef and role"})
		return
	}
	if req.ID != "" && !validation.IsValidID(req.ID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "id must be 1-128 letters, digits, '_' or '-'"})
		return
	}

	in := RegisterSaleRequest{
		ID:          req.ID,
		Title:       validation.SanitizeString(req.Title, 300),
		ClosedAt:    req.ClosedAt,
		Currency:    req.Currency,
		Pool:        req.Pool,
		Commissions: make([]CommissionInput, 0, len(req.Commissions)),
	}
	for _, cb := range req.Commissions {
		in.Commissions = append(in.Commissions, CommissionInput{
			ID:        cb.ID,
			PayeeRef:  cb.PayeeRef,
			PayeeName: validation.SanitizeString(cb.PayeeName, 200),
			Role:      cb.Role,
			SplitPct:  cb.SplitPct,
			Amount:    cb.Amount,
		})
	}

	sale, err := h.service.RegisterSale(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sale": sale})
}

// GetSaleLedger handles GET /v1/tenants/:id/sales/:saleId/ledger
func (h *Handler) GetSaleLedger(c *gin.Context) {
	ledger, err := h.service.GetSaleLedger(c.Request.Context(), c.Param("id"), c.Param("saleId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledger": ledger})
}

// RecordMovement handles POST /v1/tenants/:id/sales/:saleId/movements
func (h *Handler) RecordMovement(c *gin.Context) {
	var req struct {
		Type         MovementType    `json:"type" binding:"required"`
		CommissionID string          `json:"commissionId"`
		Amount       decimal.Decimal `json:"amount"`
		Reference    string          `json:"reference"`
		Note         string          `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "type and amount are required"})
		return
	}

	mv, ledger, err := h.service.RecordMovement(c.Request.Context(), c.Param("id"), MovementRequest{
		SaleID:       c.Param("saleId"),
		CommissionID: req.CommissionID,
		Type:         req.Type,
		Amount:       req.Amount,
		Reference:    validation.SanitizeString(req.Reference, 200),
		Note:         validation.SanitizeString(req.Note, 500),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"movement": mv, "ledger": ledger})
}

// Summary handles GET /v1/tenants/:id/commissions/summary
func (h *Handler) Summary(c *gin.Context) {
	if errs := validation.Validate(
		validation.Date("from", c.Query("from")),
		validation.Date("to", c.Query("to")),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	f := Filter{
		PayeeRef:       c.Query("payee"),
		Role:           Role(c.Query("role")),
		State:          State(c.Query("state")),
		IncludeCompany: true,
	}
	if v := c.Query("includeCompany"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "includeCompany must be true or false"})
			return
		}
		f.IncludeCompany = b
	}
	if from := c.Query("from"); from != "" {
		f.From, _ = time.Parse(time.DateOnly, from)
	}
	if to := c.Query("to"); to != "" {
		day, _ := time.Parse(time.DateOnly, to)
		f.To = day.AddDate(0, 0, 1)
	}

	sum, err := h.service.Summary(c.Request.Context(), c.Param("id"), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrSaleNotFound):
		status, code = http.StatusNotFound, "sale_not_found"
	case errors.Is(err, ErrCommissionNotFound):
		status, code = http.StatusNotFound, "commission_not_found"
	case errors.Is(err, ErrSaleExists):
		status, code = http.StatusConflict, "sale_exists"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	}

	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("commission request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "commission operation failed"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
