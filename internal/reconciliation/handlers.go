package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/renecastillotv/clic-ledger/internal/logging"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	timer *Timer
}

// NewHandler creates a reconciliation handler.
func NewHandler(timer *Timer) *Handler {
	return &Handler{timer: timer}
}

// RegisterAdminRoutes sets up routes under the admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Last)
	r.POST("/reconciliation", h.Run)
}

// Last handles GET /v1/admin/reconciliation
func (h *Handler) Last(c *gin.Context) {
	report := h.timer.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_report", "message": "No reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// Run handles POST /v1/admin/reconciliation
func (h *Handler) Run(c *gin.Context) {
	report := h.timer.RunOnce(c.Request.Context())
	if report == nil {
		logging.L(c.Request.Context()).Error("manual reconciliation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}
