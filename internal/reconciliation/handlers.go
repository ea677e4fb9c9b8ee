package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves reconciliation reports to operators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes sets up admin reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.last)
	r.POST("/admin/reconciliation/run", h.run)
}

func (h *Handler) last(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "balanced": report.Balanced()})
}

func (h *Handler) run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "balanced": report.Balanced()})
}
