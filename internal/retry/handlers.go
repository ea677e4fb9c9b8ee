package retry

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides the administrative retry endpoints. Mount it behind
// admin authentication and the rate limiter.
type Handler struct {
	processor *Processor
}

// NewHandler creates a new retry admin handler.
func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// RegisterRoutes sets up admin retry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/retries/process", h.process)
	r.GET("/admin/retries/stats", h.stats)
	r.POST("/admin/retries/cleanup", h.cleanup)
	r.GET("/admin/retries/failed", h.listFailed)
	r.GET("/admin/retries/:id", h.get)
}

// process runs one sweep synchronously.
func (h *Handler) process(c *gin.Context) {
	summary, err := h.processor.ProcessPending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry_sweep_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.processor.Statistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"byStatus": stats})
}

// cleanup deletes terminal rows. ?olderThanDays=N, default 30.
func (h *Handler) cleanup(c *gin.Context) {
	days := DefaultRetentionDays
	if d := c.Query("olderThanDays"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "olderThanDays must be a positive integer"})
			return
		}
		days = parsed
	}

	deleted, err := h.processor.Cleanup(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deletedCount": deleted, "olderThanDays": days})
}

func (h *Handler) listFailed(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	txs, err := h.processor.ListFailed(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retries": txs, "count": len(txs)})
}

func (h *Handler) get(c *gin.Context) {
	tx, err := h.processor.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Retryable transaction not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retry": tx})
}
