package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/idgen"
	"github.com/mbd888/custody/internal/pagination"
	"github.com/mbd888/custody/internal/validation"
)

// actorKey is the gin context key the auth middleware sets.
const actorKey = "authActorAddr"

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/activity", h.ListActivity)
	r.GET("/parties/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
	r.POST("/escrows/:id/fund-check", h.FundCheck)
}

// RegisterProtectedRoutes sets up routes that need an authenticated actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/cancel", h.Cancel)
	r.POST("/escrows/:id/dispute", h.Dispute)
	r.POST("/escrows/:id/resolve", h.Resolve)
	r.POST("/escrows/:id/milestones/:mid/activate", h.ActivateMilestone)
	r.POST("/escrows/:id/milestones/:mid/complete", h.CompleteMilestone)
	r.POST("/escrows/:id/milestones/:mid/release", h.ReleaseMilestone)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyerAddr", req.BuyerAddr),
		validation.ValidAddress("sellerAddr", req.SellerAddr),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if !validation.SameAddress(c.GetString(actorKey), req.BuyerAddr) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated actor must be the buyer",
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	milestones, _ := h.service.Milestones(c.Request.Context(), e.ID)
	c.JSON(http.StatusCreated, gin.H{"escrow": e, "milestones": milestones})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	if !idgen.Is(idgen.Escrow, c.Param("id")) {
		respondError(c, ErrEscrowNotFound)
		return
	}
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	milestones, err := h.service.Milestones(c.Request.Context(), e.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "milestones": milestones})
}

// ListActivity handles GET /v1/escrows/:id/activity
func (h *Handler) ListActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.service.Activity(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries, "count": len(entries)})
}

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	page, err := pagination.FromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	escrows, next, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows), "nextCursor": next})
}

// FundCheck handles POST /v1/escrows/:id/fund-check
func (h *Handler) FundCheck(c *gin.Context) {
	e, funded, err := h.service.DetectFunding(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "funded": funded})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	res, err := h.service.Release(c.Request.Context(), c.Param("id"), c.GetString(actorKey))
	respondSettlement(c, res, err)
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	res, err := h.service.Refund(c.Request.Context(), c.Param("id"), c.GetString(actorKey))
	respondSettlement(c, res, err)
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	e, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString(actorKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	reason := validation.CleanText(req.Reason, validation.MaxReasonLength)
	e, err := h.service.Dispute(c.Request.Context(), c.Param("id"), c.GetString(actorKey), reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Resolve handles POST /v1/escrows/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required (release or refund)",
		})
		return
	}
	req.Reason = validation.CleanText(req.Reason, validation.MaxReasonLength)
	res, err := h.service.Resolve(c.Request.Context(), c.Param("id"), c.GetString(actorKey), req)
	respondSettlement(c, res, err)
}

// ActivateMilestone handles POST /v1/escrows/:id/milestones/:mid/activate
func (h *Handler) ActivateMilestone(c *gin.Context) {
	m, err := h.service.ActivateMilestone(c.Request.Context(), c.Param("id"), c.Param("mid"), c.GetString(actorKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// CompleteMilestone handles POST /v1/escrows/:id/milestones/:mid/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	m, err := h.service.CompleteMilestone(c.Request.Context(), c.Param("id"), c.Param("mid"), c.GetString(actorKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ReleaseMilestone handles POST /v1/escrows/:id/milestones/:mid/release
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	res, err := h.service.ReleaseMilestone(c.Request.Context(), c.Param("id"), c.Param("mid"), c.GetString(actorKey))
	respondSettlement(c, res, err)
}

func respondSettlement(c *gin.Context, res *SettlementResult, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// respondError maps service errors to HTTP responses. A queued retry is
// reported as accepted, not as a failure.
func respondError(c *gin.Context, err error) {
	var rerr *RetryableError
	if errors.As(err, &rerr) {
		c.JSON(http.StatusAccepted, gin.H{
			"status":  "retry_queued",
			"retryId": rerr.RetryID,
			"message": rerr.Err.Error(),
		})
		return
	}

	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrMilestoneNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrSettlementPending):
		status, code = http.StatusConflict, "settlement_pending"
	case errors.Is(err, ErrSettlementInProgress):
		status, code = http.StatusConflict, "settlement_in_progress"
	case errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrStatusConflict), errors.Is(err, ErrNotExpired):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrCustodyEmpty):
		status, code = http.StatusUnprocessableEntity, "custody_empty"
	case errors.Is(err, ErrInsufficientForFees):
		status, code = http.StatusUnprocessableEntity, "insufficient_for_fees"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameParty), errors.Is(err, ErrInvalidType),
		errors.Is(err, ErrExpiryRequired), errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrInvalidMilestones),
		errors.Is(err, chain.ErrUnknownChain):
		status, code = http.StatusBadRequest, "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
