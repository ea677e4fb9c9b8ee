package split

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/custody/internal/allocation"
	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/idgen"
	"github.com/mbd888/custody/internal/pagination"
	"github.com/mbd888/custody/internal/units"
	"github.com/mbd888/custody/internal/validation"
)

const actorKey = "authActorAddr"

// Handler provides HTTP endpoints for splits and the allocation calculator.
type Handler struct {
	service *Service
}

// NewHandler creates a new split handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public split routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/splits/:id", h.GetSplit)
	r.GET("/splits/:id/activity", h.ListActivity)
	r.GET("/payers/:address/splits", validation.AddressParamMiddleware(), h.ListSplits)
	r.POST("/splits/:id/fund-check", h.FundCheck)
	r.POST("/splits/validate", h.ValidateShares)
	r.POST("/allocations", h.Allocate)
}

// RegisterProtectedRoutes sets up routes that need an authenticated actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/splits", h.CreateSplit)
	r.POST("/splits/:id/distribute", h.Distribute)
	r.POST("/splits/:id/cancel", h.Cancel)
}

// CreateSplit handles POST /v1/splits
func (h *Handler) CreateSplit(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("payerAddr", req.PayerAddr),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if !validation.SameAddress(c.GetString(actorKey), req.PayerAddr) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated actor must be the payer",
		})
		return
	}

	sp, recips, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"split": sp, "recipients": recips})
}

// GetSplit handles GET /v1/splits/:id
func (h *Handler) GetSplit(c *gin.Context) {
	if !idgen.Is(idgen.Split, c.Param("id")) {
		respondError(c, ErrSplitNotFound)
		return
	}
	sp, recips, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"split": sp, "recipients": recips})
}

// ListActivity handles GET /v1/splits/:id/activity
func (h *Handler) ListActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.service.Activity(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries, "count": len(entries)})
}

// ListSplits handles GET /v1/payers/:address/splits
func (h *Handler) ListSplits(c *gin.Context) {
	page, err := pagination.FromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	splits, next, err := h.service.ListByPayer(c.Request.Context(), c.Param("address"), page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"splits": splits, "count": len(splits), "nextCursor": next})
}

// FundCheck handles POST /v1/splits/:id/fund-check
func (h *Handler) FundCheck(c *gin.Context) {
	sp, funded, err := h.service.DetectFunding(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"split": sp, "funded": funded})
}

// Distribute handles POST /v1/splits/:id/distribute
func (h *Handler) Distribute(c *gin.Context) {
	res, err := h.service.Distribute(c.Request.Context(), c.Param("id"), c.GetString(actorKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Cancel handles POST /v1/splits/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	sp, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString(actorKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"split": sp})
}

type sharesRequest struct {
	Percentages []string `json:"percentages" binding:"required"`
}

// ValidateShares handles POST /v1/splits/validate
func (h *Handler) ValidateShares(c *gin.Context) {
	var req sharesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "percentages is required",
		})
		return
	}
	shares, err := allocation.ParsePercentages(req.Percentages)
	if err != nil {
		c.JSON(http.StatusOK, allocation.Validation{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, allocation.Validate(shares))
}

type allocateRequest struct {
	Total       string   `json:"total" binding:"required"`
	Decimals    *int     `json:"decimals"`
	Percentages []string `json:"percentages"`
	Amounts     []string `json:"amounts"`
}

// Allocate handles POST /v1/allocations. Total and amounts are in the
// chain-native unit; results are returned both ways.
func (h *Handler) Allocate(c *gin.Context) {
	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "total is required",
		})
		return
	}
	decimals := h.service.cfg.Decimals
	if req.Decimals != nil {
		decimals = *req.Decimals
	}
	if (len(req.Percentages) == 0) == (len(req.Amounts) == 0) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "provide exactly one of percentages or amounts",
		})
		return
	}
	total, err := units.Parse(req.Total, decimals)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	var amounts []*big.Int
	if len(req.Percentages) > 0 {
		var shares []decimal.Decimal
		if shares, err = allocation.ParsePercentages(req.Percentages); err == nil {
			amounts, err = allocation.Allocate(total, shares)
		}
	} else {
		fixed := make([]*big.Int, len(req.Amounts))
		for i, a := range req.Amounts {
			if fixed[i], err = units.Parse(a, decimals); err != nil {
				break
			}
		}
		if err == nil {
			amounts, err = allocation.AllocateFixed(total, fixed)
		}
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	out := make([]gin.H, len(amounts))
	for i, a := range amounts {
		out[i] = gin.H{"baseUnits": a.String(), "amount": units.Format(a, decimals)}
	}
	c.JSON(http.StatusOK, gin.H{"total": total.String(), "allocations": out})
}

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
	case errors.Is(err, ErrSplitNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrDistributionPending):
		status, code = http.StatusConflict, "distribution_pending"
	case errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrStatusConflict):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrCustodyEmpty):
		status, code = http.StatusUnprocessableEntity, "custody_empty"
	case errors.Is(err, ErrInsufficientForFees):
		status, code = http.StatusUnprocessableEntity, "insufficient_for_fees"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidShares), errors.Is(err, ErrTooManyRecipients),
		errors.Is(err, ErrPayerIsRecipient), errors.Is(err, ErrDuplicateRecipient), errors.Is(err, chain.ErrUnknownChain):
		status, code = http.StatusBadRequest, "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
