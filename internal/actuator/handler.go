package actuator

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"inkwell/internal/api"
	"inkwell/internal/auth"
	"inkwell/internal/ledger"
	"inkwell/internal/logger"
	"inkwell/internal/payout"
)

type Handler struct {
	actuator *Actuator
}

func NewHandler(actuator *Actuator) *Handler {
	return &Handler{actuator: actuator}
}

type HoldRequest struct {
	Hold   *bool  `json:"hold" binding:"required"`
	Reason string `json:"reason" binding:"max=500"`
}

func (h *Handler) Refund(c *gin.Context) {
	adminID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	refundTx, err := h.actuator.Refund(c.Request.Context(), id, adminID)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, refundTx)
	case errors.Is(err, ledger.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrAlreadyRefunded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotRefundable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ErrRefundFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		logger.Error("refund failed", "transaction_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record refund"})
	}
}

func (h *Handler) SetHold(c *gin.Context) {
	adminID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req HoldRequest
	if !api.BindJSON(c, &req) {
		return
	}

	acc, err := h.actuator.SetHold(c.Request.Context(), c.Param("authorID"), *req.Hold, req.Reason, adminID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, acc)
	case errors.Is(err, ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, payout.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logger.Error("set hold failed", "author_id", c.Param("authorID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update hold"})
	}
}
