package payout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"inkwell/internal/auth"
	"inkwell/internal/logger"
)

type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) GetEarnings(c *gin.Context) {
	authorID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	e, err := h.manager.Earnings(c.Request.Context(), authorID)
	if err != nil {
		logger.Error("failed to load earnings", "author_id", authorID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load earnings"})
		return
	}

	c.JSON(http.StatusOK, e)
}

func (h *Handler) GetEligibility(c *gin.Context) {
	authorID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	el, err := h.manager.CanPayout(c.Request.Context(), authorID)
	if err != nil {
		logger.Error("failed to check payout eligibility", "author_id", authorID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check eligibility"})
		return
	}

	c.JSON(http.StatusOK, el)
}

func (h *Handler) ListPayouts(c *gin.Context) {
	authorID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	payouts, err := h.manager.ListPayouts(c.Request.Context(), authorID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load payouts"})
		return
	}

	c.JSON(http.StatusOK, payouts)
}

func (h *Handler) RequestPayout(c *gin.Context) {
	authorID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	p, err := h.manager.RequestPayout(c.Request.Context(), authorID, authorID)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, p)
	case errors.Is(err, ErrPayoutPending):
		c.JSON(http.StatusAccepted, p)
	case errors.Is(err, ErrNotEligible):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no payout account connected"})
	case errors.Is(err, ErrBalanceRace):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrPayoutFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "payout": p})
	default:
		logger.Error("payout request failed", "author_id", authorID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to request payout"})
	}
}

func (h *Handler) LoginLink(c *gin.Context) {
	authorID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	url, err := h.manager.DashboardLink(c.Request.Context(), authorID)
	if errors.Is(err, ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no payout account connected"})
		return
	}
	if err != nil {
		logger.Error("failed to create login link", "author_id", authorID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create login link"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *Handler) Reconcile(c *gin.Context) {
	res, err := h.manager.ReconcileStale(c.Request.Context())
	if err != nil {
		logger.Error("payout reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payout reconciliation failed", "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}
