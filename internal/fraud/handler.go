package fraud

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"inkwell/internal/api"
	"inkwell/internal/auth"
	"inkwell/internal/logger"
)

type Handler struct {
	scanner *Scanner
}

func NewHandler(scanner *Scanner) *Handler {
	return &Handler{scanner: scanner}
}

type ReviewRequest struct {
	Status FlagStatus `json:"status" binding:"required,oneof=reviewed dismissed"`
	Notes  string     `json:"notes" binding:"max=2000"`
}

func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	flags, err := h.scanner.List(c.Request.Context(), FlagStatus(c.Query("status")), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load fraud flags"})
		return
	}
	c.JSON(http.StatusOK, flags)
}

func (h *Handler) Review(c *gin.Context) {
	reviewer, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag id"})
		return
	}

	var req ReviewRequest
	if !api.BindJSON(c, &req) {
		return
	}

	f, err := h.scanner.Review(c.Request.Context(), id, req.Status, req.Notes, reviewer)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, f)
	case errors.Is(err, ErrFlagNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrFlagNotOpen):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidReview):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error("fraud review failed", "flag_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to review flag"})
	}
}

func (h *Handler) Scan(c *gin.Context) {
	res, err := h.scanner.Scan(c.Request.Context())
	if err != nil {
		logger.Error("fraud scan failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fraud scan failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}
