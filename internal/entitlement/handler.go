package entitlement

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"inkwell/internal/auth"
	"inkwell/internal/logger"
)

type Handler struct {
	projector *Projector
}

func NewHandler(projector *Projector) *Handler {
	return &Handler{projector: projector}
}

type EntitlementsResponse struct {
	UserID    string `json:"user_id"`
	IsPremium bool   `json:"is_premium"`
}

type TierResponse struct {
	AuthorID  string `json:"author_id"`
	Tier      string `json:"tier"`
	MinTier   string `json:"min_tier,omitempty"`
	Satisfies *bool  `json:"satisfies,omitempty"`
}

func (h *Handler) GetMine(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	premium, err := h.projector.IsPremium(c.Request.Context(), userID)
	if err != nil {
		logger.Error("failed to load entitlements", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load entitlements"})
		return
	}

	c.JSON(http.StatusOK, EntitlementsResponse{UserID: userID, IsPremium: premium})
}

// GetAuthorTier answers the chapter gate: the caller's tier with an author,
// and whether it meets min_tier when one is given.
func (h *Handler) GetAuthorTier(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	authorID := c.Param("authorID")
	minTier := c.Query("min_tier")
	if minTier != "" && h.projector.platform.TierRank(minTier) < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown min_tier"})
		return
	}

	tier, err := h.projector.AuthorTierFor(c.Request.Context(), userID, authorID)
	if err != nil {
		logger.Error("failed to load author tier", "user_id", userID, "author_id", authorID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tier"})
		return
	}

	resp := TierResponse{AuthorID: authorID, Tier: tier, MinTier: minTier}
	if minTier != "" {
		ok := h.projector.TierSatisfies(tier, minTier)
		resp.Satisfies = &ok
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Rebuild(c *gin.Context) {
	res, err := h.projector.RebuildAll(c.Request.Context())
	if err != nil {
		logger.Error("entitlement rebuild failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "entitlement rebuild failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}
