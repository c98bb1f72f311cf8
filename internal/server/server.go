package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"inkwell/internal/actuator"
	"inkwell/internal/auth"
	"inkwell/internal/config"
	"inkwell/internal/entitlement"
	"inkwell/internal/fraud"
	"inkwell/internal/logger"
	"inkwell/internal/payout"
	"inkwell/internal/webhook"
)

// Handlers are the HTTP entry points of each component.
type Handlers struct {
	Webhook     *webhook.Handler
	Entitlement *entitlement.Handler
	Payout      *payout.Handler
	Fraud       *fraud.Handler
	Actuator    *actuator.Handler
	Health      gin.HandlerFunc
}

type Server struct {
	router *gin.Engine
	http   *http.Server
}

func New(cfg *config.Config, h Handlers) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLoggingMiddleware(), MetricsMiddleware(), corsMiddleware())

	// The gateway signs its notifications; no bearer token and no rate limit.
	router.POST("/webhooks/payments", h.Webhook.Receive)

	router.GET("/health", h.Health)
	router.GET("/metrics", Metrics())

	authMiddleware := auth.AuthMiddleware(cfg.JWTSecret)
	limit := RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst)

	reader := router.Group("/")
	reader.Use(limit, authMiddleware)
	{
		reader.GET("/me/entitlements", h.Entitlement.GetMine)
		reader.GET("/authors/:authorID/tier", h.Entitlement.GetAuthorTier)
	}

	author := router.Group("/author")
	author.Use(limit, authMiddleware, auth.RequireRole(auth.RoleAuthor, auth.RoleAdmin))
	{
		author.GET("/earnings", h.Payout.GetEarnings)
		author.GET("/payouts", h.Payout.ListPayouts)
		author.GET("/payouts/eligibility", h.Payout.GetEligibility)
		author.POST("/payouts", h.Payout.RequestPayout)
		author.POST("/payout-account/login-link", h.Payout.LoginLink)
	}

	admin := router.Group("/admin")
	admin.Use(limit, authMiddleware, auth.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/transactions/:id/refund", h.Actuator.Refund)
		admin.PUT("/payout-accounts/:authorID/hold", h.Actuator.SetHold)
		admin.GET("/fraud-flags", h.Fraud.List)
		admin.POST("/fraud-flags/:id/review", h.Fraud.Review)
		admin.POST("/fraud-scans", h.Fraud.Scan)
		admin.POST("/payouts/reconcile", h.Payout.Reconcile)
		admin.POST("/entitlements/rebuild", h.Entitlement.Rebuild)
	}

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
