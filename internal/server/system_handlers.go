package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"inkwell/internal/alert"
	"inkwell/internal/api"
	"inkwell/internal/logger"
)

// Health reports database and cache reachability. A down cache degrades
// entitlement reads but does not fail the check; a down database does.
func Health(conn *sqlx.DB, rdb redis.Cmdable, alerts *alert.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		resp := api.HealthResponse{Status: "ok", Checks: map[string]string{"database": "ok", "redis": "ok"}}
		status := http.StatusOK

		if err := conn.PingContext(ctx); err != nil {
			logger.Error("health check: database unreachable", "error", err)
			resp.Status, resp.Checks["database"] = "unavailable", err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("health check: redis unreachable", "error", err)
			resp.Checks["redis"] = err.Error()
			if status == http.StatusOK {
				resp.Status = "degraded"
			}
		} else if alerts != nil {
			resp.AlertQueueLength = alerts.QueueLength(ctx)
		}

		c.JSON(status, resp)
	}
}

func Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
