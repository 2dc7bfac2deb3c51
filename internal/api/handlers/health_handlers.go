package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gap-service/donation_service/pkg/health"
)

// HealthHandler serves the probe endpoints
type HealthHandler struct {
	liveness  *health.HealthChecker
	readiness *health.HealthChecker
	logger    *zap.Logger
	version   string
	startTime time.Time
}

func NewHealthHandler(liveness, readiness *health.HealthChecker, logger *zap.Logger, version string) *HealthHandler {
	return &HealthHandler{
		liveness:  liveness,
		readiness: readiness,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}
}

func (h *HealthHandler) respond(c *gin.Context, status health.Status, checks map[string]health.CheckResult, uptime bool) {
	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	resp := health.HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Version:   h.version,
		Checks:    checks,
	}
	if uptime {
		resp.UptimeSeconds = int64(time.Since(h.startTime).Seconds())
	}
	c.JSON(code, resp)
}

// Liveness reports whether the process is serving
func (h *HealthHandler) Liveness(c *gin.Context) {
	status, checks := h.liveness.Check(c.Request.Context())
	h.respond(c, status, checks, false)
}

// Readiness fails when a chain RPC or the cart store is unreachable
func (h *HealthHandler) Readiness(c *gin.Context) {
	status, checks := h.readiness.Check(c.Request.Context())
	if status != health.StatusHealthy {
		h.logger.Warn("Readiness check not healthy",
			zap.String("status", string(status)),
			zap.Any("checks", checks))
	}
	h.respond(c, status, checks, false)
}

// Health is readiness plus uptime
func (h *HealthHandler) Health(c *gin.Context) {
	status, checks := h.readiness.Check(c.Request.Context())
	h.respond(c, status, checks, true)
}

func (h *HealthHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"time":    time.Now().Unix(),
		"version": h.version,
	})
}
