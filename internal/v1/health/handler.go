package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coresignal/sfuplane/internal/v1/bus"
	"github.com/coresignal/sfuplane/internal/v1/logging"
	"go.uber.org/zap"
)

// EngineChecker reports whether the media engine's worker pool is alive.
// internal/v1/mediaengine's Adapter implements this by checking that every
// pooled worker is still responsive.
type EngineChecker interface {
	Healthy(ctx context.Context) bool
}

// Handler manages health check endpoints.
type Handler struct {
	redisService  *bus.Service
	engineChecker EngineChecker
}

// NewHandler creates a new health check handler. engineChecker may be nil
// before the media engine adapter has finished starting up, in which case
// readiness reports the engine as not-yet-ready rather than panicking.
func NewHandler(redisService *bus.Service, engineChecker EngineChecker) *Handler {
	return &Handler{
		redisService:  redisService,
		engineChecker: engineChecker,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live — 200 if the process is alive, no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready — 200 only if every critical dependency is healthy,
// 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	engineStatus := h.checkEngine(ctx)
	checks["media_engine"] = engineStatus
	if engineStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using the PING command. Single
// instance mode (no bus configured) is always considered healthy.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkEngine verifies the media engine's worker pool is responsive.
func (h *Handler) checkEngine(ctx context.Context) string {
	if h.engineChecker == nil {
		return "unhealthy"
	}
	if !h.engineChecker.Healthy(ctx) {
		return "unhealthy"
	}
	return "healthy"
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
