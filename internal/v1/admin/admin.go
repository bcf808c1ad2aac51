// Package admin is the thin read-only administrative HTTP surface (spec
// §1): room and engine introspection for operators, gated behind the
// same admin role the Signaling Session's `admin.*` messages require.
package admin

import (
	"net/http"
	"strings"

	"github.com/coresignal/sfuplane/internal/v1/auth"
	"github.com/coresignal/sfuplane/internal/v1/mediaengine"
	"github.com/coresignal/sfuplane/internal/v1/room"
	"github.com/gin-gonic/gin"
)

// Handler serves GET /admin/rooms, GET /admin/room/:name and
// GET /admin/metrics.
type Handler struct {
	rooms     *room.Registry
	adapter   *mediaengine.Adapter
	validator auth.TokenValidator
}

// NewHandler wires a Handler. adapter may be nil if the media engine is
// not enabled, in which case /admin/metrics reports a zero-value
// snapshot.
func NewHandler(rooms *room.Registry, adapter *mediaengine.Adapter, validator auth.TokenValidator) *Handler {
	return &Handler{rooms: rooms, adapter: adapter, validator: validator}
}

// RequireAdmin is gin middleware accepting a bearer token or ?token=
// query parameter, validating it, and requiring role == admin — the
// same rule the session's admin.* messages enforce.
func (h *Handler) RequireAdmin(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if authz := c.GetHeader("Authorization"); strings.HasPrefix(authz, "Bearer ") {
			token = strings.TrimPrefix(authz, "Bearer ")
		}
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	user := claims.ToUser()
	if user.Role != auth.RoleAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
		return
	}
	c.Set("admin_user", user)
	c.Next()
}

// Rooms handles GET /admin/rooms.
func (h *Handler) Rooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.Overview()})
}

// RoomInfo handles GET /admin/room/:name.
func (h *Handler) RoomInfo(c *gin.Context) {
	name := c.Param("name")
	info, ok := h.rooms.Info(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room does not exist"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Metrics handles GET /admin/metrics.
func (h *Handler) Metrics(c *gin.Context) {
	var stats mediaengine.AggregateStats
	if h.adapter != nil {
		stats = h.adapter.Metrics(c.Request.Context())
	}
	c.JSON(http.StatusOK, stats)
}

// RegisterRoutes mounts the admin surface under router's /admin group.
func RegisterRoutes(router gin.IRouter, h *Handler) {
	group := router.Group("/admin", h.RequireAdmin)
	group.GET("/rooms", h.Rooms)
	group.GET("/room/:name", h.RoomInfo)
	group.GET("/metrics", h.Metrics)
}
