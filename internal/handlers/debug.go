package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"circle-service/internal/services"
	"circle-service/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, emitter services.EventEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.POST("/debug/event-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), telemetry.EventAuditLog, userIDFromContext(c), gin.H{
			"message":    "event test",
			"request_id": requestIDFromContext(c),
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
