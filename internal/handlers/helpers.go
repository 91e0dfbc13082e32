package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"circle-service/internal/middleware"
	"circle-service/internal/models"
	"circle-service/internal/observability"
	"circle-service/internal/repositories"
	"circle-service/internal/services"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(observability.RequestIDContextKey); id != "" {
		return id
	}
	requestID := observability.RequestIDFromRequest(c.Request)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(observability.RequestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}

// writeError maps service errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrInvalidArgument), errors.Is(err, models.ErrInvalidCursor),
		errors.Is(err, repositories.ErrBatchTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, services.ErrChatNotFound), errors.Is(err, services.ErrProfileNotFound),
		errors.Is(err, repositories.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrAlreadyFriends), errors.Is(err, services.ErrRequestExists),
		errors.Is(err, services.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, services.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", requestIDFromContext(c)).
			Str("route", c.FullPath()).
			Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// warningsOf renders a partial profile load for responses.
func warningsOf(partial *services.PartialBatchError) []string {
	if w := partial.Warnings(); w != nil {
		return w
	}
	return []string{}
}
