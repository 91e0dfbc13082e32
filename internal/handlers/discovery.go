package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"circle-service/internal/services"
)

// DiscoveryHandler serves location updates, nearby discovery and profile
// lookups.
type DiscoveryHandler struct {
	discovery *services.DiscoveryService
	profiles  *services.ProfileLoader
}

func NewDiscoveryHandler(discovery *services.DiscoveryService, profiles *services.ProfileLoader) *DiscoveryHandler {
	return &DiscoveryHandler{discovery: discovery, profiles: profiles}
}

type locationRequest struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lng *float64 `json:"lng" binding:"required"`
}

// UpdateLocation stores the caller's current position.
func (h *DiscoveryHandler) UpdateLocation(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.discovery.UpdateLocation(c.Request.Context(), userIDFromContext(c), *req.Lat, *req.Lng); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Discover updates the caller's position and returns the users within range.
func (h *DiscoveryHandler) Discover(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng query parameters are required"})
		return
	}

	result, err := h.discovery.DiscoverNearby(c.Request.Context(), userIDFromContext(c), lat, lng)
	if err != nil {
		writeError(c, err)
		return
	}
	profiles := result.Profiles
	if profiles == nil {
		profiles = []services.NearbyProfile{}
	}
	c.JSON(http.StatusOK, gin.H{
		"profiles":     profiles,
		"warnings":     warningsOf(result.Partial),
		"refreshed_at": result.At,
	})
}

// GetProfile returns a single user's public profile.
func (h *DiscoveryHandler) GetProfile(c *gin.Context) {
	profile, err := h.profiles.Get(c.Request.Context(), c.Param("uid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}
