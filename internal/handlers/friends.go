package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"circle-service/internal/models"
	"circle-service/internal/services"
)

// FriendHandler exposes the friend graph.
type FriendHandler struct {
	friends *services.FriendService
}

func NewFriendHandler(friends *services.FriendService) *FriendHandler {
	return &FriendHandler{friends: friends}
}

// ListFriends returns the caller's friends.
func (h *FriendHandler) ListFriends(c *gin.Context) {
	list, err := h.friends.ListFriends(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	profiles := list.Profiles
	if profiles == nil {
		profiles = []models.Profile{}
	}
	c.JSON(http.StatusOK, gin.H{"friends": profiles, "warnings": warningsOf(list.Partial)})
}

// ListIncoming returns pending requests addressed to the caller.
func (h *FriendHandler) ListIncoming(c *gin.Context) {
	list, err := h.friends.ListIncomingRequests(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": list.Requests, "warnings": warningsOf(list.Partial)})
}

func (h *FriendHandler) ListOutgoing(c *gin.Context) {
	reqs, err := h.friends.ListOutgoingRequests(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if reqs == nil {
		reqs = []models.FriendRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

// SendRequest creates a pending request from the caller.
func (h *FriendHandler) SendRequest(c *gin.Context) {
	var req struct {
		ToUID string `json:"to_uid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.friends.SendRequest(c.Request.Context(), userIDFromContext(c), req.ToUID)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if !out.Applied {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

func (h *FriendHandler) AcceptRequest(c *gin.Context) {
	out, err := h.friends.AcceptRequest(c.Request.Context(), userIDFromContext(c), c.Param("uid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *FriendHandler) RejectRequest(c *gin.Context) {
	out, err := h.friends.RejectRequest(c.Request.Context(), userIDFromContext(c), c.Param("uid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// RemoveFriend ends a friendship. A chat between the two becomes temporary
// again.
func (h *FriendHandler) RemoveFriend(c *gin.Context) {
	out, err := h.friends.RemoveFriend(c.Request.Context(), userIDFromContext(c), c.Param("uid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
