package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"circle-service/internal/models"
	"circle-service/internal/services"
)

// ChatHandler manages one-to-one chat endpoints.
type ChatHandler struct {
	chat *services.ChatService
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chat *services.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// ListChats returns the chats visible to the authenticated user.
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.chat.ListChats(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if chats == nil {
		chats = []models.ChatListItem{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// OpenChat reports the chat with another user. The chat itself is created by
// the first message.
func (h *ChatHandler) OpenChat(c *gin.Context) {
	var req struct {
		OtherUID string `json:"other_uid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.chat.OpenChat(c.Request.Context(), userIDFromContext(c), req.OtherUID)
	if err != nil {
		writeError(c, err)
		return
	}
	handle.Close()
	c.JSON(http.StatusOK, openChatResponse{
		ChatID:      handle.ChatID,
		OtherUID:    handle.Other,
		IsFriend:    handle.IsFriend,
		IsTemporary: handle.IsTemporary,
		ExpireAt:    handle.ExpireAt,
	})
}

type openChatResponse struct {
	ChatID      string     `json:"chat_id"`
	OtherUID    string     `json:"other_uid"`
	IsFriend    bool       `json:"is_friend"`
	IsTemporary bool       `json:"is_temporary"`
	ExpireAt    *time.Time `json:"expire_at,omitempty"`
}

// PostChatMessage stores a chat message. The receiver is the other
// participant encoded in the chat id.
func (h *ChatHandler) PostChatMessage(c *gin.Context) {
	chatID := c.Param("chat_id")
	userID := userIDFromContext(c)
	receiver, ok := counterpart(chatID, userID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return
	}

	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.chat.SendMessage(c.Request.Context(), chatID, userID, receiver, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// GetChatMessages returns one page of history, newest first.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	var before *models.Cursor
	if raw := c.Query("before"); raw != "" {
		cursor, err := models.ParseCursor(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		before = &cursor
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	page, err := h.chat.PaginateOlder(c.Request.Context(), userIDFromContext(c), c.Param("chat_id"), before, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"messages": page.Messages, "exhausted": page.Exhausted}
	if page.Next != nil {
		resp["next_before"] = page.Next.String()
	}
	c.JSON(http.StatusOK, resp)
}

// MarkRead clears the caller's unread counter.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	if err := h.chat.MarkRead(c.Request.Context(), userIDFromContext(c), c.Param("chat_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteChat removes the chat and its history for both participants.
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	if err := h.chat.DeleteChat(c.Request.Context(), userIDFromContext(c), c.Param("chat_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SweepExpired deletes the caller's expired temporary chats.
func (h *ChatHandler) SweepExpired(c *gin.Context) {
	n, err := h.chat.SweepExpired(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func counterpart(chatID, userID string) (string, bool) {
	a, b, ok := models.SplitChatID(chatID)
	switch {
	case !ok:
		return "", false
	case a == userID:
		return b, true
	case b == userID:
		return a, true
	}
	return "", false
}
