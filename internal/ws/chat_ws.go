package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"circle-service/internal/middleware"
	"circle-service/internal/models"
	"circle-service/internal/observability"
	"circle-service/internal/services"
	"circle-service/internal/stream"
	"circle-service/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// LiveTail is the part of the chat service the websocket endpoint needs.
type LiveTail interface {
	SubscribeLiveTail(ctx context.Context, uid, chatID string, since models.Cursor) (*stream.Subscription, error)
	MarkRead(ctx context.Context, uid, chatID string) error
}

// ChatWebSocketHandler streams a chat's messages to a websocket client.
type ChatWebSocketHandler struct {
	chats    LiveTail
	registry *Registry
	events   services.EventEmitter
	logger   zerolog.Logger
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(chats LiveTail, registry *Registry, events services.EventEmitter) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		chats:    chats,
		registry: registry,
		events:   events,
		logger:   log.With().Str("component", "ws").Logger(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type clientFrame struct {
	Type string `json:"type"`
}

type connEvent struct {
	ConnInfo
	DurationMs int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
}

// Handle subscribes the caller to the chat and upgrades the connection. The
// handler returns when the connection ends.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	chatID := c.Param("chat_id")
	userID := c.GetString(middleware.UserIDKey)

	var since models.Cursor
	if raw := c.Query("since"); raw != "" {
		cursor, err := models.ParseCursor(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since cursor"})
			return
		}
		since = cursor
	}

	hsCtx, span := observability.StartSpan(c.Request.Context(), "ws.handshake", "chat_id", chatID)
	ctx, cancel := context.WithCancel(context.WithoutCancel(hsCtx))
	defer cancel()

	sub, err := h.chats.SubscribeLiveTail(ctx, userID, chatID, since)
	if err != nil {
		span.RecordError(err)
		span.End()
		c.JSON(subscribeStatus(err), gin.H{"error": err.Error()})
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		ChatID:      chatID,
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromContext(hsCtx),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	span.End()

	h.registry.Add(conn, info)
	observability.IncWSActive("chat")
	observability.IncWSEvent("chat", "ws_connect")
	h.emit(ctx, telemetry.EventWSConnect, connEvent{ConnInfo: info})

	readErr := make(chan error, 1)
	go h.readLoop(ctx, conn, info, readErr, cancel)
	reason := h.writeLoop(conn, sub, readErr)

	h.registry.Remove(chatID, conn)
	conn.Close()
	observability.DecWSActive("chat")
	observability.IncWSEvent("chat", "ws_disconnect")
	h.emit(ctx, telemetry.EventWSDisconnect, connEvent{
		ConnInfo:   info,
		DurationMs: time.Since(info.ConnectedAt).Milliseconds(),
		Reason:     reason,
	})
}

// readLoop handles pongs and client frames. Any read error ends the tail.
func (h *ChatWebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, info ConnInfo, readErr chan<- error, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "read" {
			if err := h.chats.MarkRead(ctx, info.UserID, info.ChatID); err != nil {
				h.logger.Warn().Err(err).Str("chat_id", info.ChatID).Msg("mark read from websocket failed")
			}
		}
	}
}

// writeLoop is the only writer of data frames. It returns the close reason.
func (h *ChatWebSocketHandler) writeLoop(conn *websocket.Conn, sub *stream.Subscription, readErr <-chan error) string {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return h.finish(conn, sub, readErr)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(models.ChatEvent{Type: "message", Message: &msg}); err != nil {
				observability.IncWSEvent("chat", "ws_error")
				return err.Error()
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err.Error()
			}
		}
	}
}

// finish tells the client why the tail ended when the server ended it.
func (h *ChatWebSocketHandler) finish(conn *websocket.Conn, sub *stream.Subscription, readErr <-chan error) string {
	select {
	case err := <-readErr:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			observability.IncWSEvent("chat", "ws_error")
		}
		return err.Error()
	default:
	}

	reason, code := "closed", websocket.CloseNormalClosure
	if err := sub.Err(); err != nil {
		reason, code = err.Error(), websocket.CloseInternalServerErr
		if errors.Is(err, stream.ErrSlowConsumer) {
			reason, code = "slow_consumer", websocket.CloseTryAgainLater
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(models.ChatEvent{Type: "closed", Reason: reason})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	return reason
}

func (h *ChatWebSocketHandler) emit(ctx context.Context, eventType string, payload connEvent) {
	if h.events == nil {
		return
	}
	h.events.Emit(ctx, eventType, payload.UserID, payload)
}

func subscribeStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrChatNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
