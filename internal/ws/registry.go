package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnInfo describes one live-tail connection.
type ConnInfo struct {
	ConnID      string    `json:"conn_id"`
	UserID      string    `json:"user_id"`
	ChatID      string    `json:"chat_id"`
	IP          string    `json:"ip"`
	RequestID   string    `json:"-"`
	TraceID     string    `json:"-"`
	ConnectedAt time.Time `json:"-"`
}

// Registry tracks open live-tail connections per chat so they can be counted
// and closed on shutdown.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*websocket.Conn]ConnInfo
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[*websocket.Conn]ConnInfo)}
}

func (r *Registry) Add(conn *websocket.Conn, info ConnInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[info.ChatID]; !ok {
		r.rooms[info.ChatID] = make(map[*websocket.Conn]ConnInfo)
	}
	r.rooms[info.ChatID][conn] = info
}

func (r *Registry) Remove(chatID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns, ok := r.rooms[chatID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.rooms, chatID)
		}
	}
}

// Count returns the number of connections tailing chatID.
func (r *Registry) Count(chatID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[chatID])
}

// CloseAll sends a going-away close frame to every connection and closes it.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]map[*websocket.Conn]ConnInfo)
	r.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	deadline := time.Now().Add(time.Second)
	for _, conns := range rooms {
		for conn := range conns {
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			conn.Close()
		}
	}
}
