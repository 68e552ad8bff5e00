package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"zing-server/internal/models"
	"zing-server/internal/observability"
)

// Hub maintains active websocket rooms, one per conversation. Joining a room
// is authorized by the membership engine before a connection reaches the hub.
type Hub struct {
	rooms    map[int]map[*websocket.Conn]bool
	connInfo map[int]map[*websocket.Conn]ConnInfo
	mu       sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:    make(map[int]map[*websocket.Conn]bool),
		connInfo: make(map[int]map[*websocket.Conn]ConnInfo),
	}
}

// AddClient registers a websocket connection to a conversation room.
func (h *Hub) AddClient(conversationID int, conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*websocket.Conn]bool)
	}
	h.rooms[conversationID][conn] = true
	if _, ok := h.connInfo[conversationID]; !ok {
		h.connInfo[conversationID] = make(map[*websocket.Conn]ConnInfo)
	}
	h.connInfo[conversationID][conn] = info
}

// RemoveClient removes a websocket connection from a room.
func (h *Hub) RemoveClient(conversationID int, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if infos, ok := h.connInfo[conversationID]; ok {
		delete(infos, conn)
		if len(infos) == 0 {
			delete(h.connInfo, conversationID)
		}
	}
}

// BroadcastMessage sends a new message to every client in the conversation
// room.
func (h *Hub) BroadcastMessage(conversationID int, msg models.Message) {
	h.broadcast(conversationID, models.ChatEvent{Type: "message", Message: &msg})
}

// BroadcastRead sends an updated read-receipt set to the conversation room.
func (h *Hub) BroadcastRead(conversationID int, msg models.Message) {
	h.broadcast(conversationID, models.ChatEvent{Type: "read", Message: &msg, MessageID: msg.ID})
}

// BroadcastCleared notifies clients that the conversation history was wiped.
func (h *Hub) BroadcastCleared(conversationID int) {
	h.broadcast(conversationID, models.ChatEvent{Type: "cleared"})
}

func (h *Hub) broadcast(conversationID int, event models.ChatEvent) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.rooms[conversationID]))
	for conn := range h.rooms[conversationID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	payload, _ := json.Marshal(event)
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("websocket write error: %v", err)
			conn.Close()
			h.RemoveClient(conversationID, conn)
			observability.IncWSEvent("ws_error")
		}
	}
}
