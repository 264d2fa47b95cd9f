package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// EventPublisher mirrors room broadcasts to an external channel.
type EventPublisher interface {
	PublishRoomEvent(roomID, event string, payload []byte) error
}

// Hub maintains room_id -> set of connections and broadcasts messages.
// Connections register on upgrade and are attached to a room once they join one.
type Hub struct {
	clients map[string]*Client            // connID -> client
	rooms   map[string]map[string]*Client // roomID -> connID -> client
	roomOf  map[string]string             // connID -> roomID
	mu      sync.RWMutex
	logger  *zap.Logger
	mirror  EventPublisher
}

// NewHub creates a new WebSocket hub. mirror may be nil.
func NewHub(logger *zap.Logger, mirror EventPublisher) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		roomOf:  make(map[string]string),
		logger:  logger,
		mirror:  mirror,
	}
}

// Register adds a freshly upgraded connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID))
}

// Unregister removes a connection and its room attachment.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	h.detachLocked(c.ID)
	delete(h.clients, c.ID)
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID))
}

// Attach routes room broadcasts to the connection. A connection belongs to at most one room.
func (h *Hub) Attach(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	h.detachLocked(connID)
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][connID] = c
	h.roomOf[connID] = roomID
}

// Detach stops room broadcasts to the connection.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(connID)
}

func (h *Hub) detachLocked(connID string) {
	roomID, ok := h.roomOf[connID]
	if !ok {
		return
	}
	delete(h.roomOf, connID)
	if m, ok := h.rooms[roomID]; ok {
		delete(m, connID)
		if len(m) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Broadcast sends an event to every connection in the room and mirrors it.
func (h *Hub) Broadcast(roomID, event string, payload interface{}) {
	data, err := marshal(payload)
	if err != nil {
		h.logger.Error("marshal broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}

	if h.mirror != nil {
		if err := h.mirror.PublishRoomEvent(roomID, event, data); err != nil {
			h.logger.Warn("mirror room event", zap.String("room_id", roomID), zap.String("event", event), zap.Error(err))
		}
	}
}

// SendToClient sends a message to a single connection.
func (h *Hub) SendToClient(connID, event string, payload interface{}) {
	data, err := marshal(payload)
	if err != nil {
		h.logger.Error("marshal message", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.enqueue(WSMessage{Event: event, Data: data})
}

// RoomSize returns the number of connections attached to a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func marshal(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
