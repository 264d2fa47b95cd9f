// Package session is the in-memory registry of rooms and of which connection
// is bound to which room and role.
package session

import (
	"sync"

	"github.com/aura-classroom/livepoll/internal/models"
)

// Role is the part a connection plays in its room.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Binding ties a transport connection to a room.
type Binding struct {
	ConnectionID string
	RoomID       string
	Role         Role
	TabID        string
	Name         string
}

// Store is the room and binding registry. Rooms handed out are copies; writes
// go through Upsert or RemoveIf.
type Store interface {
	Get(roomID string) (*models.Room, bool)
	Upsert(room *models.Room)
	// RemoveIf deletes the room only if match approves the current value.
	RemoveIf(roomID string, match func(*models.Room) bool) bool
	// LatestOpen returns the most recently created room in the open state.
	LatestOpen() (*models.Room, bool)
	RoomIDs() []string

	Binding(connID string) (Binding, bool)
	Bind(b Binding)
	// UnbindIf deletes the binding only if match approves the current value.
	UnbindIf(connID string, match func(Binding) bool) bool
	// UnbindRoom removes and returns every binding of a room.
	UnbindRoom(roomID string) []Binding
}

// Memory implements Store with maps guarded by one RWMutex.
type Memory struct {
	mu       sync.RWMutex
	rooms    map[string]*models.Room
	bindings map[string]Binding
}

// NewMemory creates an empty session store.
func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string]*models.Room),
		bindings: make(map[string]Binding),
	}
}

// Get returns a copy of a room.
func (m *Memory) Get(roomID string) (*models.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Upsert stores a copy of room.
func (m *Memory) Upsert(room *models.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = room.Clone()
}

// RemoveIf deletes roomID when match(current) is true. A nil match always matches.
func (m *Memory) RemoveIf(roomID string, match func(*models.Room) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	if match != nil && !match(r.Clone()) {
		return false
	}
	delete(m.rooms, roomID)
	return true
}

// LatestOpen picks the newest open room.
func (m *Memory) LatestOpen() (*models.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Room
	for _, r := range m.rooms {
		if r.State != models.RoomOpen {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, false
	}
	return latest.Clone(), true
}

// RoomIDs lists every known room.
func (m *Memory) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Binding returns the binding of a connection.
func (m *Memory) Binding(connID string) (Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[connID]
	return b, ok
}

// Bind sets or replaces the binding of b.ConnectionID.
func (m *Memory) Bind(b Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[b.ConnectionID] = b
}

// UnbindIf deletes the binding when match(current) is true. A nil match always matches.
func (m *Memory) UnbindIf(connID string, match func(Binding) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[connID]
	if !ok {
		return false
	}
	if match != nil && !match(b) {
		return false
	}
	delete(m.bindings, connID)
	return true
}

// UnbindRoom removes all bindings that point at roomID.
func (m *Memory) UnbindRoom(roomID string) []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Binding
	for id, b := range m.bindings {
		if b.RoomID == roomID {
			out = append(out, b)
			delete(m.bindings, id)
		}
	}
	return out
}
