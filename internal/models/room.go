package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomState tracks a room through teacher presence.
type RoomState string

const (
	RoomForming     RoomState = "forming"
	RoomOpen        RoomState = "open"
	RoomGracePeriod RoomState = "grace_period"
	RoomClosed      RoomState = "closed"
)

// StudentRef is a room's view of a present student.
type StudentRef struct {
	TabID        string    `json:"tabId"`
	Name         string    `json:"name"`
	ConnectionID string    `json:"-"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Room is one teacher-led session and the unit of broadcast scoping.
type Room struct {
	ID                  string
	TeacherConnectionID string
	TeacherName         string
	TeacherID           string
	Students            map[string]StudentRef // by tab id
	ActivePollID        uuid.UUID
	LatestPollID        uuid.UUID
	CreatedAt           time.Time
	IsActive            bool
	State               RoomState
}

// NewRoom returns a room in the forming state.
func NewRoom(id, teacherName, teacherID string, now time.Time) *Room {
	return &Room{
		ID:          id,
		TeacherName: teacherName,
		TeacherID:   teacherID,
		Students:    make(map[string]StudentRef),
		CreatedAt:   now,
		IsActive:    true,
		State:       RoomForming,
	}
}

// HasActivePoll reports whether a poll is currently running in the room.
func (r *Room) HasActivePoll() bool { return r.ActivePollID != uuid.Nil }

// StudentCount is the number of present students.
func (r *Room) StudentCount() int { return len(r.Students) }

// Clone deep-copies the room including its student set.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Students = make(map[string]StudentRef, len(r.Students))
	for k, v := range r.Students {
		c.Students[k] = v
	}
	return &c
}

// Student is a participant record that survives reconnects of the same tab.
type Student struct {
	RoomID        string     `json:"roomId"`
	Name          string     `json:"name"`
	TabID         string     `json:"tabId"`
	ConnectionID  string     `json:"-"`
	IsActive      bool       `json:"isActive"`
	JoinedAt      time.Time  `json:"joinedAt"`
	LastSeenAt    time.Time  `json:"lastSeen"`
	CurrentPollID *uuid.UUID `json:"currentPollId,omitempty"`
}
