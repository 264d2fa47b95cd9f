package models

import (
	"time"

	"github.com/google/uuid"
)

// PollState is derived from a poll's timestamps; there is no paused state.
type PollState string

const (
	PollCreated PollState = "created"
	PollActive  PollState = "active"
	PollEnded   PollState = "ended"
)

// EndReason records why a poll left the active state.
type EndReason string

const (
	EndManual     EndReason = "manual"
	EndTimeout    EndReason = "timeout"
	EndReplaced   EndReason = "replaced"
	EndRoomClosed EndReason = "room_closed"
)

// Poll is one multiple-choice question asked in a room.
type Poll struct {
	ID               uuid.UUID  `json:"id"`
	RoomID           string     `json:"roomId"`
	Question         string     `json:"question"`
	Options          []string   `json:"options"`
	TimeLimitSeconds int        `json:"timeLimit"`
	CreatedBy        string     `json:"createdBy"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	EndReason        EndReason  `json:"endReason,omitempty"`
}

// State derives the lifecycle state.
func (p *Poll) State() PollState {
	switch {
	case p.EndedAt != nil:
		return PollEnded
	case p.StartedAt != nil:
		return PollActive
	default:
		return PollCreated
	}
}

// IsActive reports whether the poll accepts answers.
func (p *Poll) IsActive() bool { return p.State() == PollActive }

// TimeLeft returns whole seconds remaining at now, floored at zero.
// Polls that are not active have no time left.
func (p *Poll) TimeLeft(now time.Time) int {
	if !p.IsActive() {
		return 0
	}
	elapsed := int(now.Sub(*p.StartedAt) / time.Second)
	left := p.TimeLimitSeconds - elapsed
	if left < 0 {
		return 0
	}
	return left
}

// Clone returns a deep copy so callers can't mutate engine-owned state.
func (p *Poll) Clone() *Poll {
	if p == nil {
		return nil
	}
	c := *p
	c.Options = append([]string(nil), p.Options...)
	if p.StartedAt != nil {
		t := *p.StartedAt
		c.StartedAt = &t
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// PollView is the wire shape of a poll sent to participants.
type PollView struct {
	ID        uuid.UUID  `json:"id"`
	RoomID    string     `json:"roomId"`
	Question  string     `json:"question"`
	Options   []string   `json:"options"`
	TimeLimit int        `json:"timeLimit"`
	CreatedBy string     `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Status    PollState  `json:"status"`
	IsActive  bool       `json:"isActive"`
}

// View converts a poll to its wire shape.
func (p *Poll) View() *PollView {
	if p == nil {
		return nil
	}
	c := p.Clone()
	return &PollView{
		ID:        c.ID,
		RoomID:    c.RoomID,
		Question:  c.Question,
		Options:   c.Options,
		TimeLimit: c.TimeLimitSeconds,
		CreatedBy: c.CreatedBy,
		CreatedAt: c.CreatedAt,
		StartedAt: c.StartedAt,
		EndedAt:   c.EndedAt,
		Status:    c.State(),
		IsActive:  c.IsActive(),
	}
}

// PollSummary is a history row: a poll plus its response count.
type PollSummary struct {
	PollView
	ResponseCount int `json:"responseCount"`
}

// Answer is one student's response to one poll. (PollID, TabID) is unique.
type Answer struct {
	PollID              uuid.UUID `json:"pollId"`
	TabID               string    `json:"tabId"`
	StudentName         string    `json:"studentName"`
	SelectedOption      string    `json:"answer"`
	SelectedIndex       int       `json:"answerIndex"`
	ResponseTimeSeconds float64   `json:"responseTime"`
	AnsweredAt          time.Time `json:"answeredAt"`
}
