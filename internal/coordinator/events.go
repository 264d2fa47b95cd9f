package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/aura-classroom/livepoll/internal/models"
)

// Outbound event names.
const (
	EventRoomCreated         = "room-created"
	EventPollCreated         = "poll-created"
	EventPollStarted         = "poll-started"
	EventPollEnded           = "poll-ended"
	EventJoinedRoom          = "joined-room"
	EventStudentJoined       = "student-joined"
	EventActivePoll          = "active-poll"
	EventTimerSync           = "timer-sync"
	EventAnswerSubmitted     = "answer-submitted"
	EventNewResponse         = "new-response"
	EventResultsUpdate       = "results-update"
	EventPollStatus          = "poll-status"
	EventStudentDisconnected = "student-disconnected"
	EventTeacherDisconnected = "teacher-disconnected"
	EventTeacherReconnected  = "teacher-reconnected"
	EventRoomClosed          = "room-closed"
	EventLiveStats           = "live-stats"
	EventError               = "error"
)

// TeacherJoinRequest is the teacher-join payload. RoomID and Token are only
// set when a teacher reconnects to an existing room.
type TeacherJoinRequest struct {
	TeacherName string `json:"teacherName"`
	TeacherID   string `json:"teacherId"`
	RoomID      string `json:"roomId,omitempty"`
	Token       string `json:"token,omitempty"`
}

// RoomCreated is sent to the teacher after teacher-join.
type RoomCreated struct {
	RoomID        string           `json:"roomId"`
	TeacherName   string           `json:"teacherName"`
	TeacherID     string           `json:"teacherId"`
	StudentsCount int              `json:"studentsCount"`
	Token         string           `json:"token,omitempty"`
	Reconnected   bool             `json:"reconnected"`
	ActivePoll    *models.PollView `json:"activePoll,omitempty"`
}

// StudentJoinRequest is the student-join payload.
type StudentJoinRequest struct {
	Name   string `json:"name"`
	TabID  string `json:"tabId"`
	RoomID string `json:"roomId,omitempty"`
}

// JoinedRoom is sent to the joining student.
type JoinedRoom struct {
	RoomID        string `json:"roomId"`
	StudentsCount int    `json:"studentsCount"`
	TeacherName   string `json:"teacherName"`
	TabID         string `json:"tabId"`
	Reconnected   bool   `json:"reconnected"`
}

// StudentInfo is the public part of a student.
type StudentInfo struct {
	TabID    string    `json:"tabId"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// StudentJoined is broadcast to the room when a student joins.
type StudentJoined struct {
	Student       StudentInfo `json:"student"`
	TotalStudents int         `json:"totalStudents"`
}

// ActivePoll is the snapshot sent to a student joining mid-poll.
type ActivePoll struct {
	Poll        *models.PollView `json:"poll"`
	TimeLeft    int              `json:"timeLeft"`
	HasAnswered bool             `json:"hasAnswered"`
}

// TimerSync reports the remaining seconds of a poll.
type TimerSync struct {
	PollID     uuid.UUID  `json:"pollId,omitempty"`
	TimeLeft   int        `json:"timeLeft"`
	PollActive bool       `json:"pollActive"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
}

// StudentJoinResult carries everything the joining student is sent.
type StudentJoinResult struct {
	Joined     JoinedRoom
	ActivePoll *ActivePoll
	TimerSync  *TimerSync
}

// CreatePollRequest is the create-poll payload. Replace ends a running poll
// even when present students have not answered yet.
type CreatePollRequest struct {
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	TimeLimit int      `json:"timeLimit"`
	CreatedBy string   `json:"createdBy"`
	Replace   bool     `json:"replace,omitempty"`
}

// PollCreated is broadcast after a poll is created.
type PollCreated struct {
	Poll *models.PollView `json:"poll"`
}

// PollStarted is broadcast when a poll becomes active.
type PollStarted struct {
	PollID    uuid.UUID  `json:"pollId"`
	Question  string     `json:"question"`
	Options   []string   `json:"options"`
	TimeLimit int        `json:"timeLimit"`
	StartedAt *time.Time `json:"startedAt"`
}

// PollEnded is broadcast when a poll ends for any reason.
type PollEnded struct {
	PollID  uuid.UUID            `json:"pollId"`
	Results []models.ResultEntry `json:"results"`
	Stats   models.Stats         `json:"stats"`
	EndedAt *time.Time           `json:"endedAt"`
	Reason  models.EndReason     `json:"reason"`
}

// SubmitAnswerRequest is the submit-answer payload. PollID is optional and
// defaults to the room's active poll.
type SubmitAnswerRequest struct {
	PollID       string  `json:"pollId,omitempty"`
	Answer       string  `json:"answer"`
	AnswerIndex  *int    `json:"answerIndex"`
	ResponseTime float64 `json:"responseTime"`
}

// AnswerSubmitted confirms an accepted answer to the student.
type AnswerSubmitted struct {
	PollID       uuid.UUID `json:"pollId"`
	Answer       string    `json:"answer"`
	AnswerIndex  int       `json:"answerIndex"`
	AnsweredAt   time.Time `json:"answeredAt"`
	ResponseTime float64   `json:"responseTime"`
}

// NewResponse is the per-answer activity broadcast.
type NewResponse struct {
	PollID         uuid.UUID `json:"pollId"`
	StudentName    string    `json:"studentName"`
	Answer         string    `json:"answer"`
	AnswerIndex    int       `json:"answerIndex"`
	TotalResponses int       `json:"totalResponses"`
	ResponseTime   float64   `json:"responseTime"`
}

// ResultsUpdate is the aggregate broadcast after every accepted answer.
type ResultsUpdate struct {
	PollID         uuid.UUID            `json:"pollId"`
	Results        []models.ResultEntry `json:"results"`
	TotalResponses int                  `json:"totalResponses"`
}

// PollStatus answers get-poll-status. ActivePoll is the room's most recent
// poll in any state, or nil.
type PollStatus struct {
	RoomID         string               `json:"roomId"`
	ActivePoll     *models.PollView     `json:"activePoll"`
	Results        []models.ResultEntry `json:"results"`
	Stats          *models.Stats        `json:"stats,omitempty"`
	TotalResponses int                  `json:"totalResponses"`
	TimeLeft       int                  `json:"timeLeft"`
	StudentsCount  int                  `json:"studentsCount"`
}

// StudentDisconnected is broadcast when a student's connection drops.
type StudentDisconnected struct {
	TabID         string `json:"tabId"`
	StudentName   string `json:"studentName"`
	TotalStudents int    `json:"totalStudents"`
}

// TeacherPresence is broadcast when the teacher leaves or returns.
type TeacherPresence struct {
	RoomID      string `json:"roomId"`
	TeacherName string `json:"teacherName"`
	GraceSecs   int    `json:"gracePeriodSeconds,omitempty"`
}

// RoomClosed is broadcast once when a room's grace period expires.
type RoomClosed struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// LiveStats is a room summary broadcast on membership and answer changes.
type LiveStats struct {
	TotalStudents  int        `json:"totalStudents"`
	ActivePollID   *uuid.UUID `json:"activePollId,omitempty"`
	TotalResponses int        `json:"totalResponses"`
}

// History is a page of a room's polls.
type History struct {
	Polls []models.PollSummary `json:"polls"`
	Total int                  `json:"total"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
}

// ErrorEvent is sent only to the requester.
type ErrorEvent struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
