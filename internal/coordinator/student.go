package coordinator

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/admission"
	"github.com/aura-classroom/livepoll/internal/apperr"
	"github.com/aura-classroom/livepoll/internal/lifecycle"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/session"
	"github.com/aura-classroom/livepoll/internal/store"
)

const (
	minNameLength = 2
	maxNameLength = 50
)

// StudentJoin adds a student to a room. A known tab id reconnects the
// existing participant and only swaps its connection.
func (c *Coordinator) StudentJoin(ctx context.Context, connID string, req StudentJoinRequest) (*StudentJoinResult, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < minNameLength || n > maxNameLength {
		return nil, apperr.Validationf("name must be between %d and %d characters", minNameLength, maxNameLength)
	}
	tabID := strings.TrimSpace(req.TabID)
	if tabID == "" {
		tabID = connID
	}
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		room, ok := c.sessions.LatestOpen()
		if !ok {
			return nil, ErrNoOpenRoom
		}
		roomID = room.ID
	}

	if b, ok := c.sessions.Binding(connID); ok {
		if b.RoomID != roomID || b.Role != session.RoleStudent || b.TabID != tabID {
			c.Disconnect(ctx, connID)
		}
	}

	unlock := c.lock(roomID)
	defer unlock()

	room, err := c.liveRoom(roomID)
	if err != nil {
		return nil, err
	}
	now := c.sched.Now()

	existing, err := c.repo.GetStudent(ctx, roomID, tabID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.Server, "failed to join session", err)
	}
	student := &models.Student{
		RoomID:       roomID,
		Name:         name,
		TabID:        tabID,
		ConnectionID: connID,
		IsActive:     true,
		JoinedAt:     now,
		LastSeenAt:   now,
	}
	if existing != nil {
		student.JoinedAt = existing.JoinedAt
		student.CurrentPollID = existing.CurrentPollID
	}
	if err := c.repo.UpsertStudent(ctx, student); err != nil {
		return nil, apperr.Wrap(apperr.Server, "failed to join session", err)
	}

	oldConn := room.Students[tabID].ConnectionID
	room.Students[tabID] = models.StudentRef{TabID: tabID, Name: name, ConnectionID: connID, JoinedAt: student.JoinedAt}
	c.sessions.Upsert(room)
	if oldConn != "" && oldConn != connID {
		c.sessions.UnbindIf(oldConn, func(b session.Binding) bool {
			return b.RoomID == roomID && b.TabID == tabID
		})
		c.bc.Detach(oldConn)
	}
	c.sessions.Bind(session.Binding{ConnectionID: connID, RoomID: roomID, Role: session.RoleStudent, TabID: tabID, Name: name})
	c.bc.Attach(connID, roomID)

	c.bc.Broadcast(roomID, EventStudentJoined, StudentJoined{
		Student:       StudentInfo{TabID: tabID, Name: name, JoinedAt: student.JoinedAt},
		TotalStudents: room.StudentCount(),
	})
	c.broadcastLiveStats(ctx, roomID)

	out := &StudentJoinResult{Joined: JoinedRoom{
		RoomID:        roomID,
		StudentsCount: room.StudentCount(),
		TeacherName:   room.TeacherName,
		TabID:         tabID,
		Reconnected:   existing != nil,
	}}
	if active, ok := c.engine.Active(roomID); ok {
		answered, err := c.repo.HasAnswered(ctx, active.ID, tabID)
		if err != nil {
			c.logger.Warn("check answered on join", zap.String("tab_id", tabID), zap.Error(err))
		}
		left := active.TimeLeft(now)
		out.ActivePoll = &ActivePoll{Poll: active.View(), TimeLeft: left, HasAnswered: answered}
		out.TimerSync = &TimerSync{PollID: active.ID, TimeLeft: left, PollActive: true, StartedAt: active.StartedAt}
	}

	c.logger.Info("student joined",
		zap.String("room_id", roomID),
		zap.String("tab_id", tabID),
		zap.Bool("reconnected", existing != nil))
	return out, nil
}

// SubmitAnswer admits a student's answer and broadcasts the activity and the
// updated aggregate to the room.
func (c *Coordinator) SubmitAnswer(ctx context.Context, actor Actor, req SubmitAnswerRequest) (*AnswerSubmitted, error) {
	if actor.Role != session.RoleStudent || actor.RoomID == "" {
		return nil, ErrNotJoined
	}
	if req.AnswerIndex == nil {
		return nil, apperr.Validationf("answerIndex is required")
	}
	// Held across the active check and the insert; a concurrent end waits.
	unlock := c.lock(actor.RoomID)
	defer unlock()

	if _, err := c.liveRoom(actor.RoomID); err != nil {
		return nil, err
	}

	var poll *models.Poll
	if req.PollID != "" {
		id, err := ParsePollID(req.PollID)
		if err != nil {
			return nil, err
		}
		if poll, err = c.engine.Get(ctx, id); err != nil {
			return nil, notActive(err)
		}
		if poll.RoomID != actor.RoomID {
			return nil, admission.ErrPollNotActive
		}
	} else {
		active, ok := c.engine.Active(actor.RoomID)
		if !ok {
			return nil, admission.ErrPollNotActive
		}
		poll = active
	}

	ans, err := c.admission.Submit(ctx, admission.SubmitParams{
		PollID:         poll.ID,
		TabID:          actor.TabID,
		StudentName:    actor.Name,
		SelectedOption: req.Answer,
		SelectedIndex:  *req.AnswerIndex,
		ResponseTime:   req.ResponseTime,
	})
	if err != nil {
		return nil, err
	}
	c.touchStudent(ctx, actor, ans)

	res, err := c.results.Compute(ctx, poll.ID)
	if err != nil {
		c.logger.Error("compute results after answer", zap.String("poll_id", poll.ID.String()), zap.Error(err))
	} else {
		c.bc.Broadcast(actor.RoomID, EventNewResponse, NewResponse{
			PollID:         poll.ID,
			StudentName:    ans.StudentName,
			Answer:         ans.SelectedOption,
			AnswerIndex:    ans.SelectedIndex,
			TotalResponses: res.Stats.TotalResponses,
			ResponseTime:   ans.ResponseTimeSeconds,
		})
		c.bc.Broadcast(actor.RoomID, EventResultsUpdate, ResultsUpdate{
			PollID:         poll.ID,
			Results:        res.Entries,
			TotalResponses: res.Stats.TotalResponses,
		})
		c.broadcastLiveStats(ctx, actor.RoomID)
	}

	return &AnswerSubmitted{
		PollID:       ans.PollID,
		Answer:       ans.SelectedOption,
		AnswerIndex:  ans.SelectedIndex,
		AnsweredAt:   ans.AnsweredAt,
		ResponseTime: ans.ResponseTimeSeconds,
	}, nil
}

func notActive(err error) error {
	if errors.Is(err, lifecycle.ErrPollNotFound) {
		return admission.ErrPollNotActive
	}
	return err
}

// touchStudent records the answered poll and activity time on the student.
func (c *Coordinator) touchStudent(ctx context.Context, actor Actor, ans *models.Answer) {
	s, err := c.repo.GetStudent(ctx, actor.RoomID, actor.TabID)
	if err != nil {
		c.logger.Debug("student record missing on answer", zap.String("tab_id", actor.TabID), zap.Error(err))
		return
	}
	pollID := ans.PollID
	s.CurrentPollID = &pollID
	s.LastSeenAt = ans.AnsweredAt
	if err := c.repo.UpsertStudent(ctx, s); err != nil {
		c.logger.Warn("update student after answer", zap.String("tab_id", actor.TabID), zap.Error(err))
	}
}

// Disconnect handles a dropped transport connection.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	b, ok := c.sessions.Binding(connID)
	if ok {
		switch b.Role {
		case session.RoleTeacher:
			c.teacherLeft(b)
		case session.RoleStudent:
			c.studentLeft(ctx, b)
		}
	}
	c.bc.Detach(connID)
}

// studentLeft removes the student from the room if b is still the
// student's current connection. The stored record is kept, inactive.
func (c *Coordinator) studentLeft(ctx context.Context, b session.Binding) {
	unlock := c.lock(b.RoomID)
	defer unlock()

	if !c.sessions.UnbindIf(b.ConnectionID, func(cur session.Binding) bool {
		return cur.RoomID == b.RoomID && cur.TabID == b.TabID
	}) {
		return
	}
	room, ok := c.sessions.Get(b.RoomID)
	if !ok {
		return
	}
	ref, ok := room.Students[b.TabID]
	if !ok || ref.ConnectionID != b.ConnectionID {
		return
	}
	delete(room.Students, b.TabID)
	c.sessions.Upsert(room)

	if err := c.repo.MarkStudentInactive(ctx, b.RoomID, b.TabID, c.sched.Now()); err != nil {
		c.logger.Warn("mark student inactive", zap.String("tab_id", b.TabID), zap.Error(err))
	}
	c.bc.Broadcast(b.RoomID, EventStudentDisconnected, StudentDisconnected{
		TabID:         b.TabID,
		StudentName:   ref.Name,
		TotalStudents: room.StudentCount(),
	})
	c.broadcastLiveStats(ctx, b.RoomID)
	c.logger.Info("student disconnected", zap.String("room_id", b.RoomID), zap.String("tab_id", b.TabID))
}

// ActiveStudents lists the active student records of a room.
func (c *Coordinator) ActiveStudents(ctx context.Context, roomID string) ([]models.Student, error) {
	students, err := c.repo.ListActiveStudents(ctx, roomID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Server, "failed to list students", err)
	}
	if students == nil {
		students = []models.Student{}
	}
	return students, nil
}
