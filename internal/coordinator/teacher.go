package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/apperr"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/session"
)

// TeacherJoin opens a new room, or reconnects the teacher to req.RoomID when
// the teacher id matches or req.Token is a valid token for that room.
func (c *Coordinator) TeacherJoin(ctx context.Context, connID string, req TeacherJoinRequest) (*RoomCreated, error) {
	name := strings.TrimSpace(req.TeacherName)
	if name == "" {
		return nil, apperr.Validationf("teacherName is required")
	}
	teacherID := strings.TrimSpace(req.TeacherID)
	roomID := strings.TrimSpace(req.RoomID)

	if b, ok := c.sessions.Binding(connID); ok {
		if b.Role == session.RoleTeacher && (roomID == "" || roomID == b.RoomID) {
			if room, err := c.liveRoom(b.RoomID); err == nil && room.TeacherConnectionID == connID {
				return c.roomCreated(room, false)
			}
		}
		c.Disconnect(ctx, connID)
	}

	if roomID != "" {
		return c.reconnectTeacher(ctx, connID, roomID, name, teacherID, strings.TrimSpace(req.Token))
	}
	if teacherID == "" {
		teacherID = uuid.NewString()
	}

	now := c.sched.Now()
	room := models.NewRoom(newRoomID(now), name, teacherID, now)
	unlock := c.lock(room.ID)
	defer unlock()

	room.TeacherConnectionID = connID
	created, err := c.roomCreated(room, false)
	if err != nil {
		return nil, err
	}
	room.State = models.RoomOpen
	c.sessions.Upsert(room)
	c.sessions.Bind(session.Binding{ConnectionID: connID, RoomID: room.ID, Role: session.RoleTeacher, Name: name})
	c.bc.Attach(connID, room.ID)

	c.logger.Info("room created",
		zap.String("room_id", room.ID),
		zap.String("teacher_id", teacherID),
		zap.String("conn_id", connID))
	return created, nil
}

func (c *Coordinator) reconnectTeacher(ctx context.Context, connID, roomID, name, teacherID, token string) (*RoomCreated, error) {
	unlock := c.lock(roomID)
	defer unlock()

	room, err := c.liveRoom(roomID)
	if err != nil {
		return nil, err
	}
	authorized := teacherID != "" && teacherID == room.TeacherID
	if !authorized && token != "" && c.tokens != nil {
		claims, err := c.tokens.Validate(token)
		authorized = err == nil && claims.RoomID == room.ID
	}
	if !authorized {
		return nil, ErrNotTeacher
	}

	c.cancelGrace(room.ID)
	wasAway := room.State == models.RoomGracePeriod
	if old := room.TeacherConnectionID; old != "" && old != connID {
		c.sessions.UnbindIf(old, func(b session.Binding) bool {
			return b.RoomID == room.ID && b.Role == session.RoleTeacher
		})
		c.bc.Detach(old)
	}
	room.TeacherConnectionID = connID
	room.TeacherName = name
	room.State = models.RoomOpen
	c.sessions.Upsert(room)
	c.sessions.Bind(session.Binding{ConnectionID: connID, RoomID: room.ID, Role: session.RoleTeacher, Name: name})
	c.bc.Attach(connID, room.ID)

	if wasAway {
		c.bc.Broadcast(room.ID, EventTeacherReconnected, TeacherPresence{RoomID: room.ID, TeacherName: name})
	}
	c.logger.Info("teacher reconnected",
		zap.String("room_id", room.ID),
		zap.String("conn_id", connID),
		zap.Bool("from_grace", wasAway))
	return c.roomCreated(room, true)
}

func (c *Coordinator) roomCreated(room *models.Room, reconnected bool) (*RoomCreated, error) {
	out := &RoomCreated{
		RoomID:        room.ID,
		TeacherName:   room.TeacherName,
		TeacherID:     room.TeacherID,
		StudentsCount: room.StudentCount(),
		Reconnected:   reconnected,
	}
	if c.tokens != nil {
		tok, err := c.tokens.Generate(room.ID, room.TeacherID, room.TeacherName)
		if err != nil {
			return nil, apperr.Wrap(apperr.Server, "failed to issue room token", err)
		}
		out.Token = tok
	}
	if active, ok := c.engine.Active(room.ID); ok {
		out.ActivePoll = active.View()
	}
	return out, nil
}

// teacherLeft starts the room's grace period.
func (c *Coordinator) teacherLeft(b session.Binding) {
	unlock := c.lock(b.RoomID)
	defer unlock()

	if !c.sessions.UnbindIf(b.ConnectionID, func(cur session.Binding) bool {
		return cur.RoomID == b.RoomID && cur.Role == session.RoleTeacher
	}) {
		return
	}
	room, ok := c.sessions.Get(b.RoomID)
	if !ok || room.TeacherConnectionID != b.ConnectionID {
		return
	}
	room.TeacherConnectionID = ""
	room.State = models.RoomGracePeriod
	c.sessions.Upsert(room)
	c.armGrace(room.ID)

	c.bc.Broadcast(room.ID, EventTeacherDisconnected, TeacherPresence{
		RoomID:      room.ID,
		TeacherName: room.TeacherName,
		GraceSecs:   int(c.cfg.GracePeriod / time.Second),
	})
	c.logger.Info("teacher disconnected, grace period started",
		zap.String("room_id", room.ID),
		zap.Duration("grace", c.cfg.GracePeriod))
}

// armGrace replaces any pending grace timer of the room with a new one.
func (c *Coordinator) armGrace(roomID string) {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()
	if g, ok := c.graces[roomID]; ok {
		g.timer.Stop()
	}
	c.graceGen++
	gen := c.graceGen
	t := c.sched.Schedule(c.cfg.GracePeriod, func() { c.expireGrace(roomID, gen) })
	c.graces[roomID] = &graceTimer{timer: t, gen: gen}
}

func (c *Coordinator) cancelGrace(roomID string) {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()
	if g, ok := c.graces[roomID]; ok {
		g.timer.Stop()
		delete(c.graces, roomID)
	}
}

// GraceActive reports whether a grace timer is pending for the room.
func (c *Coordinator) GraceActive(roomID string) bool {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()
	_, ok := c.graces[roomID]
	return ok
}

// expireGrace closes the room if its grace period is still the current one.
func (c *Coordinator) expireGrace(roomID string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	unlock := c.lock(roomID)
	defer unlock()

	c.graceMu.Lock()
	g, ok := c.graces[roomID]
	if !ok || g.gen != gen {
		c.graceMu.Unlock()
		return
	}
	delete(c.graces, roomID)
	c.graceMu.Unlock()

	room, ok := c.sessions.Get(roomID)
	if !ok || room.State != models.RoomGracePeriod {
		return
	}

	if active, ok := c.engine.Active(roomID); ok {
		if _, err := c.endPollLocked(ctx, roomID, active.ID, models.EndRoomClosed); err != nil {
			c.logger.Error("end poll on room close", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	c.bc.Broadcast(roomID, EventRoomClosed, RoomClosed{RoomID: roomID, Reason: "teacher_timeout"})

	now := c.sched.Now()
	for _, b := range c.sessions.UnbindRoom(roomID) {
		c.bc.Detach(b.ConnectionID)
		if b.Role == session.RoleStudent {
			if err := c.repo.MarkStudentInactive(ctx, roomID, b.TabID, now); err != nil {
				c.logger.Warn("mark student inactive on close",
					zap.String("room_id", roomID),
					zap.String("tab_id", b.TabID),
					zap.Error(err))
			}
		}
	}
	c.sessions.RemoveIf(roomID, func(r *models.Room) bool { return r.State == models.RoomGracePeriod })
	c.engine.Forget(roomID)

	c.logger.Info("room closed", zap.String("room_id", roomID), zap.Int("students", room.StudentCount()))
}
