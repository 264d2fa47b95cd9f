package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/apperr"
	"github.com/aura-classroom/livepoll/internal/lifecycle"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/results"
	"github.com/aura-classroom/livepoll/internal/session"
	"github.com/aura-classroom/livepoll/internal/store"
)

func requireTeacher(a Actor) error {
	if a.Role != session.RoleTeacher || a.RoomID == "" {
		return ErrNotTeacher
	}
	return nil
}

// CreatePoll creates a poll in the actor's room. A running poll is replaced
// only when req.Replace is set or every present student has answered it;
// otherwise creation is rejected with a conflict.
func (c *Coordinator) CreatePoll(ctx context.Context, actor Actor, req CreatePollRequest) (*PollCreated, error) {
	if err := requireTeacher(actor); err != nil {
		return nil, err
	}
	unlock := c.lock(actor.RoomID)
	defer unlock()

	room, err := c.liveRoom(actor.RoomID)
	if err != nil {
		return nil, err
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = room.TeacherName
	}
	params, err := c.engine.Validate(lifecycle.CreateParams{
		RoomID:           room.ID,
		Question:         req.Question,
		Options:          req.Options,
		TimeLimitSeconds: req.TimeLimit,
		CreatedBy:        createdBy,
	})
	if err != nil {
		return nil, err
	}

	active, replacing := c.engine.Active(room.ID)
	if replacing && !req.Replace {
		done, err := c.allPresentAnswered(ctx, room, active.ID)
		if err != nil {
			return nil, err
		}
		if !done {
			return nil, apperr.Conflictf("a poll is already active and some students have not answered; end it or replace it")
		}
	}

	// The new poll is persisted before the running one is ended, so a failed
	// create leaves the room untouched.
	poll, err := c.engine.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	if replacing {
		if _, err := c.endPollLocked(ctx, room.ID, active.ID, models.EndReplaced); err != nil {
			return nil, err
		}
	}
	c.updateRoom(room.ID, func(r *models.Room) { r.LatestPollID = poll.ID })

	out := &PollCreated{Poll: poll.View()}
	c.bc.Broadcast(room.ID, EventPollCreated, out)
	return out, nil
}

func (c *Coordinator) allPresentAnswered(ctx context.Context, room *models.Room, pollID uuid.UUID) (bool, error) {
	for tabID := range room.Students {
		ok, err := c.repo.HasAnswered(ctx, pollID, tabID)
		if err != nil {
			return false, apperr.Wrap(apperr.Server, "failed to check answers", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// StartPoll activates a created poll of the actor's room.
func (c *Coordinator) StartPoll(ctx context.Context, actor Actor, pollID uuid.UUID) (*PollStarted, error) {
	if err := requireTeacher(actor); err != nil {
		return nil, err
	}
	unlock := c.lock(actor.RoomID)
	defer unlock()

	if _, err := c.liveRoom(actor.RoomID); err != nil {
		return nil, err
	}
	if err := c.pollInRoom(ctx, actor.RoomID, pollID); err != nil {
		return nil, err
	}
	started, err := c.engine.Start(ctx, pollID)
	if err != nil {
		return nil, err
	}
	c.updateRoom(actor.RoomID, func(r *models.Room) {
		r.ActivePollID = started.ID
		r.LatestPollID = started.ID
	})

	out := &PollStarted{
		PollID:    started.ID,
		Question:  started.Question,
		Options:   started.Options,
		TimeLimit: started.TimeLimitSeconds,
		StartedAt: started.StartedAt,
	}
	c.bc.Broadcast(actor.RoomID, EventPollStarted, out)
	c.broadcastLiveStats(ctx, actor.RoomID)
	return out, nil
}

// EndPoll ends the actor's active poll manually.
func (c *Coordinator) EndPoll(ctx context.Context, actor Actor, pollID uuid.UUID) (*PollEnded, error) {
	if err := requireTeacher(actor); err != nil {
		return nil, err
	}
	unlock := c.lock(actor.RoomID)
	defer unlock()

	if _, err := c.liveRoom(actor.RoomID); err != nil {
		return nil, err
	}
	if err := c.pollInRoom(ctx, actor.RoomID, pollID); err != nil {
		return nil, err
	}
	return c.endPollLocked(ctx, actor.RoomID, pollID, models.EndManual)
}

func (c *Coordinator) pollInRoom(ctx context.Context, roomID string, pollID uuid.UUID) error {
	p, err := c.engine.Get(ctx, pollID)
	if err != nil {
		return err
	}
	if p.RoomID != roomID {
		return lifecycle.ErrPollNotFound
	}
	return nil
}

// endPollLocked ends a poll, broadcasts poll-ended and hands it to the
// archiver. Callers hold the room lock.
func (c *Coordinator) endPollLocked(ctx context.Context, roomID string, pollID uuid.UUID, reason models.EndReason) (*PollEnded, error) {
	ended, err := c.engine.End(ctx, pollID, reason)
	if err != nil {
		return nil, err
	}
	c.updateRoom(roomID, func(r *models.Room) {
		if r.ActivePollID == pollID {
			r.ActivePollID = uuid.Nil
		}
	})

	res, err := c.results.Compute(ctx, pollID)
	if err != nil {
		c.logger.Warn("compute final results", zap.String("poll_id", pollID.String()), zap.Error(err))
		res = results.Tally(ended, nil)
	}
	out := &PollEnded{
		PollID:  ended.ID,
		Results: res.Entries,
		Stats:   res.Stats,
		EndedAt: ended.EndedAt,
		Reason:  reason,
	}
	c.bc.Broadcast(roomID, EventPollEnded, out)

	if c.archiver != nil {
		if err := c.archiver.EnqueuePollArchive(ctx, roomID, pollID); err != nil {
			c.logger.Warn("enqueue poll archive", zap.String("poll_id", pollID.String()), zap.Error(err))
		}
	}
	return out, nil
}

// handleTimeout is the engine's timer callback.
func (c *Coordinator) handleTimeout(roomID string, pollID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	unlock := c.lock(roomID)
	defer unlock()

	if _, err := c.endPollLocked(ctx, roomID, pollID, models.EndTimeout); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			c.logger.Debug("timer fired for poll that already ended", zap.String("poll_id", pollID.String()))
			return
		}
		c.logger.Error("auto-end poll", zap.String("poll_id", pollID.String()), zap.Error(err))
		return
	}
	c.logger.Info("poll ended by timer", zap.String("poll_id", pollID.String()), zap.String("room_id", roomID))
}

// Status returns the room's most recent poll in any state with its current
// results. It reads without the room lock.
func (c *Coordinator) Status(ctx context.Context, roomID string) (*PollStatus, error) {
	room, err := c.liveRoom(roomID)
	if err != nil {
		return nil, err
	}
	out := &PollStatus{RoomID: room.ID, Results: []models.ResultEntry{}, StudentsCount: room.StudentCount()}
	poll, ok := c.engine.Latest(room.ID)
	if !ok {
		return out, nil
	}
	res, err := c.results.Compute(ctx, poll.ID)
	if err != nil {
		return nil, serverError("failed to load results", err)
	}
	out.ActivePoll = poll.View()
	out.Results = res.Entries
	out.Stats = &res.Stats
	out.TotalResponses = res.Stats.TotalResponses
	out.TimeLeft = poll.TimeLeft(c.sched.Now())
	return out, nil
}

// SyncTimer reports the remaining time of a poll. Unknown or inactive polls
// report zero and inactive rather than an error.
func (c *Coordinator) SyncTimer(ctx context.Context, pollID uuid.UUID) (*TimerSync, error) {
	if pollID == uuid.Nil {
		return nil, ErrInvalidPollID
	}
	poll, err := c.engine.Get(ctx, pollID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return &TimerSync{PollID: pollID}, nil
		}
		return nil, err
	}
	if !poll.IsActive() {
		return &TimerSync{PollID: pollID}, nil
	}
	return &TimerSync{
		PollID:     pollID,
		TimeLeft:   poll.TimeLeft(c.sched.Now()),
		PollActive: true,
		StartedAt:  poll.StartedAt,
	}, nil
}

// Results computes the current aggregate of any poll.
func (c *Coordinator) Results(ctx context.Context, pollID uuid.UUID) (*models.Results, error) {
	return c.results.Compute(ctx, pollID)
}

// Poll returns any poll by id, live or historical.
func (c *Coordinator) Poll(ctx context.Context, pollID uuid.UUID) (*models.PollView, error) {
	p, err := c.engine.Get(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return p.View(), nil
}

// History pages a room's polls newest first with their response counts.
// Polls stay listable after the room closes.
func (c *Coordinator) History(ctx context.Context, roomID string, page, limit int) (*History, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	polls, total, err := c.repo.ListPolls(ctx, store.ListOptions{RoomID: roomID, Limit: limit, Offset: (page - 1) * limit})
	if err != nil {
		return nil, apperr.Wrap(apperr.Server, "failed to list polls", err)
	}
	out := &History{Polls: make([]models.PollSummary, 0, len(polls)), Total: total, Page: page, Limit: limit}
	for _, p := range polls {
		n, err := c.repo.CountAnswers(ctx, p.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Server, "failed to count answers", err)
		}
		out.Polls = append(out.Polls, models.PollSummary{PollView: *p.View(), ResponseCount: n})
	}
	return out, nil
}
