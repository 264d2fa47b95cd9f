// Package admission decides whether an answer is accepted for a poll.
package admission

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/apperr"
	"github.com/aura-classroom/livepoll/internal/lifecycle"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/store"
)

var (
	ErrOutOfRange      = errors.New("answer index out of range")
	ErrDuplicateAnswer = errors.New("answer already submitted")
	ErrPollNotActive   = apperr.New(apperr.NotFound, "no active poll")
)

// Polls is the part of the lifecycle engine admission reads.
type Polls interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Poll, error)
}

// SubmitParams is one student's answer attempt.
type SubmitParams struct {
	PollID         uuid.UUID
	TabID          string
	StudentName    string
	SelectedOption string
	SelectedIndex  int
	ResponseTime   float64
}

// Controller enforces one answer per (poll, tab) against the active poll's shape.
type Controller struct {
	polls   Polls
	answers store.AnswerRepository
	sched   lifecycle.Scheduler
	logger  *zap.Logger
}

// NewController creates an admission controller.
func NewController(polls Polls, answers store.AnswerRepository, sched lifecycle.Scheduler, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sched == nil {
		sched = lifecycle.ClockScheduler{}
	}
	return &Controller{polls: polls, answers: answers, sched: sched, logger: logger}
}

// Submit validates and records an answer. Uniqueness is decided by the
// store's atomic insert, never by a prior read.
func (c *Controller) Submit(ctx context.Context, p SubmitParams) (*models.Answer, error) {
	poll, err := c.polls.Get(ctx, p.PollID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil, ErrPollNotActive
		}
		return nil, err
	}
	if !poll.IsActive() {
		return nil, ErrPollNotActive
	}
	if p.SelectedIndex < 0 || p.SelectedIndex >= len(poll.Options) {
		return nil, apperr.Wrap(apperr.Validation, "answer index out of range", ErrOutOfRange)
	}
	option := strings.TrimSpace(p.SelectedOption)
	if option == "" {
		option = poll.Options[p.SelectedIndex]
	}
	if option != poll.Options[p.SelectedIndex] {
		return nil, apperr.Validationf("answer does not match option %d", p.SelectedIndex)
	}
	if p.ResponseTime < 0 {
		return nil, apperr.Validationf("response time cannot be negative")
	}
	if strings.TrimSpace(p.TabID) == "" {
		return nil, apperr.Validationf("tabId is required")
	}

	a := &models.Answer{
		PollID:              poll.ID,
		TabID:               p.TabID,
		StudentName:         p.StudentName,
		SelectedOption:      option,
		SelectedIndex:       p.SelectedIndex,
		ResponseTimeSeconds: p.ResponseTime,
		AnsweredAt:          c.sched.Now(),
	}
	inserted, err := c.answers.InsertAnswerIfAbsent(ctx, a)
	if err != nil {
		c.logger.Error("failed to record answer",
			zap.String("poll_id", poll.ID.String()),
			zap.String("tab_id", p.TabID),
			zap.Error(err))
		return nil, apperr.Wrap(apperr.Server, "failed to record answer", err)
	}
	if !inserted {
		return nil, apperr.Wrap(apperr.Conflict, "you have already answered this poll", ErrDuplicateAnswer)
	}
	return a, nil
}
