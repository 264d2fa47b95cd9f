// Package lifecycle owns poll state transitions and each poll's auto-end timer.
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/apperr"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/store"
)

const (
	MaxQuestionLength = 500
	MinOptions        = 2
	MaxOptions        = 6
	MinTimeLimit      = 10
	MaxTimeLimit      = 300
	DefaultTimeLimit  = 60
)

var (
	// ErrInvalidTransition is wrapped by every rejected state change.
	ErrInvalidTransition = errors.New("invalid poll state transition")
	// ErrPollNotFound is returned for unknown poll ids.
	ErrPollNotFound = apperr.New(apperr.NotFound, "poll not found")
)

func invalidTransition(msg string) error {
	return apperr.Wrap(apperr.Conflict, msg, ErrInvalidTransition)
}

// CreateParams describes a new poll.
type CreateParams struct {
	RoomID           string
	Question         string
	Options          []string
	TimeLimitSeconds int
	CreatedBy        string
}

// TimeoutHandler is called once when an active poll's timer fires. It is
// expected to call End with models.EndTimeout.
type TimeoutHandler func(roomID string, pollID uuid.UUID)

type pollTimer struct {
	timer Timer
	gen   uint64
}

// Engine is the single owner of live poll state. Transitions are
// check-and-set under mu; persistence happens outside mu and is rolled back
// on failure.
type Engine struct {
	repo             store.PollRepository
	sched            Scheduler
	logger           *zap.Logger
	defaultTimeLimit int

	mu        sync.Mutex
	polls     map[uuid.UUID]*models.Poll
	latest    map[string]uuid.UUID // room -> most recently created poll
	active    map[string]uuid.UUID // room -> active poll
	timers    map[uuid.UUID]*pollTimer
	gen       uint64
	onTimeout TimeoutHandler
}

// NewEngine creates a lifecycle engine.
func NewEngine(repo store.PollRepository, sched Scheduler, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sched == nil {
		sched = ClockScheduler{}
	}
	return &Engine{
		repo:             repo,
		sched:            sched,
		logger:           logger,
		defaultTimeLimit: DefaultTimeLimit,
		polls:            make(map[uuid.UUID]*models.Poll),
		latest:           make(map[string]uuid.UUID),
		active:           make(map[string]uuid.UUID),
		timers:           make(map[uuid.UUID]*pollTimer),
	}
}

// SetTimeoutHandler routes timer expiry through fn instead of ending the poll directly.
func (e *Engine) SetTimeoutHandler(fn TimeoutHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTimeout = fn
}

// SetDefaultTimeLimit sets the limit used when a create request passes 0.
func (e *Engine) SetDefaultTimeLimit(seconds int) {
	if seconds < MinTimeLimit || seconds > MaxTimeLimit {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultTimeLimit = seconds
}

// Validate trims and checks a create request.
func (e *Engine) Validate(p CreateParams) (CreateParams, error) {
	p.Question = strings.TrimSpace(p.Question)
	p.CreatedBy = strings.TrimSpace(p.CreatedBy)
	if p.Question == "" {
		return p, apperr.Validationf("question is required")
	}
	if utf8.RuneCountInString(p.Question) > MaxQuestionLength {
		return p, apperr.Validationf("question cannot exceed %d characters", MaxQuestionLength)
	}
	if p.CreatedBy == "" {
		return p, apperr.Validationf("createdBy is required")
	}
	if len(p.Options) < MinOptions || len(p.Options) > MaxOptions {
		return p, apperr.Validationf("poll must have between %d and %d options", MinOptions, MaxOptions)
	}
	seen := make(map[string]struct{}, len(p.Options))
	opts := make([]string, 0, len(p.Options))
	for i, o := range p.Options {
		o = strings.TrimSpace(o)
		if o == "" {
			return p, apperr.Validationf("option %d is empty", i+1)
		}
		if _, dup := seen[o]; dup {
			return p, apperr.Validationf("duplicate option %q", o)
		}
		seen[o] = struct{}{}
		opts = append(opts, o)
	}
	p.Options = opts
	if p.TimeLimitSeconds == 0 {
		e.mu.Lock()
		p.TimeLimitSeconds = e.defaultTimeLimit
		e.mu.Unlock()
	}
	if p.TimeLimitSeconds < MinTimeLimit || p.TimeLimitSeconds > MaxTimeLimit {
		return p, apperr.Validationf("time limit must be between %d and %d seconds", MinTimeLimit, MaxTimeLimit)
	}
	return p, nil
}

// Create validates and persists a poll in the created state.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*models.Poll, error) {
	params, err := e.Validate(params)
	if err != nil {
		return nil, err
	}
	p := &models.Poll{
		ID:               uuid.New(),
		RoomID:           params.RoomID,
		Question:         params.Question,
		Options:          params.Options,
		TimeLimitSeconds: params.TimeLimitSeconds,
		CreatedBy:        params.CreatedBy,
		CreatedAt:        e.sched.Now(),
	}
	if err := e.repo.CreatePoll(ctx, p); err != nil {
		return nil, apperr.Wrap(apperr.Server, "failed to create poll", err)
	}

	e.mu.Lock()
	e.polls[p.ID] = p
	e.latest[p.RoomID] = p.ID
	e.mu.Unlock()

	e.logger.Info("poll created", zap.String("poll_id", p.ID.String()), zap.String("room_id", p.RoomID))
	return p.Clone(), nil
}

// Start moves a created poll to active and arms its timer.
func (e *Engine) Start(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	if err := e.load(ctx, id); err != nil {
		return nil, err
	}

	e.mu.Lock()
	prev := e.polls[id]
	switch prev.State() {
	case models.PollActive:
		e.mu.Unlock()
		return nil, invalidTransition("poll is already active")
	case models.PollEnded:
		e.mu.Unlock()
		return nil, invalidTransition("poll has already ended")
	}
	if other, ok := e.active[prev.RoomID]; ok && other != id {
		e.mu.Unlock()
		return nil, invalidTransition("another poll is already active in this room")
	}
	now := e.sched.Now()
	next := prev.Clone()
	next.StartedAt = &now
	e.polls[id] = next
	e.active[next.RoomID] = id
	e.armLocked(next, time.Duration(next.TimeLimitSeconds)*time.Second)
	snapshot := next.Clone()
	e.mu.Unlock()

	if err := e.repo.UpdatePoll(ctx, snapshot); err != nil {
		e.mu.Lock()
		if e.polls[id] == next {
			e.polls[id] = prev
			if e.active[prev.RoomID] == id {
				delete(e.active, prev.RoomID)
			}
			e.disarmLocked(id)
		}
		e.mu.Unlock()
		return nil, apperr.Wrap(apperr.Server, "failed to start poll", err)
	}

	e.logger.Info("poll started",
		zap.String("poll_id", id.String()),
		zap.String("room_id", snapshot.RoomID),
		zap.Int("time_limit", snapshot.TimeLimitSeconds))
	return snapshot, nil
}

// End moves an active poll to ended. Any tracked timer is removed and stopped.
func (e *Engine) End(ctx context.Context, id uuid.UUID, reason models.EndReason) (*models.Poll, error) {
	if err := e.load(ctx, id); err != nil {
		return nil, err
	}

	e.mu.Lock()
	prev := e.polls[id]
	switch prev.State() {
	case models.PollCreated:
		e.mu.Unlock()
		return nil, invalidTransition("poll has not been started")
	case models.PollEnded:
		e.mu.Unlock()
		return nil, invalidTransition("poll has already ended")
	}
	now := e.sched.Now()
	next := prev.Clone()
	next.EndedAt = &now
	next.EndReason = reason
	e.polls[id] = next
	if e.active[next.RoomID] == id {
		delete(e.active, next.RoomID)
	}
	e.disarmLocked(id)
	snapshot := next.Clone()
	e.mu.Unlock()

	if err := e.repo.UpdatePoll(ctx, snapshot); err != nil {
		e.mu.Lock()
		if e.polls[id] == next {
			e.polls[id] = prev
			e.active[prev.RoomID] = id
			left := time.Duration(prev.TimeLeft(now)) * time.Second
			if left < time.Second {
				left = time.Second
			}
			e.armLocked(prev, left)
		}
		e.mu.Unlock()
		return nil, apperr.Wrap(apperr.Server, "failed to end poll", err)
	}

	e.logger.Info("poll ended",
		zap.String("poll_id", id.String()),
		zap.String("room_id", snapshot.RoomID),
		zap.String("reason", string(reason)))
	return snapshot, nil
}

// Get returns a poll from memory or, failing that, from the repository.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	e.mu.Lock()
	p, ok := e.polls[id]
	e.mu.Unlock()
	if ok {
		return p.Clone(), nil
	}
	p, err := e.repo.GetPoll(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPollNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Server, "failed to load poll", err)
	}
	return p, nil
}

// Latest returns the most recently created poll of a room, in any state.
func (e *Engine) Latest(roomID string) (*models.Poll, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.latest[roomID]
	if !ok {
		return nil, false
	}
	return e.polls[id].Clone(), true
}

// Active returns the room's active poll.
func (e *Engine) Active(roomID string) (*models.Poll, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.active[roomID]
	if !ok {
		return nil, false
	}
	return e.polls[id].Clone(), true
}

// HasTimer reports whether a timer is armed for the poll.
func (e *Engine) HasTimer(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.timers[id]
	return ok
}

// Forget drops a room's polls from memory and stops their timers. Persisted
// polls remain readable through Get.
func (e *Engine) Forget(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.polls {
		if p.RoomID != roomID {
			continue
		}
		e.disarmLocked(id)
		delete(e.polls, id)
	}
	delete(e.latest, roomID)
	delete(e.active, roomID)
}

// load makes sure the poll is held in memory.
func (e *Engine) load(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	_, ok := e.polls[id]
	e.mu.Unlock()
	if ok {
		return nil
	}
	p, err := e.repo.GetPoll(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrPollNotFound
	}
	if err != nil {
		return apperr.Wrap(apperr.Server, "failed to load poll", err)
	}
	e.mu.Lock()
	if _, ok := e.polls[id]; !ok {
		e.polls[id] = p
		if p.IsActive() {
			if _, busy := e.active[p.RoomID]; !busy {
				e.active[p.RoomID] = id
			}
		}
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) armLocked(p *models.Poll, d time.Duration) {
	e.disarmLocked(p.ID)
	e.gen++
	gen := e.gen
	roomID, id := p.RoomID, p.ID
	t := e.sched.Schedule(d, func() { e.fire(roomID, id, gen) })
	e.timers[id] = &pollTimer{timer: t, gen: gen}
}

func (e *Engine) disarmLocked(id uuid.UUID) {
	if t, ok := e.timers[id]; ok {
		delete(e.timers, id)
		t.timer.Stop()
	}
}

// fire runs at most once per armed generation.
func (e *Engine) fire(roomID string, id uuid.UUID, gen uint64) {
	e.mu.Lock()
	t, ok := e.timers[id]
	if !ok || t.gen != gen {
		e.mu.Unlock()
		return
	}
	delete(e.timers, id)
	handler := e.onTimeout
	e.mu.Unlock()

	if handler != nil {
		handler(roomID, id)
		return
	}
	if _, err := e.End(context.Background(), id, models.EndTimeout); err != nil {
		e.logger.Warn("auto-end poll failed", zap.String("poll_id", id.String()), zap.Error(err))
	}
}
