// Package coordinator ties rooms, poll lifecycle, answer admission and results
// together and decides what every participant is told.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/admission"
	"github.com/aura-classroom/livepoll/internal/apperr"
	"github.com/aura-classroom/livepoll/internal/auth"
	"github.com/aura-classroom/livepoll/internal/lifecycle"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/results"
	"github.com/aura-classroom/livepoll/internal/session"
	"github.com/aura-classroom/livepoll/internal/store"
)

var (
	ErrRoomNotFound  = apperr.New(apperr.NotFound, "room not found")
	ErrNotTeacher    = apperr.New(apperr.Authentication, "only the room's teacher can do that")
	ErrNotJoined     = apperr.New(apperr.Authentication, "please join the session first")
	ErrNoOpenRoom    = apperr.New(apperr.NotFound, "no open room to join")
	ErrInvalidPollID = apperr.New(apperr.Validation, "a valid pollId is required")
)

// Broadcaster delivers events to every connection attached to a room.
type Broadcaster interface {
	Attach(connID, roomID string)
	Detach(connID string)
	Broadcast(roomID, event string, payload interface{})
}

// Archiver receives every poll that ends.
type Archiver interface {
	EnqueuePollArchive(ctx context.Context, roomID string, pollID uuid.UUID) error
}

// TokenService issues and checks room tokens.
type TokenService interface {
	Generate(roomID, teacherID, name string) (string, error)
	Validate(token string) (*auth.Claims, error)
}

// Actor is who is asking: resolved from a connection binding or a room token.
type Actor struct {
	ConnectionID string
	RoomID       string
	Role         session.Role
	TabID        string
	Name         string
}

// Config holds the coordinator's timing knobs.
type Config struct {
	GracePeriod      time.Duration
	StudentRetention time.Duration
	CleanupInterval  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod:      5 * time.Minute,
		StudentRetention: time.Hour,
		CleanupInterval:  30 * time.Minute,
	}
}

// Deps are the coordinator's collaborators. Tokens and Archiver are optional.
type Deps struct {
	Sessions    session.Store
	Engine      *lifecycle.Engine
	Admission   *admission.Controller
	Results     *results.Aggregator
	Repo        store.Repository
	Broadcaster Broadcaster
	Scheduler   lifecycle.Scheduler
	Tokens      TokenService
	Archiver    Archiver
	Logger      *zap.Logger
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

type graceTimer struct {
	timer lifecycle.Timer
	gen   uint64
}

// Coordinator serializes every mutation of a room behind that room's lock.
type Coordinator struct {
	cfg       Config
	sessions  session.Store
	engine    *lifecycle.Engine
	admission *admission.Controller
	results   *results.Aggregator
	repo      store.Repository
	bc        Broadcaster
	sched     lifecycle.Scheduler
	tokens    TokenService
	archiver  Archiver
	logger    *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*roomLock

	graceMu  sync.Mutex
	graces   map[string]*graceTimer
	graceGen uint64
}

// New creates a coordinator and registers it as the engine's timeout handler.
func New(cfg Config, d Deps) *Coordinator {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	if cfg.StudentRetention <= 0 {
		cfg.StudentRetention = DefaultConfig().StudentRetention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Scheduler == nil {
		d.Scheduler = lifecycle.ClockScheduler{}
	}
	c := &Coordinator{
		cfg:       cfg,
		sessions:  d.Sessions,
		engine:    d.Engine,
		admission: d.Admission,
		results:   d.Results,
		repo:      d.Repo,
		bc:        d.Broadcaster,
		sched:     d.Scheduler,
		tokens:    d.Tokens,
		archiver:  d.Archiver,
		logger:    d.Logger,
		locks:     make(map[string]*roomLock),
		graces:    make(map[string]*graceTimer),
	}
	c.engine.SetTimeoutHandler(c.handleTimeout)
	return c
}

// Actor resolves the binding of a connection.
func (c *Coordinator) Actor(connID string) (Actor, bool) {
	b, ok := c.sessions.Binding(connID)
	if !ok {
		return Actor{ConnectionID: connID}, false
	}
	return Actor{ConnectionID: connID, RoomID: b.RoomID, Role: b.Role, TabID: b.TabID, Name: b.Name}, true
}

// TeacherActor resolves a room token into a teacher actor.
func (c *Coordinator) TeacherActor(token string) (Actor, error) {
	if c.tokens == nil {
		return Actor{}, ErrNotTeacher
	}
	claims, err := c.tokens.Validate(token)
	if err != nil {
		return Actor{}, apperr.Wrap(apperr.Authentication, "invalid room token", err)
	}
	return Actor{RoomID: claims.RoomID, Role: session.RoleTeacher, Name: claims.Name}, nil
}

// Close stops every pending grace timer.
func (c *Coordinator) Close() {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()
	for id, g := range c.graces {
		g.timer.Stop()
		delete(c.graces, id)
	}
}

// ParsePollID parses a poll id sent by a client.
func ParsePollID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidPollID
	}
	return id, nil
}

// lock acquires the room's mutex and returns its release func.
func (c *Coordinator) lock(roomID string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[roomID]
	if !ok {
		l = &roomLock{}
		c.locks[roomID] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, roomID)
		}
		c.locksMu.Unlock()
	}
}

// liveRoom returns the room unless it is unknown or closed.
func (c *Coordinator) liveRoom(roomID string) (*models.Room, error) {
	room, ok := c.sessions.Get(roomID)
	if !ok || room.State == models.RoomClosed {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// updateRoom applies fn to the stored room. Callers hold the room lock.
func (c *Coordinator) updateRoom(roomID string, fn func(*models.Room)) {
	room, ok := c.sessions.Get(roomID)
	if !ok {
		return
	}
	fn(room)
	c.sessions.Upsert(room)
}

func (c *Coordinator) broadcastLiveStats(ctx context.Context, roomID string) {
	room, ok := c.sessions.Get(roomID)
	if !ok {
		return
	}
	stats := LiveStats{TotalStudents: room.StudentCount()}
	if active, ok := c.engine.Active(roomID); ok {
		id := active.ID
		stats.ActivePollID = &id
		n, err := c.repo.CountAnswers(ctx, id)
		if err != nil {
			c.logger.Warn("count answers for live stats", zap.String("room_id", roomID), zap.Error(err))
		}
		stats.TotalResponses = n
	}
	c.bc.Broadcast(roomID, EventLiveStats, stats)
}

func newRoomID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("room_%d_%s", now.UnixMilli(), suffix)
}

func serverError(msg string, err error) error {
	if apperr.KindOf(err) != apperr.Server {
		return err
	}
	return apperr.Wrap(apperr.Server, msg, err)
}
