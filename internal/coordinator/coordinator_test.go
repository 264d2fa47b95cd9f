package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-classroom/livepoll/internal/admission"
	"github.com/aura-classroom/livepoll/internal/apperr"
	"github.com/aura-classroom/livepoll/internal/auth"
	"github.com/aura-classroom/livepoll/internal/lifecycle"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/results"
	"github.com/aura-classroom/livepoll/internal/session"
	"github.com/aura-classroom/livepoll/internal/store"
)

var t0 = time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

type sent struct {
	room    string
	event   string
	payload interface{}
}

type recorder struct {
	mu       sync.Mutex
	events   []sent
	attached map[string]string
}

func newRecorder() *recorder { return &recorder{attached: make(map[string]string)} }

func (r *recorder) Attach(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached[connID] = roomID
}

func (r *recorder) Detach(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attached, connID)
}

func (r *recorder) Broadcast(roomID, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{room: roomID, event: event, payload: payload})
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (r *recorder) last(event string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].event == event {
			return r.events[i].payload
		}
	}
	return nil
}

// index returns the position of the last event with this name, or -1.
func (r *recorder) index(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].event == event {
			return i
		}
	}
	return -1
}

func (r *recorder) isAttached(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.attached[connID]
	return ok
}

type fakeArchiver struct {
	mu    sync.Mutex
	polls []uuid.UUID
}

func (f *fakeArchiver) EnqueuePollArchive(ctx context.Context, roomID string, pollID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, pollID)
	return nil
}

type harness struct {
	c        *Coordinator
	sched    *lifecycle.ManualScheduler
	repo     *store.Memory
	sessions *session.Memory
	engine   *lifecycle.Engine
	rec      *recorder
	archive  *fakeArchiver
	tokens   *auth.JWTService
}

// gatedRepo blocks the first answer insert until release is closed.
type gatedRepo struct {
	*store.Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepo) InsertAnswerIfAbsent(ctx context.Context, a *models.Answer) (bool, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Memory.InsertAnswerIfAbsent(ctx, a)
}

// flakyRepo fails poll creation on demand and the first failSweeps cleanups.
type flakyRepo struct {
	*store.Memory
	mu         sync.Mutex
	failCreate bool
	failSweeps int
	sweeps     int
}

func (f *flakyRepo) setFailCreate(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCreate = v
}

func (f *flakyRepo) sweepCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func (f *flakyRepo) CreatePoll(ctx context.Context, p *models.Poll) error {
	f.mu.Lock()
	fail := f.failCreate
	f.mu.Unlock()
	if fail {
		return errors.New("db down")
	}
	return f.Memory.CreatePoll(ctx, p)
}

func (f *flakyRepo) DeleteInactiveStudents(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	f.sweeps++
	if f.failSweeps > 0 {
		f.failSweeps--
		f.mu.Unlock()
		return 0, errors.New("db down")
	}
	f.mu.Unlock()
	return f.Memory.DeleteInactiveStudents(ctx, cutoff)
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithRepo(t, nil)
}

// newHarnessWithRepo lets a test wrap the memory store, e.g. to inject
// failures or to block inside a call.
func newHarnessWithRepo(t *testing.T, wrap func(*store.Memory) store.Repository) *harness {
	t.Helper()
	sched := lifecycle.NewManualScheduler(t0)
	mem := store.NewMemory()
	var repo store.Repository = mem
	if wrap != nil {
		repo = wrap(mem)
	}
	engine := lifecycle.NewEngine(repo, sched, nil)
	h := &harness{
		sched:    sched,
		repo:     mem,
		sessions: session.NewMemory(),
		engine:   engine,
		rec:      newRecorder(),
		archive:  &fakeArchiver{},
		tokens:   auth.NewJWTService("test-secret", 1),
	}
	h.c = New(DefaultConfig(), Deps{
		Sessions:    h.sessions,
		Engine:      engine,
		Admission:   admission.NewController(engine, repo, sched, nil),
		Results:     results.NewAggregator(engine, repo),
		Repo:        repo,
		Broadcaster: h.rec,
		Scheduler:   sched,
		Tokens:      h.tokens,
		Archiver:    h.archive,
	})
	return h
}

func idx(i int) *int { return &i }

func (h *harness) teacher(t *testing.T, connID string) (*RoomCreated, Actor) {
	t.Helper()
	created, err := h.c.TeacherJoin(context.Background(), connID, TeacherJoinRequest{TeacherName: "Ms. Frizzle", TeacherID: "teacher-1"})
	require.NoError(t, err)
	actor, ok := h.c.Actor(connID)
	require.True(t, ok)
	return created, actor
}

func (h *harness) student(t *testing.T, roomID, connID, tabID string) Actor {
	t.Helper()
	_, err := h.c.StudentJoin(context.Background(), connID, StudentJoinRequest{Name: "Student " + tabID, TabID: tabID, RoomID: roomID})
	require.NoError(t, err)
	actor, ok := h.c.Actor(connID)
	require.True(t, ok)
	return actor
}

func (h *harness) runningPoll(t *testing.T, teacher Actor, limit int, options ...string) *models.PollView {
	t.Helper()
	ctx := context.Background()
	created, err := h.c.CreatePoll(ctx, teacher, CreatePollRequest{Question: "Pick one", Options: options, TimeLimit: limit})
	require.NoError(t, err)
	_, err = h.c.StartPoll(ctx, teacher, created.Poll.ID)
	require.NoError(t, err)
	return created.Poll
}

func TestTeacherJoin_CreatesOpenRoom(t *testing.T) {
	h := newHarness(t)
	created, actor := h.teacher(t, "conn-t")

	assert.True(t, strings.HasPrefix(created.RoomID, "room_"))
	assert.Equal(t, "Ms. Frizzle", created.TeacherName)
	assert.Equal(t, 0, created.StudentsCount)
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, session.RoleTeacher, actor.Role)
	assert.True(t, h.rec.isAttached("conn-t"))

	room, ok := h.sessions.Get(created.RoomID)
	require.True(t, ok)
	assert.Equal(t, models.RoomOpen, room.State)
	assert.Equal(t, "conn-t", room.TeacherConnectionID)

	claims, err := h.tokens.Validate(created.Token)
	require.NoError(t, err)
	assert.Equal(t, created.RoomID, claims.RoomID)

	_, err = h.c.TeacherJoin(context.Background(), "conn-x", TeacherJoinRequest{})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestStudentJoin_SameTabIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	room, _ := h.teacher(t, "conn-t")

	first, err := h.c.StudentJoin(ctx, "conn-s1", StudentJoinRequest{Name: "Arnold", TabID: "tab-1", RoomID: room.RoomID})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Joined.StudentsCount)
	assert.False(t, first.Joined.Reconnected)

	second, err := h.c.StudentJoin(ctx, "conn-s2", StudentJoinRequest{Name: "Arnold", TabID: "tab-1", RoomID: room.RoomID})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Joined.StudentsCount)
	assert.True(t, second.Joined.Reconnected)

	_, ok := h.sessions.Binding("conn-s1")
	assert.False(t, ok)
	assert.False(t, h.rec.isAttached("conn-s1"))

	joined := h.rec.last(EventStudentJoined).(StudentJoined)
	assert.Equal(t, 1, joined.TotalStudents)

	// The superseded connection dropping must not remove the student.
	h.c.Disconnect(ctx, "conn-s1")
	r, _ := h.sessions.Get(room.RoomID)
	assert.Equal(t, 1, r.StudentCount())
	assert.Zero(t, h.rec.count(EventStudentDisconnected))
}

func TestStudentJoin_DefaultRoomAndValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.c.StudentJoin(ctx, "conn-s", StudentJoinRequest{Name: "Dorothy Ann", TabID: "tab"})
	assert.ErrorIs(t, err, ErrNoOpenRoom)

	h.teacher(t, "conn-t1")
	h.sched.Advance(time.Second)
	newest, _ := h.teacher(t, "conn-t2")

	res, err := h.c.StudentJoin(ctx, "conn-s", StudentJoinRequest{Name: "Dorothy Ann", TabID: "tab"})
	require.NoError(t, err)
	assert.Equal(t, newest.RoomID, res.Joined.RoomID)

	_, err = h.c.StudentJoin(ctx, "conn-s9", StudentJoinRequest{Name: "K", RoomID: newest.RoomID})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = h.c.StudentJoin(ctx, "conn-s9", StudentJoinRequest{Name: "Keesha", RoomID: "room_missing"})
	assert.ErrorIs(t, err, ErrRoomNotFound)

	// An empty tab id falls back to the connection id.
	res, err = h.c.StudentJoin(ctx, "conn-s9", StudentJoinRequest{Name: "Keesha", RoomID: newest.RoomID})
	require.NoError(t, err)
	assert.Equal(t, "conn-s9", res.Joined.TabID)
}

func TestPickOneScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	room, teacher := h.teacher(t, "conn-t")
	s1 := h.student(t, room.RoomID, "conn-1", "tab1")
	s2 := h.student(t, room.RoomID, "conn-2", "tab2")

	poll := h.runningPoll(t, teacher, 30, "A", "B")
	started := h.rec.last(EventPollStarted).(*PollStarted)
	assert.Equal(t, 30, started.TimeLimit)

	ack, err := h.c.SubmitAnswer(ctx, s1, SubmitAnswerRequest{Answer: "A", AnswerIndex: idx(0), ResponseTime: 2})
	require.NoError(t, err)
	assert.Equal(t, poll.ID, ack.PollID)
	_, err = h.c.SubmitAnswer(ctx, s2, SubmitAnswerRequest{Answer: "B", AnswerIndex: idx(1), ResponseTime: 4})
	require.NoError(t, err)

	assert.Equal(t, 2, h.rec.count(EventNewResponse))
	update := h.rec.last(EventResultsUpdate).(ResultsUpdate)
	assert.Equal(t, 2, update.TotalResponses)

	res, err := h.c.Results(ctx, poll.ID)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "A", res.Entries[0].Option)
	assert.Equal(t, 1, res.Entries[0].VoteCount)
	assert.Equal(t, "B", res.Entries[1].Option)
	assert.Equal(t, 1, res.Entries[1].VoteCount)
	assert.Equal(t, 2, res.Stats.TotalResponses)

	_, err = h.c.SubmitAnswer(ctx, s1, SubmitAnswerRequest{Answer: "B", AnswerIndex: idx(1)})
	assert.ErrorIs(t, err, admission.ErrDuplicateAnswer)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestSubmitAnswer_IndexOutOfRange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	room, teacher := h.teacher(t, "conn-t")
	s := h.student(t, room.RoomID, "conn-1", "tab1")
	poll := h.runningPoll(t, teacher, 60, "Red", "Green", "Blue")

	_, err := h.c.SubmitAnswer(ctx, s, SubmitAnswerRequest{Answer: "Purple", AnswerIndex: idx(5)})
	assert.ErrorIs(t, err, admission.ErrOutOfRange)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	n, err := h.repo.CountAnswers(ctx, poll.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.rec.count(EventNewResponse))
}

func TestSubmitAnswer_RequiresJoin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, teacher := h.teacher(t, "conn-t")
	h.runningPoll(t, teacher, 60, "A", "B")

	_, err := h.c.SubmitAnswer(ctx, Actor{ConnectionID: "stranger"}, SubmitAnswerRequest{AnswerIndex: idx(0)})
	assert.ErrorIs(t, err, ErrNotJoined)
	_, err = h.c.SubmitAnswer(ctx, teacher, SubmitAnswerRequest{AnswerIndex: idx(0)})
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
}

func TestSubmitAnswer_ConcurrentSameTab(t *testing.T) {
	h := newHarness(t)
	room, teacher := h.teacher(t, "conn-t")
	s := h.student(t, room.RoomID, "conn-1", "tab1")
	h.runningPoll(t, teacher, 60, "A", "B")

	const n = 20
	var wg sync.WaitGroup
	var ok, conflict int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.c.SubmitAnswer(context.Background(), s, SubmitAnswerRequest{AnswerIndex: idx(0)})
			if err == nil {
				atomic.AddInt32(&ok, 1)
			} else if apperr.KindOf(err) == apperr.Conflict {
				atomic.AddInt32(&conflict, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(n-1), conflict)
	assert.Equal(t, 1, h.rec.count(EventNewResponse))
}

func TestPollTimeout_BroadcastsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, teacher := h.teacher(t, "conn-t")
	poll := h.runningPoll(t, teacher, 30, "A", "B")

	h.sched.Advance(29 * time.Second)
	assert.Zero(t, h.rec.count(EventPollEnded))

	h.sched.Advance(time.Second)
	require.Equal(t, 1, h.rec.count(EventPollEnded))
	ended := h.rec.last(EventPollEnded).(*PollEnded)
	assert.Equal(t, models.EndTimeout, ended.Reason)
	assert.Equal(t, poll.ID, ended.PollID)
	require.Len(t, ended.Results, 2)

	_, err := h.c.EndPoll(ctx, teacher, poll.ID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	h.sched.Advance(time.Hour)
	assert.Equal(t, 1, h.rec.count(EventPollEnded))

	room, _ := h.sessions.Get(teacher.RoomID)
	assert.False(t, room.HasActivePoll())
	assert.Equal(t, []uuid.UUID{poll.ID}, h.archive.polls)
}

func TestManualEnd_CancelsTimer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, teacher := h.teacher(t, "conn-t")
	poll := h.runningPoll(t, teacher, 30, "A", "B")

	h.sched.Advance(10 * time.Second)
	ended, err := h.c.EndPoll(ctx, teacher, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EndManual, ended.Reason)
	assert.False(t, h.engine.HasTimer(poll.ID))

	h.sched.Advance(time.Minute)
	assert.Equal(t, 1, h.rec.count(EventPollEnded))
}

func TestPollCommands_RequireTeacherOfRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	room, teacher := h.teacher(t, "conn-t")
	s := h.student(t, room.RoomID, "conn-1", "tab1")

	_, err := h.c.CreatePoll(ctx, s, CreatePollRequest{Question: "q", Options: []string{"a", "b"}})
	assert.ErrorIs(t, err, ErrNotTeacher)

	_, otherTeacher := h.teacher(t, "conn-t2")
	poll := h.runningPoll(t, teacher, 30, "A", "B")
	_, err = h.c.EndPoll(ctx, otherTeacher, poll.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestCreatePoll_ReplacementPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	room, teacher := h.teacher(t, "conn-t")
	s := h.student(t, room.RoomID, "conn-1", "tab1")
	first := h.runningPoll(t, teacher, 60, "A", "B")

	next := CreatePollRequest{Question: "Next?", Options: []string{"Yes", "No"}, TimeLimit: 20}
	_, err := h.c.CreatePoll(ctx, teacher, next)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	active, ok := h.engine.Active(room.RoomID)
	require.True(t, ok)
	assert.Equal(t, first.ID, active.ID)

	// Invalid requests never end the running poll.
	_, err = h.c.CreatePoll(ctx, teacher, CreatePollRequest{Question: "", Options: []string{"a", "b"}, Replace: true})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	_, ok = h.engine.Active(room.RoomID)
	assert.True(t, ok)

	// Once every present student has answered, creation replaces the poll.
	_, err = h.c.SubmitAnswer(ctx, s, SubmitAnswerRequest{AnswerIndex: idx(0)})
	require.NoError(t, err)
	second, err := h.c.CreatePoll(ctx, teacher, next)
	require.NoError(t, err)
	ended := h.rec.last(EventPollEnded).(*PollEnded)
	assert.Equal(t, models.EndReplaced, ended.Reason)
	assert.Equal(t, first.ID, ended.PollID)

	// Explicit replace ends a poll with unanswered students.
	_, err = h.c.StartPoll(ctx, teacher, second.Poll.ID)
	require.NoError(t, err)
	third, err := h.c.CreatePoll(ctx, teacher, CreatePollRequest{Question: "Third", Options: []string{"x", "y"}, Replace: true})
	require.NoError(t, err)
	assert.Equal(t, models.PollCreated, third.Poll.Status)
	_, ok = h.engine.Active(room.RoomID)
	assert.False(t, ok)
	assert.Equal(t, 2, h.rec.count(EventPollEnded))
}

func TestStartPoll_SingleActiveUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, teacher := h.teacher(t, "conn-t")

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		p, err := h.c.CreatePoll(ctx, teacher, CreatePollRequest{Question: fmt.Sprintf("Q%d", i), Options: []string{"a", "b"}})
		require.NoError(t, err)
		ids = append(ids, p.Poll.ID)
	}

	var wg sync.WaitGroup
	var started int32
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := h.c.StartPoll(ctx, teacher, id); err == nil {
				atomic.AddInt32(&started, 1)
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, int32(1), started)
	assert.Equal(t, 1, h.rec.count(EventPollStarted))
}

func TestTeacherGrace_ReconnectKeepsRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	created, teacher := h.teacher(t, "conn-t")
	h.student(t, created.RoomID, "conn-1", "tab1")
	h.runningPoll(t, teacher, 300, "A", "B")

	h.c.Disconnect(ctx, "conn-t")
	assert.Equal(t, 1, h.rec.count(EventTeacherDisconnected))
	room, _ := h.sessions.Get(created.RoomID)
	assert.Equal(t, models.RoomGracePeriod, room.State)
	assert.True(t, h.c.GraceActive(created.RoomID))

	h.sched.Advance(4 * time.Minute)
	again, err := h.c.TeacherJoin(ctx, "conn-t2", TeacherJoinRequest{
		TeacherName: "Ms. Frizzle", TeacherID: created.TeacherID, RoomID: created.RoomID,
	})
	require.NoError(t, err)
	assert.True(t, again.Reconnected)
	assert.Equal(t, 1, again.StudentsCount)
	require.NotNil(t, again.ActivePoll)
	assert.False(t, h.c.GraceActive(created.RoomID))

	h.sched.Advance(10 * time.Minute)
	assert.Zero(t, h.rec.count(EventRoomClosed))
	room, ok := h.sessions.Get(created.RoomID)
	require.True(t, ok)
	assert.Equal(t, models.RoomOpen, room.State)
	assert.Equal(t, "conn-t2", room.TeacherConnectionID)
	assert.Equal(t, 1, h.rec.count(EventTeacherReconnected))
}

func TestTeacherGrace_ExpiryClosesRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	created, _ := h.teacher(t, "conn-t")
	h.student(t, created.RoomID, "conn-1", "tab1")

	h.c.Disconnect(ctx, "conn-t")
	h.sched.Advance(time.Minute)

	// The room token still manages polls while the teacher is away.
	byToken, err := h.c.TeacherActor(created.Token)
	require.NoError(t, err)
	poll := h.runningPoll(t, byToken, 300, "A", "B")

	h.sched.Advance(4*time.Minute - time.Second)
	assert.Zero(t, h.rec.count(EventRoomClosed))

	h.sched.Advance(time.Second)
	assert.Equal(t, 1, h.rec.count(EventRoomClosed))
	ended := h.rec.last(EventPollEnded).(*PollEnded)
	assert.Equal(t, models.EndRoomClosed, ended.Reason)
	assert.Equal(t, poll.ID, ended.PollID)
	assert.False(t, h.engine.HasTimer(poll.ID))

	_, ok := h.sessions.Get(created.RoomID)
	assert.False(t, ok)
	_, ok = h.sessions.Binding("conn-1")
	assert.False(t, ok)
	assert.False(t, h.rec.isAttached("conn-1"))

	_, err = h.c.Status(ctx, created.RoomID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	st, err := h.repo.GetStudent(ctx, created.RoomID, "tab1")
	require.NoError(t, err)
	assert.False(t, st.IsActive)

	_, err = h.c.TeacherJoin(ctx, "conn-t3", TeacherJoinRequest{TeacherName: "Ms. Frizzle", TeacherID: created.TeacherID, RoomID: created.RoomID})
	assert.ErrorIs(t, err, ErrRoomNotFound)

	h.sched.Advance(time.Hour)
	assert.Equal(t, 1, h.rec.count(EventRoomClosed))
	assert.Equal(t, 1, h.rec.count(EventPollEnded))

	// Closed rooms keep their history.
	hist, err := h.c.History(ctx, created.RoomID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, hist.Total)
}

func TestTeacherReconnect_RequiresIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	created, _ := h.teacher(t, "conn-t")
	h.c.Disconnect(ctx, "conn-t")

	_, err := h.c.TeacherJoin(ctx, "conn-evil", TeacherJoinRequest{TeacherName: "Mallory", TeacherID: "someone-else", RoomID: created.RoomID})
	assert.ErrorIs(t, err, ErrNotTeacher)
	assert.True(t, h.c.GraceActive(created.RoomID))

	again, err := h.c.TeacherJoin(ctx, "conn-t2", TeacherJoinRequest{TeacherName: "Ms. Frizzle", RoomID: created.RoomID, Token: created.Token})
	require.NoError(t, err)
	assert.True(t, again.Reconnected)
}

func TestStudentDisconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	created, _ := h.teacher(t, "conn-t")
	h.student(t, created.RoomID, "conn-1", "tab1")
	h.student(t, created.RoomID, "conn-2", "tab2")

	h.c.Disconnect(ctx, "conn-1")
	require.Equal(t, 1, h.rec.count(EventStudentDisconnected))
	ev := h.rec.last(EventStudentDisconnected).(StudentDisconnected)
	assert.Equal(t, "tab1", ev.TabID)
	assert.Equal(t, 1, ev.TotalStudents)

	st, err := h.repo.GetStudent(ctx, created.RoomID, "tab1")
	require.NoError(t, err)
	assert.False(t, st.IsActive)

	active, err := h.c.ActiveStudents(ctx, created.RoomID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "tab2", active[0].TabID)

	// A second disconnect of the same connection is a no-op.
	h.c.Disconnect(ctx, "conn-1")
	assert.Equal(t, 1, h.rec.count(EventStudentDisconnected))
}

func TestStudentJoin_MidPollSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	created, teacher := h.teacher(t, "conn-t")
	s := h.student(t, created.RoomID, "conn-1", "tab1")
	poll := h.runningPoll(t, teacher, 60, "A", "B")

	_, err := h.c.SubmitAnswer(ctx, s, SubmitAnswerRequest{AnswerIndex: idx(1)})
	require.NoError(t, err)
	h.sched.Advance(25 * time.Second)

	res, err := h.c.StudentJoin(ctx, "conn-1b", StudentJoinRequest{Name: "Student tab1", TabID: "tab1", RoomID: created.RoomID})
	require.NoError(t, err)
	require.NotNil(t, res.ActivePoll)
	assert.Equal(t, poll.ID, res.ActivePoll.Poll.ID)
	assert.True(t, res.ActivePoll.HasAnswered)
	assert.Equal(t, 35, res.ActivePoll.TimeLeft)
	require.NotNil(t, res.TimerSync)
	assert.True(t, res.TimerSync.PollActive)
	assert.Equal(t, 35, res.TimerSync.TimeLeft)
}

func TestStatusAndSyncTimer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	created, teacher := h.teacher(t, "conn-t")

	st, err := h.c.Status(ctx, created.RoomID)
	require.NoError(t, err)
	assert.Nil(t, st.ActivePoll)
	assert.Empty(t, st.Results)

	poll := h.runningPoll(t, teacher, 30, "A", "B")
	h.sched.Advance(12 * time.Second)

	ts, err := h.c.SyncTimer(ctx, poll.ID)
	require.NoError(t, err)
	assert.True(t, ts.PollActive)
	assert.Equal(t, 18, ts.TimeLeft)

	st, err = h.c.Status(ctx, created.RoomID)
	require.NoError(t, err)
	require.NotNil(t, st.ActivePoll)
	assert.True(t, st.ActivePoll.IsActive)
	assert.Equal(t, 18, st.TimeLeft)
	assert.Len(t, st.Results, 2)

	h.sched.Advance(time.Minute)
	st, err = h.c.Status(ctx, created.RoomID)
	require.NoError(t, err)
	require.NotNil(t, st.ActivePoll)
	assert.Equal(t, models.PollEnded, st.ActivePoll.Status)
	assert.Zero(t, st.TimeLeft)

	ts, err = h.c.SyncTimer(ctx, poll.ID)
	require.NoError(t, err)
	assert.False(t, ts.PollActive)
	assert.Zero(t, ts.TimeLeft)

	ts, err = h.c.SyncTimer(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ts.PollActive)

	_, err = h.c.SyncTimer(ctx, uuid.Nil)
	assert.ErrorIs(t, err, ErrInvalidPollID)
}

func TestTeacherActorFromToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	created, _ := h.teacher(t, "conn-t")

	actor, err := h.c.TeacherActor(created.Token)
	require.NoError(t, err)
	assert.Equal(t, created.RoomID, actor.RoomID)

	p, err := h.c.CreatePoll(ctx, actor, CreatePollRequest{Question: "Via HTTP", Options: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "Ms. Frizzle", p.Poll.CreatedBy)

	_, err = h.c.TeacherActor("garbage")
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
}

func TestHistoryAndSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	created, teacher := h.teacher(t, "conn-t")
	s := h.student(t, created.RoomID, "conn-1", "tab1")
	h.student(t, created.RoomID, "conn-2", "tab2")

	for i := 0; i < 3; i++ {
		p := h.runningPoll(t, teacher, 30, "A", "B")
		_, err := h.c.SubmitAnswer(ctx, s, SubmitAnswerRequest{AnswerIndex: idx(0)})
		require.NoError(t, err)
		_, err = h.c.EndPoll(ctx, teacher, p.ID)
		require.NoError(t, err)
		h.sched.Advance(time.Second)
	}

	hist, err := h.c.History(ctx, created.RoomID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, hist.Total)
	require.Len(t, hist.Polls, 2)
	assert.Equal(t, 1, hist.Polls[0].ResponseCount)
	assert.True(t, hist.Polls[0].CreatedAt.After(hist.Polls[1].CreatedAt))

	h.c.Disconnect(ctx, "conn-2")
	n, err := h.c.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.sched.Advance(61 * time.Minute)
	n, err = h.c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = h.repo.GetStudent(ctx, created.RoomID, "tab2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.repo.GetStudent(ctx, created.RoomID, "tab1")
	assert.NoError(t, err)
}

func TestSubmitAnswer_EndWaitsForInFlightAnswer(t *testing.T) {
	ctx := context.Background()
	gate := &gatedRepo{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWithRepo(t, func(m *store.Memory) store.Repository {
		gate.Memory = m
		return gate
	})
	created, teacher := h.teacher(t, "conn-t")
	s := h.student(t, created.RoomID, "conn-1", "tab1")
	late := h.student(t, created.RoomID, "conn-2", "tab2")
	poll := h.runningPoll(t, teacher, 30, "A", "B")

	submitted := make(chan error, 1)
	go func() {
		_, err := h.c.SubmitAnswer(ctx, s, SubmitAnswerRequest{AnswerIndex: idx(1)})
		submitted <- err
	}()
	<-gate.entered

	ended := make(chan *PollEnded, 1)
	go func() {
		out, err := h.c.EndPoll(ctx, teacher, poll.ID)
		assert.NoError(t, err)
		ended <- out
	}()
	select {
	case <-ended:
		t.Fatal("poll ended while an answer was being recorded")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-submitted)
	out := <-ended
	require.NotNil(t, out)
	assert.Equal(t, 1, out.Stats.TotalResponses)
	require.Len(t, out.Results, 2)
	assert.Equal(t, 1, out.Results[1].VoteCount)
	assert.Less(t, h.rec.index(EventResultsUpdate), h.rec.index(EventPollEnded))

	_, err := h.c.SubmitAnswer(ctx, late, SubmitAnswerRequest{AnswerIndex: idx(0)})
	assert.ErrorIs(t, err, admission.ErrPollNotActive)
	n, err := h.repo.CountAnswers(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreatePoll_FailedReplaceKeepsRunningPoll(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyRepo{}
	h := newHarnessWithRepo(t, func(m *store.Memory) store.Repository {
		flaky.Memory = m
		return flaky
	})
	_, teacher := h.teacher(t, "conn-t")
	running := h.runningPoll(t, teacher, 60, "A", "B")
	next := CreatePollRequest{Question: "Next?", Options: []string{"Yes", "No"}, Replace: true}

	flaky.setFailCreate(true)
	_, err := h.c.CreatePoll(ctx, teacher, next)
	assert.Equal(t, apperr.Server, apperr.KindOf(err))

	active, ok := h.engine.Active(teacher.RoomID)
	require.True(t, ok)
	assert.Equal(t, running.ID, active.ID)
	assert.True(t, h.engine.HasTimer(running.ID))
	assert.Zero(t, h.rec.count(EventPollEnded))
	assert.Empty(t, h.archive.polls)

	flaky.setFailCreate(false)
	_, err = h.c.CreatePoll(ctx, teacher, next)
	require.NoError(t, err)
	assert.Equal(t, 1, h.rec.count(EventPollEnded))
	assert.Less(t, h.rec.index(EventPollEnded), h.rec.index(EventPollCreated))
	_, ok = h.engine.Active(teacher.RoomID)
	assert.False(t, ok)
}

func TestRunMaintenance_ContinuesAfterFailedSweep(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyRepo{failSweeps: 1}
	h := newHarnessWithRepo(t, func(m *store.Memory) store.Repository {
		flaky.Memory = m
		return flaky
	})
	created, _ := h.teacher(t, "conn-t")
	h.student(t, created.RoomID, "conn-1", "tab1")
	h.c.Disconnect(ctx, "conn-1")

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		h.c.RunMaintenance(runCtx)
		close(done)
	}()
	require.Eventually(t, func() bool { return h.sched.Pending() == 1 }, time.Second, time.Millisecond)

	interval := DefaultConfig().CleanupInterval
	h.sched.Advance(interval)
	assert.Equal(t, 1, flaky.sweepCalls())
	_, err := h.repo.GetStudent(ctx, created.RoomID, "tab1")
	require.NoError(t, err)

	h.sched.Advance(interval)
	h.sched.Advance(interval)
	assert.Equal(t, 3, flaky.sweepCalls())
	_, err = h.repo.GetStudent(ctx, created.RoomID, "tab1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maintenance loop did not stop")
	}
	assert.Zero(t, h.sched.Pending())
}
