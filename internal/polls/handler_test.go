package polls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-classroom/livepoll/internal/admission"
	"github.com/aura-classroom/livepoll/internal/auth"
	"github.com/aura-classroom/livepoll/internal/coordinator"
	"github.com/aura-classroom/livepoll/internal/lifecycle"
	"github.com/aura-classroom/livepoll/internal/middleware"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/realtime"
	"github.com/aura-classroom/livepoll/internal/results"
	"github.com/aura-classroom/livepoll/internal/session"
	"github.com/aura-classroom/livepoll/internal/store"
)

type linkerFunc func(ctx context.Context, roomID, pollID string) (string, error)

func (f linkerFunc) ArchiveURL(ctx context.Context, roomID, pollID string) (string, error) {
	return f(ctx, roomID, pollID)
}

type api struct {
	router *gin.Engine
	coord  *coordinator.Coordinator
	sched  *lifecycle.ManualScheduler
}

func newAPI(t *testing.T, linker ArchiveLinker) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sched := lifecycle.NewManualScheduler(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	repo := store.NewMemory()
	engine := lifecycle.NewEngine(repo, sched, nil)
	coord := coordinator.New(coordinator.DefaultConfig(), coordinator.Deps{
		Sessions:    session.NewMemory(),
		Engine:      engine,
		Admission:   admission.NewController(engine, repo, sched, nil),
		Results:     results.NewAggregator(engine, repo),
		Repo:        repo,
		Broadcaster: realtime.NewHub(nil, nil),
		Scheduler:   sched,
		Tokens:      auth.NewJWTService("test-secret", 1),
	})
	t.Cleanup(coord.Close)

	r := gin.New()
	NewHandler(coord, linker, nil).Register(r, middleware.RoomToken(coord))
	return &api{router: r, coord: coord, sched: sched}
}

func (a *api) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (a *api) room(t *testing.T, connID string) *coordinator.RoomCreated {
	t.Helper()
	created, err := a.coord.TeacherJoin(context.Background(), connID, coordinator.TeacherJoinRequest{TeacherName: "Ms. Frizzle"})
	require.NoError(t, err)
	return created
}

func TestPollLifecycleOverHTTP(t *testing.T) {
	a := newAPI(t, nil)
	room := a.room(t, "conn-t")

	code, env := a.do(t, http.MethodPost, "/rooms/"+room.RoomID+"/polls", room.Token,
		coordinator.CreatePollRequest{Question: "Pick one", Options: []string{"A", "B"}, TimeLimit: 30})
	require.Equal(t, http.StatusCreated, code)
	var poll models.PollView
	require.NoError(t, json.Unmarshal(env["data"], &poll))
	assert.Equal(t, models.PollCreated, poll.Status)

	code, _ = a.do(t, http.MethodPost, "/polls/"+poll.ID.String()+"/start", room.Token, nil)
	require.Equal(t, http.StatusOK, code)

	code, env = a.do(t, http.MethodPost, "/polls/"+poll.ID.String()+"/start", room.Token, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.JSONEq(t, `"conflict"`, string(env["type"]))

	code, env = a.do(t, http.MethodGet, "/rooms/"+room.RoomID+"/status", "", nil)
	require.Equal(t, http.StatusOK, code)
	var st coordinator.PollStatus
	require.NoError(t, json.Unmarshal(env["data"], &st))
	assert.Equal(t, 30, st.TimeLeft)
	assert.Len(t, st.Results, 2)

	code, _ = a.do(t, http.MethodPost, "/polls/"+poll.ID.String()+"/end", room.Token, nil)
	require.Equal(t, http.StatusOK, code)

	code, env = a.do(t, http.MethodGet, "/rooms/"+room.RoomID+"/polls?page=1&limit=5", "", nil)
	require.Equal(t, http.StatusOK, code)
	var hist coordinator.History
	require.NoError(t, json.Unmarshal(env["data"], &hist))
	assert.Equal(t, 1, hist.Total)
	assert.Equal(t, 5, hist.Limit)
	require.Len(t, hist.Polls, 1)
	assert.Equal(t, models.PollEnded, hist.Polls[0].Status)

	code, _ = a.do(t, http.MethodGet, "/polls/"+poll.ID.String()+"/results", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestHTTPErrors(t *testing.T) {
	a := newAPI(t, nil)
	room := a.room(t, "conn-t")
	other := a.room(t, "conn-t2")

	code, _ := a.do(t, http.MethodPost, "/rooms/"+room.RoomID+"/polls", "", coordinator.CreatePollRequest{})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = a.do(t, http.MethodPost, "/rooms/"+room.RoomID+"/polls", other.Token,
		coordinator.CreatePollRequest{Question: "Q", Options: []string{"A", "B"}})
	assert.Equal(t, http.StatusForbidden, code)

	code, env := a.do(t, http.MethodPost, "/rooms/"+room.RoomID+"/polls", room.Token,
		coordinator.CreatePollRequest{Question: "Q", Options: []string{"only one"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `"validation"`, string(env["type"]))

	code, _ = a.do(t, http.MethodGet, "/polls/not-a-uuid/results", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/rooms/room_missing/status", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodGet, "/polls/00000000-0000-0000-0000-000000000001/archive-url", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestArchiveURL(t *testing.T) {
	a := newAPI(t, linkerFunc(func(ctx context.Context, roomID, pollID string) (string, error) {
		if roomID == "" {
			return "", errors.New("no room")
		}
		return "https://archive.example/" + roomID + "/" + pollID, nil
	}))
	room := a.room(t, "conn-t")
	created, err := a.coord.CreatePoll(context.Background(), coordinator.Actor{RoomID: room.RoomID, Role: session.RoleTeacher},
		coordinator.CreatePollRequest{Question: "Q", Options: []string{"A", "B"}})
	require.NoError(t, err)
	path := "/polls/" + created.Poll.ID.String() + "/archive-url"

	code, _ := a.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = a.do(t, http.MethodPost, "/polls/"+created.Poll.ID.String()+"/start", room.Token, nil)
	require.Equal(t, http.StatusOK, code)
	a.sched.Advance(61 * time.Second)

	code, env := a.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, code)
	var out struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(env["data"], &out))
	assert.Equal(t, "https://archive.example/"+room.RoomID+"/"+created.Poll.ID.String(), out.URL)
}

func TestStudentsAndCleanup(t *testing.T) {
	a := newAPI(t, nil)
	room := a.room(t, "conn-t")
	_, err := a.coord.StudentJoin(context.Background(), "conn-s", coordinator.StudentJoinRequest{Name: "Arnold", TabID: "tab-1", RoomID: room.RoomID})
	require.NoError(t, err)

	code, env := a.do(t, http.MethodGet, "/rooms/"+room.RoomID+"/students", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env["data"]), `"count":1`)

	code, env = a.do(t, http.MethodPost, "/students/cleanup", room.Token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env["data"]), `"deletedCount":0`)
}
