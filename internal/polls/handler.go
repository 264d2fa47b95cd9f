package polls

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/coordinator"
	"github.com/aura-classroom/livepoll/internal/middleware"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/session"
	"github.com/aura-classroom/livepoll/pkg/response"
)

// Service is the part of the coordinator the HTTP API drives.
type Service interface {
	CreatePoll(ctx context.Context, actor coordinator.Actor, req coordinator.CreatePollRequest) (*coordinator.PollCreated, error)
	StartPoll(ctx context.Context, actor coordinator.Actor, pollID uuid.UUID) (*coordinator.PollStarted, error)
	EndPoll(ctx context.Context, actor coordinator.Actor, pollID uuid.UUID) (*coordinator.PollEnded, error)
	Poll(ctx context.Context, pollID uuid.UUID) (*models.PollView, error)
	Results(ctx context.Context, pollID uuid.UUID) (*models.Results, error)
	Status(ctx context.Context, roomID string) (*coordinator.PollStatus, error)
	History(ctx context.Context, roomID string, page, limit int) (*coordinator.History, error)
	ActiveStudents(ctx context.Context, roomID string) ([]models.Student, error)
	Sweep(ctx context.Context) (int64, error)
}

// ArchiveLinker hands out download links for archived polls.
type ArchiveLinker interface {
	ArchiveURL(ctx context.Context, roomID, pollID string) (string, error)
}

// Handler handles poll and room HTTP endpoints.
type Handler struct {
	svc     Service
	archive ArchiveLinker
	logger  *zap.Logger
}

// NewHandler creates a polls handler. archive may be nil when archiving is off.
func NewHandler(svc Service, archive ArchiveLinker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, archive: archive, logger: logger}
}

// Register mounts the routes. roomToken guards the teacher-only endpoints.
func (h *Handler) Register(r gin.IRouter, roomToken gin.HandlerFunc) {
	teacher := middleware.RequireRole(string(session.RoleTeacher))

	r.GET("/polls/:id/results", h.Results)
	r.GET("/polls/:id/archive-url", h.ArchiveURL)
	r.GET("/rooms/:id/status", h.Status)
	r.GET("/rooms/:id/polls", h.History)
	r.GET("/rooms/:id/students", h.Students)

	r.POST("/rooms/:id/polls", roomToken, teacher, middleware.RequireRoom("id"), h.Create)
	r.POST("/polls/:id/start", roomToken, teacher, h.Start)
	r.POST("/polls/:id/end", roomToken, teacher, h.End)
	r.POST("/students/cleanup", roomToken, teacher, h.Cleanup)
}

// Create handles POST /rooms/:id/polls (room teacher).
func (h *Handler) Create(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		response.Unauthorized(c, "missing room context")
		return
	}
	var req coordinator.CreatePollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	out, err := h.svc.CreatePoll(c.Request.Context(), actor, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, out.Poll)
}

// Start handles POST /polls/:id/start (room teacher).
func (h *Handler) Start(c *gin.Context) {
	actor, pollID, ok := h.teacherAndPoll(c)
	if !ok {
		return
	}
	out, err := h.svc.StartPoll(c.Request.Context(), actor, pollID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, out)
}

// End handles POST /polls/:id/end (room teacher).
func (h *Handler) End(c *gin.Context) {
	actor, pollID, ok := h.teacherAndPoll(c)
	if !ok {
		return
	}
	out, err := h.svc.EndPoll(c.Request.Context(), actor, pollID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, out)
}

// Results handles GET /polls/:id/results.
func (h *Handler) Results(c *gin.Context) {
	pollID, ok := pollParam(c)
	if !ok {
		return
	}
	res, err := h.svc.Results(c.Request.Context(), pollID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, res)
}

// ArchiveURL handles GET /polls/:id/archive-url.
func (h *Handler) ArchiveURL(c *gin.Context) {
	if h.archive == nil {
		response.ServiceUnavailable(c, "poll archiving is not configured")
		return
	}
	pollID, ok := pollParam(c)
	if !ok {
		return
	}
	poll, err := h.svc.Poll(c.Request.Context(), pollID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if poll.Status != models.PollEnded {
		response.Conflict(c, "poll has not ended yet")
		return
	}
	url, err := h.archive.ArchiveURL(c.Request.Context(), poll.RoomID, poll.ID.String())
	if err != nil {
		h.logger.Debug("archive url", zap.String("poll_id", pollID.String()), zap.Error(err))
		response.NotFound(c, "archive not available yet")
		return
	}
	response.OK(c, gin.H{"pollId": poll.ID, "url": url})
}

// Status handles GET /rooms/:id/status.
func (h *Handler) Status(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, st)
}

// History handles GET /rooms/:id/polls?page=&limit=.
func (h *Handler) History(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	out, err := h.svc.History(c.Request.Context(), c.Param("id"), page, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, out)
}

// Students handles GET /rooms/:id/students.
func (h *Handler) Students(c *gin.Context) {
	students, err := h.svc.ActiveStudents(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"students": students, "count": len(students)})
}

// Cleanup handles POST /students/cleanup (any room teacher).
func (h *Handler) Cleanup(c *gin.Context) {
	n, err := h.svc.Sweep(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"deletedCount": n})
}

func (h *Handler) teacherAndPoll(c *gin.Context) (coordinator.Actor, uuid.UUID, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		response.Unauthorized(c, "missing room context")
		return coordinator.Actor{}, uuid.Nil, false
	}
	pollID, ok := pollParam(c)
	return actor, pollID, ok
}

func pollParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := coordinator.ParsePollID(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	response.Error(c, err)
}
