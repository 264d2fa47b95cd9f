package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/apperr"
	"github.com/aura-classroom/livepoll/internal/coordinator"
)

const requestTimeout = 10 * time.Second


// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Coordinator is what the connection layer dispatches inbound events to.
type Coordinator interface {
	Actor(connID string) (coordinator.Actor, bool)
	TeacherJoin(ctx context.Context, connID string, req coordinator.TeacherJoinRequest) (*coordinator.RoomCreated, error)
	StudentJoin(ctx context.Context, connID string, req coordinator.StudentJoinRequest) (*coordinator.StudentJoinResult, error)
	CreatePoll(ctx context.Context, actor coordinator.Actor, req coordinator.CreatePollRequest) (*coordinator.PollCreated, error)
	StartPoll(ctx context.Context, actor coordinator.Actor, pollID uuid.UUID) (*coordinator.PollStarted, error)
	EndPoll(ctx context.Context, actor coordinator.Actor, pollID uuid.UUID) (*coordinator.PollEnded, error)
	SubmitAnswer(ctx context.Context, actor coordinator.Actor, req coordinator.SubmitAnswerRequest) (*coordinator.AnswerSubmitted, error)
	Status(ctx context.Context, roomID string) (*coordinator.PollStatus, error)
	SyncTimer(ctx context.Context, pollID uuid.UUID) (*coordinator.TimerSync, error)
	Disconnect(ctx context.Context, connID string)
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	hub    *Hub
	coord  Coordinator
	conn   *websocket.Conn
	send   chan WSMessage
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. Identity
// is established by the first teacher-join or student-join event.
// checkOrigin rejects browser origins outside the allowed list; nil keeps
// gorilla's same-host check.
func ServeWs(hub *Hub, coord Coordinator, checkOrigin func(*http.Request) bool, logger *zap.Logger) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:     uuid.New().String(),
			hub:    hub,
			coord:  coord,
			conn:   conn,
			send:   make(chan WSMessage, 256),
			done:   make(chan struct{}),
			logger: logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// enqueue never blocks; a full buffer drops the message for this client.
func (c *Client) enqueue(msg WSMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("client send buffer full, dropping message",
			zap.String("client_id", c.ID),
			zap.String("event", msg.Event))
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		c.coord.Disconnect(ctx, c.ID)
		cancel()
		c.hub.Unregister(c)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		c.dispatch(ctx, msg)
		cancel()
	}
}

func (c *Client) dispatch(ctx context.Context, msg WSMessage) {
	actor, _ := c.coord.Actor(c.ID)

	switch msg.Event {
	case "teacher-join":
		var req coordinator.TeacherJoinRequest
		if !c.decode(msg, &req) {
			return
		}
		res, err := c.coord.TeacherJoin(ctx, c.ID, req)
		c.reply(coordinator.EventRoomCreated, res, err)

	case "student-join":
		var req coordinator.StudentJoinRequest
		if !c.decode(msg, &req) {
			return
		}
		res, err := c.coord.StudentJoin(ctx, c.ID, req)
		if err != nil {
			c.sendError(err)
			return
		}
		c.hub.SendToClient(c.ID, coordinator.EventJoinedRoom, res.Joined)
		if res.ActivePoll != nil {
			c.hub.SendToClient(c.ID, coordinator.EventActivePoll, res.ActivePoll)
		}
		if res.TimerSync != nil {
			c.hub.SendToClient(c.ID, coordinator.EventTimerSync, res.TimerSync)
		}

	case "create-poll", "teacher-create-poll":
		var req coordinator.CreatePollRequest
		if !c.decode(msg, &req) {
			return
		}
		if _, err := c.coord.CreatePoll(ctx, actor, req); err != nil {
			c.sendError(err)
		}

	case "start-poll", "teacher-start-poll":
		id, ok := c.pollID(msg)
		if !ok {
			return
		}
		if _, err := c.coord.StartPoll(ctx, actor, id); err != nil {
			c.sendError(err)
		}

	case "end-poll", "teacher-end-poll":
		id, ok := c.pollID(msg)
		if !ok {
			return
		}
		if _, err := c.coord.EndPoll(ctx, actor, id); err != nil {
			c.sendError(err)
		}

	case "submit-answer":
		var req coordinator.SubmitAnswerRequest
		if !c.decode(msg, &req) {
			return
		}
		res, err := c.coord.SubmitAnswer(ctx, actor, req)
		c.reply(coordinator.EventAnswerSubmitted, res, err)

	case "get-poll-status":
		var req struct {
			RoomID string `json:"roomId"`
		}
		if len(msg.Data) > 0 && !c.decode(msg, &req) {
			return
		}
		roomID := actor.RoomID
		if roomID == "" {
			roomID = req.RoomID
		}
		if roomID == "" {
			c.sendError(coordinator.ErrNotJoined)
			return
		}
		res, err := c.coord.Status(ctx, roomID)
		c.reply(coordinator.EventPollStatus, res, err)

	case "sync-timer":
		id, ok := c.pollID(msg)
		if !ok {
			return
		}
		res, err := c.coord.SyncTimer(ctx, id)
		c.reply(coordinator.EventTimerSync, res, err)

	default:
		c.logger.Debug("ignoring unknown event", zap.String("client_id", c.ID), zap.String("event", msg.Event))
	}
}

func (c *Client) decode(msg WSMessage, v interface{}) bool {
	if len(msg.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		c.sendError(apperr.Validationf("invalid %s payload", msg.Event))
		return false
	}
	return true
}

func (c *Client) pollID(msg WSMessage) (uuid.UUID, bool) {
	var req struct {
		PollID string `json:"pollId"`
	}
	if !c.decode(msg, &req) {
		return uuid.Nil, false
	}
	id, err := coordinator.ParsePollID(req.PollID)
	if err != nil {
		c.sendError(err)
		return uuid.Nil, false
	}
	return id, true
}

func (c *Client) reply(event string, payload interface{}, err error) {
	if err != nil {
		c.sendError(err)
		return
	}
	c.hub.SendToClient(c.ID, event, payload)
}

// sendError reports err to this connection only.
func (c *Client) sendError(err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.Server {
		c.logger.Error("request failed", zap.String("client_id", c.ID), zap.Error(err))
	} else {
		c.logger.Debug("request rejected", zap.String("client_id", c.ID), zap.Error(err))
	}
	c.hub.SendToClient(c.ID, coordinator.EventError, coordinator.ErrorEvent{
		Message: apperr.Message(err),
		Type:    string(kind),
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
