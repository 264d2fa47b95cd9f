package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-classroom/livepoll/internal/coordinator"
	"github.com/aura-classroom/livepoll/pkg/response"
)

const (
	// ContextActor is the key for the resolved coordinator.Actor in gin context.
	ContextActor = "actor"
	// ContextRoomID is the key for the token's room id in gin context.
	ContextRoomID = "room_id"
	// ContextRole is the key for the actor's role in gin context.
	ContextRole = "role"
)

// ActorResolver turns a room token into an actor.
type ActorResolver interface {
	TeacherActor(token string) (coordinator.Actor, error)
}

// RoomToken returns a middleware that validates the bearer room token and
// sets the teacher actor in context.
func RoomToken(resolver ActorResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		actor, err := resolver.TeacherActor(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextActor, actor)
		c.Set(ContextRoomID, actor.RoomID)
		c.Set(ContextRole, string(actor.Role))
		c.Next()
	}
}

// ActorFrom returns the actor set by RoomToken.
func ActorFrom(c *gin.Context) (coordinator.Actor, bool) {
	v, ok := c.Get(ContextActor)
	if !ok {
		return coordinator.Actor{}, false
	}
	a, ok := v.(coordinator.Actor)
	return a, ok
}
