package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-classroom/livepoll/pkg/response"
)

// RequireRole returns a middleware that allows only the given roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{})
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		roleVal, ok := c.Get(ContextRole)
		if !ok {
			response.Unauthorized(c, "missing room context")
			c.Abort()
			return
		}
		role, _ := roleVal.(string)
		if _, ok := allowed[role]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireRoom rejects requests whose :id path parameter names a room other
// than the token's.
func RequireRoom(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param(param) != c.GetString(ContextRoomID) {
			response.Forbidden(c, "token does not belong to this room")
			c.Abort()
			return
		}
		c.Next()
	}
}
