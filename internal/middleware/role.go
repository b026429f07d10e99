package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/response"
)

// RequireRole lets through only callers whose JWT role is one of roles.
// Must run after JWT.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := make(map[models.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		v, ok := Viewer(c)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if _, ok := allowed[v.Role]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}
