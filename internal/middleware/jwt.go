package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-learn/backend/internal/auth"
	"github.com/aura-learn/backend/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
	// ContextUserEmail is the key for the email claim; payment receipts go there.
	ContextUserEmail = "user_email"
)

// JWT validates the bearer token and stores the caller identity in the context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, found := strings.Cut(c.GetHeader("Authorization"), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			response.Unauthorized(c, "missing or invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(strings.TrimSpace(token))
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		v := claims.Viewer()
		c.Set(ContextUserID, v.UserID)
		c.Set(ContextUserRole, string(v.Role))
		c.Set(ContextUserEmail, claims.Email)
		c.Next()
	}
}
