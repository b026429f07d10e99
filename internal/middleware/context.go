package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-learn/backend/internal/models"
)

// UserID returns the authenticated user id set by JWT.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// UserEmail returns the email claim, or "".
func UserEmail(c *gin.Context) string {
	return c.GetString(ContextUserEmail)
}

// Viewer builds the read-scope of the caller.
func Viewer(c *gin.Context) (models.Viewer, bool) {
	id, ok := UserID(c)
	if !ok {
		return models.Viewer{}, false
	}
	return models.Viewer{UserID: id, Role: models.Role(c.GetString(ContextUserRole))}, true
}
