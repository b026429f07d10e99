package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/backend/internal/auth"
	"github.com/aura-learn/backend/internal/models"
)

func router(svc *auth.JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWT(svc))
	r.GET("/me", func(c *gin.Context) {
		v, ok := Viewer(c)
		if !ok {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": v.UserID, "role": v.Role, "email": UserEmail(c)})
	})
	admin := r.Group("/admin", RequireRole(models.RoleAdmin))
	admin.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func get(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTSetsViewer(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	id := uuid.New()
	tok, err := svc.Generate(id, "ana@example.com", "student")
	require.NoError(t, err)

	w := get(router(svc), "/me", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id.String())
	assert.Contains(t, w.Body.String(), "ana@example.com")
}

func TestJWTRejectsMissingOrBadToken(t *testing.T) {
	r := router(auth.NewJWTService("secret", 1))
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "garbage").Code)
}

func TestRequireRole(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	r := router(svc)
	student, _ := svc.Generate(uuid.New(), "", "student")
	admin, _ := svc.Generate(uuid.New(), "", "admin")

	assert.Equal(t, http.StatusForbidden, get(r, "/admin/ping", student).Code)
	assert.Equal(t, http.StatusNoContent, get(r, "/admin/ping", admin).Code)
}
