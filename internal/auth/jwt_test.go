package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/backend/internal/models"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	id := uuid.New()
	tok, err := svc.Generate(id, "ana@example.com", "student")
	require.NoError(t, err)

	claims, err := svc.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "ana@example.com", claims.Email)
	assert.Equal(t, models.Viewer{UserID: id, Role: models.RoleStudent}, claims.Viewer())
}

func TestValidateRejects(t *testing.T) {
	svc := NewJWTService("secret", 1)
	other := NewJWTService("other", 1)
	tok, err := other.Generate(uuid.New(), "", "admin")
	require.NoError(t, err)

	_, err = svc.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueExpires(t *testing.T) {
	svc := NewJWTService("secret", 1)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }
	tok, err := svc.Issue(uuid.New(), "", "admin", 10*time.Minute)
	require.NoError(t, err)

	svc.now = func() time.Time { return start.Add(5 * time.Minute) }
	_, err = svc.Validate(tok)
	require.NoError(t, err)

	svc.now = func() time.Time { return start.Add(11 * time.Minute) }
	_, err = svc.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	_, err := NewJWTService("secret", 1).Issue(uuid.New(), "", "root", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRole)
}
