package models

import "github.com/google/uuid"

// Role is a user's platform role as carried in the JWT.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// Viewer is the authenticated caller of a read accessor.
type Viewer struct {
	UserID uuid.UUID
	Role   Role
}

// IsAdmin reports whether the viewer may read other users' records.
func (v Viewer) IsAdmin() bool { return v.Role == RoleAdmin }

// CanSee reports whether the viewer may read a record owned by ownerID.
func (v Viewer) CanSee(ownerID uuid.UUID) bool {
	return v.IsAdmin() || v.UserID == ownerID
}
