package models

import (
	"time"

	"github.com/google/uuid"
)

// Enrollment statuses.
const (
	EnrollmentStatusPending = "pending"
	EnrollmentStatusActive  = "active"
)

// Enrollment links a user to a course. AffiliateID is set when the user was referred.
type Enrollment struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	CourseID    uuid.UUID  `json:"course_id"`
	Status      string     `json:"status"`
	AffiliateID *uuid.UUID `json:"affiliate_id,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
