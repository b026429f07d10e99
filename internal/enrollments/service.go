// Package enrollments is the narrow contract the payment engine uses against
// course enrollments and the course directory.
package enrollments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/models"
)

// ErrCourseNotFound is returned when the course id is unknown.
var ErrCourseNotFound = apperr.NotFound("course not found")

const enrollmentColumns = `id, user_id, course_id, status, affiliate_id, activated_at, created_at, updated_at`

// Repository reads and activates enrollments and resolves course instructors.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an enrollment repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Activate makes the user's enrollment in the course active, creating it when
// absent. Activating an active enrollment returns it unchanged.
func (r *Repository) Activate(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.pool.QueryRow(ctx, `
		INSERT INTO enrollments (user_id, course_id, status, activated_at)
		VALUES ($1, $2, 'active', NOW())
		ON CONFLICT (user_id, course_id) DO UPDATE
		SET status = 'active',
		    activated_at = COALESCE(enrollments.activated_at, NOW()),
		    updated_at = CASE WHEN enrollments.status = 'active' THEN enrollments.updated_at ELSE NOW() END
		RETURNING `+enrollmentColumns, userID, courseID).
		Scan(&e.ID, &e.UserID, &e.CourseID, &e.Status, &e.AffiliateID, &e.ActivatedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("activate enrollment: %w", err)
	}
	return &e, nil
}

// Get returns the user's enrollment in the course, or nil.
func (r *Repository) Get(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.pool.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE user_id = $1 AND course_id = $2`, userID, courseID).
		Scan(&e.ID, &e.UserID, &e.CourseID, &e.Status, &e.AffiliateID, &e.ActivatedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return &e, nil
}

// InstructorForCourse returns the instructor payee id of the course, or nil
// when the course has none.
func (r *Repository) InstructorForCourse(ctx context.Context, courseID uuid.UUID) (*uuid.UUID, error) {
	var id *uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT instructor_id FROM courses WHERE id = $1`, courseID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCourseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("course instructor: %w", err)
	}
	return id, nil
}
