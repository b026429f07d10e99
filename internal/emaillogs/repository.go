package emaillogs

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/backend/internal/models"
)

// Repository handles email_logs persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an email logs repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record stores one delivery attempt.
func (r *Repository) Record(ctx context.Context, l *models.EmailLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	const q = `INSERT INTO email_logs (id, payment_id, template, recipient_email, subject, status, attempt, error_message, sent_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9)
		RETURNING created_at`
	return r.pool.QueryRow(ctx, q, l.ID, l.PaymentID, l.Template, l.RecipientEmail, l.Subject, l.Status, l.Attempt, l.ErrorMessage, l.SentAt).
		Scan(&l.CreatedAt)
}

// ListByPayment returns the delivery attempts for a payment, newest first.
func (r *Repository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.EmailLog, error) {
	const q = `SELECT id, payment_id, template, recipient_email, subject, status, attempt, error_message, sent_at, created_at
		FROM email_logs
		WHERE payment_id = $1
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EmailLog
	for rows.Next() {
		var el models.EmailLog
		var subject, errMsg *string
		if err := rows.Scan(&el.ID, &el.PaymentID, &el.Template, &el.RecipientEmail, &subject, &el.Status, &el.Attempt, &errMsg, &el.SentAt, &el.CreatedAt); err != nil {
			return nil, err
		}
		if subject != nil {
			el.Subject = *subject
		}
		if errMsg != nil {
			el.ErrorMessage = *errMsg
		}
		list = append(list, &el)
	}
	return list, rows.Err()
}
