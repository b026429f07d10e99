package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/backend/internal/models"
)

const paymentColumns = `id, payer_id, course_id, order_id, amount, discount_amount, final_amount, currency, method, gateway,
	gateway_transaction_id, external_id, status, coupon_id, coupon_code, metadata, retry_count, refunded_amount,
	client_ip, user_agent, completed_at, created_at, updated_at`

// Repository is the pgx Store for payments. It also answers the fraud
// scorer's history queries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a payment repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.PayerID, &p.CourseID, &p.OrderID, &p.Amount, &p.DiscountAmount, &p.FinalAmount, &p.Currency,
		&p.Method, &p.Gateway, &p.GatewayTransactionID, &p.ExternalID, &p.Status, &p.CouponID, &p.CouponCode, &p.Metadata,
		&p.RetryCount, &p.RefundedAmount, &p.ClientIP, &p.UserAgent, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func metadata(p *models.Payment) map[string]any {
	if p.Metadata == nil {
		return map[string]any{}
	}
	return p.Metadata
}

// Insert implements Store.
func (r *Repository) Insert(ctx context.Context, p *models.Payment) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		p.ID, p.PayerID, p.CourseID, p.OrderID, p.Amount, p.DiscountAmount, p.FinalAmount, p.Currency, p.Method, p.Gateway,
		p.GatewayTransactionID, p.ExternalID, p.Status, p.CouponID, p.CouponCode, metadata(p), p.RetryCount, p.RefundedAmount,
		p.ClientIP, p.UserAgent, p.CompletedAt, p.CreatedAt, p.UpdatedAt)
	return err
}

// Get implements Store.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// GetByReference implements Store.
func (r *Repository) GetByReference(ctx context.Context, reference string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_transaction_id = $1`, reference))
}

// GetByExternalID implements Store.
func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (*models.Payment, error) {
	if externalID == "" {
		return nil, nil
	}
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE external_id = $1 ORDER BY created_at DESC LIMIT 1`, externalID))
}

// List implements Store.
func (r *Repository) List(ctx context.Context, payerID *uuid.UUID, limit, offset int) ([]*models.Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE ($1::uuid IS NULL OR payer_id = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, payerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

const updateSet = `SET method = $2, gateway = $3, gateway_transaction_id = $4, external_id = $5, status = $6,
	metadata = $7, retry_count = $8, refunded_amount = $9, completed_at = $10, updated_at = $11`

func updateArgs(p *models.Payment) []any {
	return []any{p.ID, p.Method, p.Gateway, p.GatewayTransactionID, p.ExternalID, p.Status, metadata(p), p.RetryCount,
		p.RefundedAmount, p.CompletedAt, p.UpdatedAt}
}

// Update implements Store.
func (r *Repository) Update(ctx context.Context, p *models.Payment) error {
	_, err := r.pool.Exec(ctx, `UPDATE payments `+updateSet+` WHERE id = $1`, updateArgs(p)...)
	return err
}

// Transition implements Store as a conditional update on the stored status.
func (r *Repository) Transition(ctx context.Context, p *models.Payment, from models.PaymentStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE payments `+updateSet+` WHERE id = $1 AND status = $12`, append(updateArgs(p), from)...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LogEvent implements Store.
func (r *Repository) LogEvent(ctx context.Context, ev *models.GatewayEvent) error {
	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO gateway_events
		(id, gateway, payment_id, external_ref, headers, payload, signature, status, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.Gateway, ev.PaymentID, ev.ExternalRef, headers, ev.Payload, ev.Signature, ev.Status, ev.Error, ev.ReceivedAt)
	return err
}

// FinishEvent implements Store.
func (r *Repository) FinishEvent(ctx context.Context, ev *models.GatewayEvent) error {
	_, err := r.pool.Exec(ctx, `UPDATE gateway_events
		SET status = $2, payment_id = COALESCE($3, payment_id), external_ref = $4, error = $5, processed_at = $6
		WHERE id = $1`, ev.ID, ev.Status, ev.PaymentID, ev.ExternalRef, ev.Error, ev.ProcessedAt)
	return err
}

// CountByPayerSince implements fraud.History.
func (r *Repository) CountByPayerSince(ctx context.Context, payerID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE payer_id = $1 AND created_at >= $2`, payerID, since).Scan(&n)
	return n, err
}

// CountOtherPayersByIPSince implements fraud.History.
func (r *Repository) CountOtherPayersByIPSince(ctx context.Context, ip string, payerID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT payer_id) FROM payments
		WHERE client_ip = $1 AND payer_id <> $2 AND created_at >= $3`, ip, payerID, since).Scan(&n)
	return n, err
}

// LastCompletedAt implements fraud.History.
func (r *Repository) LastCompletedAt(ctx context.Context, payerID uuid.UUID) (*time.Time, error) {
	var at *time.Time
	err := r.pool.QueryRow(ctx, `SELECT MAX(completed_at) FROM payments WHERE payer_id = $1 AND completed_at IS NOT NULL`, payerID).Scan(&at)
	return at, err
}
