package coupons

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/database"
)

const couponColumns = `id, code, type, value, min_purchase, max_discount, usage_limit, user_limit, used_count,
	status, valid_from, valid_until, applicable_courses, applicable_products, created_at, updated_at`

// Repository handles coupons and coupon_usages persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a coupon repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByCode returns the coupon with the given code, or nil.
func (r *Repository) GetByCode(ctx context.Context, code string) (*models.Coupon, error) {
	q := `SELECT ` + couponColumns + ` FROM coupons WHERE upper(code) = $1`
	return scanCoupon(r.pool.QueryRow(ctx, q, code))
}

// CountUserUsages counts how many times userID used the coupon.
func (r *Repository) CountUserUsages(ctx context.Context, couponID, userID uuid.UUID) (int, error) {
	return countUserUsages(ctx, r.pool, couponID, userID)
}

// InTx runs fn in a read-committed transaction; caps are guarded by the coupon row lock.
func (r *Repository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func countUserUsages(ctx context.Context, q querier, couponID, userID uuid.UUID) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`, couponID, userID).Scan(&n)
	return n, err
}

func scanCoupon(row pgx.Row) (*models.Coupon, error) {
	var c models.Coupon
	err := row.Scan(&c.ID, &c.Code, &c.Type, &c.Value, &c.MinPurchase, &c.MaxDiscount, &c.UsageLimit, &c.UserLimit,
		&c.UsedCount, &c.Status, &c.ValidFrom, &c.ValidUntil, &c.ApplicableCourses, &c.ApplicableProducts,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockCoupon(ctx context.Context, couponID uuid.UUID) (*models.Coupon, error) {
	q := `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1 FOR UPDATE`
	return scanCoupon(t.tx.QueryRow(ctx, q, couponID))
}

func (t *pgTx) UsageByPayment(ctx context.Context, paymentID uuid.UUID) (*models.CouponUsage, error) {
	var u models.CouponUsage
	err := t.tx.QueryRow(ctx, `SELECT id, coupon_id, user_id, payment_id, discount, used_at
		FROM coupon_usages WHERE payment_id = $1`, paymentID).
		Scan(&u.ID, &u.CouponID, &u.UserID, &u.PaymentID, &u.Discount, &u.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *pgTx) CountUserUsages(ctx context.Context, couponID, userID uuid.UUID) (int, error) {
	return countUserUsages(ctx, t.tx, couponID, userID)
}

func (t *pgTx) InsertUsage(ctx context.Context, u *models.CouponUsage) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO coupon_usages (id, coupon_id, user_id, payment_id, discount, used_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, u.ID, u.CouponID, u.UserID, u.PaymentID, u.Discount, u.UsedAt)
	return err
}

func (t *pgTx) IncrementUsed(ctx context.Context, couponID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE coupons SET used_count = used_count + 1, updated_at = NOW() WHERE id = $1`, couponID)
	return err
}
