// Package coupons prices discount codes and records their use once a payment
// has completed. Validation never writes.
package coupons

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/models"
)

var (
	// ErrNotFound is returned when a coupon id does not exist.
	ErrNotFound = apperr.NotFound("coupon not found")
	// ErrUsageLimitReached is returned by Apply when the global cap is used up.
	ErrUsageLimitReached = apperr.Conflict("coupon usage limit reached")
	// ErrUserLimitReached is returned by Apply when the payer's cap is used up.
	ErrUserLimitReached = apperr.Conflict("coupon user limit reached")
)

// Rejection reasons reported in Quote.Reason.
const (
	ReasonNotFound       = "coupon not found"
	ReasonInactive       = "coupon is not active"
	ReasonNotStarted     = "coupon is not valid yet"
	ReasonExpired        = "coupon has expired"
	ReasonUsageLimit     = "coupon usage limit reached"
	ReasonUserLimit      = "coupon user limit reached"
	ReasonPayerRequired  = "coupon requires a signed-in payer"
	ReasonMinPurchase    = "minimum purchase not met"
	ReasonNotApplicable  = "coupon does not apply to these items"
	ReasonNonPositiveAmt = "amount must be positive"
)

// Scope lists the candidate items a coupon is checked against.
type Scope struct {
	CourseIDs  []uuid.UUID `json:"course_ids,omitempty"`
	ProductIDs []uuid.UUID `json:"product_ids,omitempty"`
}

// Quote is the outcome of Validate.
type Quote struct {
	Valid       bool            `json:"valid"`
	Reason      string          `json:"reason,omitempty"`
	CouponID    uuid.UUID       `json:"coupon_id,omitempty"`
	Code        string          `json:"code"`
	Discount    decimal.Decimal `json:"discount"`
	FinalAmount decimal.Decimal `json:"final_amount"`
}

// Store reads coupons outside a transaction.
type Store interface {
	GetByCode(ctx context.Context, code string) (*models.Coupon, error)
	CountUserUsages(ctx context.Context, couponID, userID uuid.UUID) (int, error)
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the locked view Apply works against.
type Tx interface {
	LockCoupon(ctx context.Context, couponID uuid.UUID) (*models.Coupon, error)
	UsageByPayment(ctx context.Context, paymentID uuid.UUID) (*models.CouponUsage, error)
	CountUserUsages(ctx context.Context, couponID, userID uuid.UUID) (int, error)
	InsertUsage(ctx context.Context, u *models.CouponUsage) error
	IncrementUsed(ctx context.Context, couponID uuid.UUID) error
}

// Engine validates and applies coupons.
type Engine struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a coupon engine.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger, now: time.Now}
}

// Validate prices code against amount. payerID may be uuid.Nil for anonymous
// quotes. An invalid coupon is reported in the Quote, not as an error.
func (e *Engine) Validate(ctx context.Context, code string, payerID uuid.UUID, amount decimal.Decimal, scope Scope) (Quote, error) {
	code = NormalizeCode(code)
	q := Quote{Code: code, Discount: decimal.Zero, FinalAmount: amount}
	reject := func(reason string) (Quote, error) {
		q.Reason = reason
		return q, nil
	}
	if !amount.IsPositive() {
		return reject(ReasonNonPositiveAmt)
	}
	c, err := e.store.GetByCode(ctx, code)
	if err != nil {
		return Quote{}, fmt.Errorf("load coupon: %w", err)
	}
	if c == nil {
		return reject(ReasonNotFound)
	}
	q.CouponID = c.ID
	if c.Status != models.CouponStatusActive {
		return reject(ReasonInactive)
	}
	now := e.now()
	if now.Before(c.ValidFrom) {
		return reject(ReasonNotStarted)
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return reject(ReasonExpired)
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return reject(ReasonUsageLimit)
	}
	if c.UserLimit != nil {
		if payerID == uuid.Nil {
			return reject(ReasonPayerRequired)
		}
		used, err := e.store.CountUserUsages(ctx, c.ID, payerID)
		if err != nil {
			return Quote{}, fmt.Errorf("count user usages: %w", err)
		}
		if used >= *c.UserLimit {
			return reject(ReasonUserLimit)
		}
	}
	if c.MinPurchase != nil && amount.LessThan(*c.MinPurchase) {
		return reject(ReasonMinPurchase)
	}
	if !inScope(c, scope) {
		return reject(ReasonNotApplicable)
	}

	q.Valid = true
	q.Discount = Discount(c, amount)
	q.FinalAmount = models.FinalAmountFor(amount, q.Discount)
	return q, nil
}

// Discount computes the coupon's discount on amount, never exceeding amount.
func Discount(c *models.Coupon, amount decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch c.Type {
	case models.CouponTypePercentage:
		d = amount.Mul(c.Value).Div(decimal.NewFromInt(100)).Round(2)
		if c.MaxDiscount != nil && d.GreaterThan(*c.MaxDiscount) {
			d = *c.MaxDiscount
		}
	case models.CouponTypeFixed:
		d = c.Value
	default:
		return decimal.Zero
	}
	if d.GreaterThan(amount) {
		d = amount
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func inScope(c *models.Coupon, s Scope) bool {
	if len(c.ApplicableCourses) == 0 && len(c.ApplicableProducts) == 0 {
		return true
	}
	return intersects(c.ApplicableCourses, s.CourseIDs) || intersects(c.ApplicableProducts, s.ProductIDs)
}

func intersects(allowed, candidates []uuid.UUID) bool {
	if len(allowed) == 0 || len(candidates) == 0 {
		return false
	}
	set := make(map[uuid.UUID]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	for _, id := range candidates {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// Apply records one use of the coupon for a completed payment. Caps are
// re-checked under the coupon row lock. Applying twice for the same payment
// returns the existing usage.
func (e *Engine) Apply(ctx context.Context, couponID, userID, paymentID uuid.UUID, discount decimal.Decimal) (*models.CouponUsage, error) {
	var usage *models.CouponUsage
	err := e.store.InTx(ctx, func(tx Tx) error {
		c, err := tx.LockCoupon(ctx, couponID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrNotFound
		}
		existing, err := tx.UsageByPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if existing != nil {
			usage = existing
			return nil
		}
		if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
			return ErrUsageLimitReached
		}
		if c.UserLimit != nil {
			used, err := tx.CountUserUsages(ctx, couponID, userID)
			if err != nil {
				return err
			}
			if used >= *c.UserLimit {
				return ErrUserLimitReached
			}
		}
		u := &models.CouponUsage{
			ID:        uuid.New(),
			CouponID:  couponID,
			UserID:    userID,
			PaymentID: paymentID,
			Discount:  discount,
			UsedAt:    e.now(),
		}
		if err := tx.InsertUsage(ctx, u); err != nil {
			return err
		}
		if err := tx.IncrementUsed(ctx, couponID); err != nil {
			return err
		}
		usage = u
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUsageLimitReached) || errors.Is(err, ErrUserLimitReached) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("apply coupon: %w", err)
	}
	e.logger.Info("coupon applied",
		zap.String("coupon_id", couponID.String()),
		zap.String("payment_id", paymentID.String()),
	)
	return usage, nil
}

// NormalizeCode trims and upper-cases a user-supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
