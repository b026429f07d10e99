package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Coupon discount types.
const (
	CouponTypePercentage = "percentage"
	CouponTypeFixed      = "fixed"
)

// Coupon statuses.
const (
	CouponStatusActive   = "active"
	CouponStatusInactive = "inactive"
)

// Coupon is a discount code, optionally restricted to courses or products.
type Coupon struct {
	ID                 uuid.UUID        `json:"id"`
	Code               string           `json:"code"`
	Type               string           `json:"type"`
	Value              decimal.Decimal  `json:"value"`
	MinPurchase        *decimal.Decimal `json:"min_purchase,omitempty"`
	MaxDiscount        *decimal.Decimal `json:"max_discount,omitempty"`
	UsageLimit         *int             `json:"usage_limit,omitempty"`
	UserLimit          *int             `json:"user_limit,omitempty"`
	UsedCount          int              `json:"used_count"`
	Status             string           `json:"status"`
	ValidFrom          time.Time        `json:"valid_from"`
	ValidUntil         *time.Time       `json:"valid_until,omitempty"`
	ApplicableCourses  []uuid.UUID      `json:"applicable_courses,omitempty"`
	ApplicableProducts []uuid.UUID      `json:"applicable_products,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// CouponUsage records one successful application of a coupon.
type CouponUsage struct {
	ID        uuid.UUID       `json:"id"`
	CouponID  uuid.UUID       `json:"coupon_id"`
	UserID    uuid.UUID       `json:"user_id"`
	PaymentID uuid.UUID       `json:"payment_id"`
	Discount  decimal.Decimal `json:"discount"`
	UsedAt    time.Time       `json:"used_at"`
}
