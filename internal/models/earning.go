package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayeeKind distinguishes the two commission engines.
type PayeeKind string

const (
	PayeeInstructor PayeeKind = "instructor"
	PayeeAffiliate  PayeeKind = "affiliate"
)

// Valid reports whether k is a known payee kind.
func (k PayeeKind) Valid() bool {
	return k == PayeeInstructor || k == PayeeAffiliate
}

// Earning statuses.
const (
	EarningStatusPending   = "pending"
	EarningStatusPaid      = "paid"
	EarningStatusCancelled = "cancelled"
)

// Payee is an instructor or affiliate with running commission aggregates.
// TotalEarnings always equals PendingEarnings + PaidEarnings.
type Payee struct {
	ID              uuid.UUID       `json:"id"`
	Kind            PayeeKind       `json:"kind"`
	UserID          uuid.UUID       `json:"user_id"`
	CommissionRate  decimal.Decimal `json:"commission_rate"`
	PendingEarnings decimal.Decimal `json:"pending_earnings"`
	PaidEarnings    decimal.Decimal `json:"paid_earnings"`
	TotalEarnings   decimal.Decimal `json:"total_earnings"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Earning is one accrued commission against a payment.
type Earning struct {
	ID              uuid.UUID       `json:"id"`
	Kind            PayeeKind       `json:"kind"`
	PayeeID         uuid.UUID       `json:"payee_id"`
	CourseID        *uuid.UUID      `json:"course_id,omitempty"`
	SourcePaymentID uuid.UUID       `json:"source_payment_id"`
	EnrollmentID    *uuid.UUID      `json:"enrollment_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Rate            decimal.Decimal `json:"rate"`
	Status          string          `json:"status"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	PaidBy          *uuid.UUID      `json:"paid_by,omitempty"`
	PayoutReference string          `json:"payout_reference,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
