package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod is the rail the payer chose.
type PaymentMethod string

const (
	MethodWallet     PaymentMethod = "wallet"
	MethodMobileBank PaymentMethod = "mobile_bank"
	MethodVisaCard   PaymentMethod = "visa_card"
	MethodMastercard PaymentMethod = "mastercard"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodWallet, MethodMobileBank, MethodVisaCard, MethodMastercard:
		return true
	}
	return false
}

// PaymentStatus for payments.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Metadata keys written by the orchestrator.
const (
	MetaGatewayPayload = "gateway_payload"
	MetaVerification   = "verification"
	MetaFailureReason  = "failure_reason"
	MetaError          = "error"
	MetaSideEffects    = "side_effects"
	MetaRefundedAmount = "refunded_amount"
	MetaRefunds        = "refunds"
	MetaRiskScore      = "risk_score"
	MetaRiskRules      = "risk_rules"
	MetaManualConfirm  = "manual_confirmation"
	MetaWarnings       = "warnings"
	MetaPayerEmail     = "payer_email"
)

// Payment is a single attempt to collect money for a course or an order.
type Payment struct {
	ID                   uuid.UUID       `json:"id"`
	PayerID              uuid.UUID       `json:"payer_id"`
	CourseID             *uuid.UUID      `json:"course_id,omitempty"`
	OrderID              *uuid.UUID      `json:"order_id,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	DiscountAmount       decimal.Decimal `json:"discount_amount"`
	FinalAmount          decimal.Decimal `json:"final_amount"`
	Currency             string          `json:"currency"`
	Method               PaymentMethod   `json:"method"`
	Gateway              string          `json:"gateway"`
	GatewayTransactionID string          `json:"gateway_transaction_id"`
	ExternalID           string          `json:"external_id,omitempty"`
	Status               PaymentStatus   `json:"status"`
	CouponID             *uuid.UUID      `json:"coupon_id,omitempty"`
	CouponCode           string          `json:"coupon_code,omitempty"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
	RetryCount           int             `json:"retry_count"`
	RefundedAmount       decimal.Decimal `json:"refunded_amount"`
	ClientIP             string          `json:"-"`
	UserAgent            string          `json:"-"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// FinalAmountFor returns max(0, amount - discount).
func FinalAmountFor(amount, discount decimal.Decimal) decimal.Decimal {
	final := amount.Sub(discount)
	if final.IsNegative() {
		return decimal.Zero
	}
	return final
}

// RemainingRefundable is the part of the final amount not yet refunded.
func (p *Payment) RemainingRefundable() decimal.Decimal {
	rem := p.FinalAmount.Sub(p.RefundedAmount)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// SetMeta sets a metadata key, allocating the map on first use.
func (p *Payment) SetMeta(key string, value any) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata[key] = value
}

// CanTransition reports whether the payment state machine allows from -> to.
func CanTransition(from, to PaymentStatus) bool {
	switch from {
	case PaymentStatusPending:
		return to == PaymentStatusCompleted || to == PaymentStatusFailed
	case PaymentStatusCompleted:
		return to == PaymentStatusRefunded || to == PaymentStatusPartiallyRefunded
	case PaymentStatusPartiallyRefunded:
		return to == PaymentStatusRefunded || to == PaymentStatusPartiallyRefunded
	case PaymentStatusFailed:
		return to == PaymentStatusPending
	}
	return false
}
