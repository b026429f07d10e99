// Package gateway defines the contract every payment rail implements and the
// registry the orchestrator dispatches through.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome is the result class of a verification.
type Outcome string

// OutcomePending means the gateway has not reached a final state yet, and
// OutcomeFailed is reserved for states the gateway will never leave.
const (
	OutcomeSuccess      Outcome = "success"
	OutcomeFailed       Outcome = "failed"
	OutcomePending      Outcome = "pending"
	OutcomeManualReview Outcome = "manual_review"
)

// ErrUnsupportedMethod is returned when no adapter serves a payment method.
var ErrUnsupportedMethod = errors.New("unsupported payment method")

// Customer identifies the payer to gateways that want it.
type Customer struct {
	ID    uuid.UUID
	Email string
}

// InitiateRequest starts a payment at the gateway.
type InitiateRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
	Customer    Customer
}

// Instruction tells the client how to complete the payment.
type Instruction struct {
	RedirectURL  string            `json:"redirect_url,omitempty"`
	ExternalID   string            `json:"external_id,omitempty"`
	Instructions map[string]string `json:"instructions,omitempty"`
	Payload      map[string]any    `json:"payload,omitempty"`
}

// Callback is a raw server-to-server delivery or redirect from a gateway.
type Callback struct {
	Headers http.Header
	Params  map[string]string
	Body    []byte
}

// Header returns a header value, or "".
func (c *Callback) Header(key string) string {
	if c == nil || c.Headers == nil {
		return ""
	}
	return c.Headers.Get(key)
}

// Param returns a query or form value, or "".
func (c *Callback) Param(key string) string {
	if c == nil || c.Params == nil {
		return ""
	}
	return c.Params[key]
}

// VerifyRequest asks the gateway for the canonical state of a payment.
type VerifyRequest struct {
	Reference  string
	ExternalID string
	Callback   *Callback
}

// Verification is the gateway's canonical answer.
type Verification struct {
	Outcome       Outcome         `json:"outcome"`
	Amount        decimal.Decimal `json:"amount"`
	ExternalTxnID string          `json:"external_txn_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Raw           map[string]any  `json:"raw,omitempty"`
}

// CallbackRef is what a webhook identifies.
type CallbackRef struct {
	Reference  string
	ExternalID string
	// Event is the gateway's own event name, kept for the delivery log.
	Event string
}

// Adapter is one payment rail.
type Adapter interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*Instruction, error)
	Verify(ctx context.Context, req VerifyRequest) (*Verification, error)
}

// CallbackVerifier is implemented by adapters whose callbacks carry a signature.
type CallbackVerifier interface {
	VerifyCallbackSignature(cb Callback) bool
}

// CallbackParser is implemented by adapters that receive webhooks in their own shape.
type CallbackParser interface {
	ParseCallback(cb Callback) (CallbackRef, error)
}

// ErrBadCallback is returned by ParseCallback for payloads it cannot read.
var ErrBadCallback = errors.New("unrecognised callback payload")

// normalizeName lower-cases adapter names for lookup.
func normalizeName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
