package models

import (
	"time"

	"github.com/google/uuid"
)

// Gateway event processing statuses.
const (
	GatewayEventReceived  = "received"
	GatewayEventProcessed = "processed"
	GatewayEventRejected  = "rejected"
	GatewayEventFailed    = "failed"
)

// GatewayEvent is the raw log of one webhook delivery, kept for replay and debugging.
type GatewayEvent struct {
	ID          uuid.UUID         `json:"id"`
	Gateway     string            `json:"gateway"`
	PaymentID   *uuid.UUID        `json:"payment_id,omitempty"`
	ExternalRef string            `json:"external_ref,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Signature   string            `json:"signature,omitempty"`
	Status      string            `json:"status"`
	Error       string            `json:"error,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}
