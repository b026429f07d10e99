package models

import (
	"time"

	"github.com/google/uuid"
)

// Email delivery statuses.
const (
	EmailStatusSent   = "sent"
	EmailStatusFailed = "failed"
)

// EmailLog records one delivery attempt of a payment email.
type EmailLog struct {
	ID             uuid.UUID  `json:"id"`
	PaymentID      *uuid.UUID `json:"payment_id,omitempty"`
	Template       string     `json:"template"`
	RecipientEmail string     `json:"recipient_email"`
	Subject        string     `json:"subject,omitempty"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
