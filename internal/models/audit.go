package models

import (
	"time"

	"github.com/google/uuid"
)

// FlagThreshold is the risk score at or above which an audit entry is flagged.
const FlagThreshold = 70

// AuditLog is an append-only record of security- and money-relevant actions.
type AuditLog struct {
	ID         uuid.UUID      `json:"id"`
	UserID     *uuid.UUID     `json:"user_id,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	RiskScore  int            `json:"risk_score"`
	Flagged    bool           `json:"flagged"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
