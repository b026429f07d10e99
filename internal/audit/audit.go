// Package audit records security- and money-relevant actions. Recording is
// best-effort: a failed write is logged and never fails the caller.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/models"
)

// Actions written by the payment engine.
const (
	ActionPaymentInitiated   = "payment.initiated"
	ActionPaymentBlocked     = "payment.blocked"
	ActionPaymentRetried     = "payment.retried"
	ActionPaymentRefunded    = "payment.refunded"
	ActionManualConfirmation = "payment.manual_confirmation"
	ActionSignatureRejected  = "payment.signature_rejected"
	ActionAmountMismatch     = "payment.amount_mismatch"
	ActionSideEffectFailed   = "payment.side_effect_failed"
	ActionPayoutMarked       = "earning.payout_marked"
	ActionEarningCancelled   = "earning.cancelled"
	ActionLedgerExported     = "ledger.statement_exported"
)

// Entity types.
const (
	EntityPayment = "payment"
	EntityEarning = "earning"
	EntityLedger  = "ledger"
)

// Store persists audit rows.
type Store interface {
	Insert(ctx context.Context, log *models.AuditLog) error
}

// Recorder writes audit rows.
type Recorder struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates an audit recorder.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record writes one audit row. Rows at or above FlagThreshold are flagged in
// addition to any row the caller already flagged.
func (r *Recorder) Record(ctx context.Context, entry models.AuditLog) {
	if r == nil || r.store == nil {
		return
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	if entry.RiskScore >= models.FlagThreshold {
		entry.Flagged = true
	}
	if err := r.store.Insert(ctx, &entry); err != nil {
		r.logger.Error("audit write failed",
			zap.Error(err),
			zap.String("action", entry.Action),
			zap.String("entity_type", entry.EntityType),
			zap.String("entity_id", entry.EntityID),
		)
	}
}

// Entry is a shorthand for building an audit row.
func Entry(userID *uuid.UUID, action, entityType, entityID string, meta map[string]any) models.AuditLog {
	return models.AuditLog{
		UserID:     userID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   meta,
	}
}
