package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/events"
	"github.com/aura-learn/backend/internal/models"
)

// RefundInput describes a refund. A nil Amount refunds everything remaining.
type RefundInput struct {
	PaymentID uuid.UUID
	Amount    *decimal.Decimal
	Reason    string
	ActorID   uuid.UUID
}

// Refund returns part or all of a completed payment to the customer and books
// the expense. Commissions are left as they are.
func (o *Orchestrator) Refund(ctx context.Context, in RefundInput) (*models.Payment, error) {
	release, err := o.lock(ctx, "payment:refund:"+in.PaymentID.String())
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := o.Store.Get(ctx, in.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if p.Status != models.PaymentStatusCompleted && p.Status != models.PaymentStatusPartiallyRefunded {
		return nil, ErrNotRefundable
	}
	remaining := p.RemainingRefundable()
	amount := remaining
	if in.Amount != nil {
		amount = *in.Amount
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation("refund amount must be greater than zero")
	}
	if amount.GreaterThan(remaining) {
		return nil, ErrRefundTooLarge
	}

	from := p.Status
	now := o.now()
	p.RefundedAmount = p.RefundedAmount.Add(amount)
	if p.RemainingRefundable().IsZero() {
		p.Status = models.PaymentStatusRefunded
	} else {
		p.Status = models.PaymentStatusPartiallyRefunded
	}
	p.UpdatedAt = now
	p.SetMeta(models.MetaRefundedAmount, p.RefundedAmount.String())
	history, _ := p.Metadata[models.MetaRefunds].([]any)
	p.SetMeta(models.MetaRefunds, append(history, map[string]any{
		"amount":      amount.String(),
		"reason":      in.Reason,
		"refunded_by": in.ActorID.String(),
		"refunded_at": now.UTC(),
	}))
	won, err := o.Store.Transition(ctx, p, from)
	if err != nil {
		return nil, fmt.Errorf("refund payment: %w", err)
	}
	if !won {
		return nil, apperr.Conflict("payment changed during refund, try again")
	}

	if o.Ledger != nil {
		if _, err := o.Ledger.RecordRefund(ctx, p.ID, amount, "Refund: "+in.Reason); err != nil {
			o.Logger.Error("record refund expense failed", zap.String("payment_id", p.ID.String()), zap.Error(err))
			o.Audit.Record(ctx, audit.Entry(&in.ActorID, audit.ActionSideEffectFailed, audit.EntityPayment, p.ID.String(),
				map[string]any{"step": "ledger_refund", "error": err.Error(), "amount": amount.String()}))
		}
	}
	o.Audit.Record(ctx, audit.Entry(&in.ActorID, audit.ActionPaymentRefunded, audit.EntityPayment, p.ID.String(),
		map[string]any{"amount": amount.String(), "refunded_total": p.RefundedAmount.String(), "reason": in.Reason}))
	o.publish(ctx, events.TopicPaymentRefunded, p, in.Reason)
	if o.Notifier != nil {
		o.Notifier.RefundNotice(ctx, p, amount.StringFixed(2))
	}
	o.Logger.Info("payment refunded",
		zap.String("payment_id", p.ID.String()),
		zap.String("amount", amount.String()),
		zap.String("status", string(p.Status)),
	)
	return p, nil
}
