// Package notify turns payment outcomes into email jobs on the Redis queue.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/queue"
)

// Email templates.
const (
	TemplatePaymentReceipt = "payment_receipt"
	TemplateRefundNotice   = "refund_notice"
)

// Enqueuer accepts email jobs.
type Enqueuer interface {
	EnqueueEmail(ctx context.Context, payload queue.EmailPayload) error
}

// Notifier enqueues payer emails. Failures are logged, never returned to the
// payment flow.
type Notifier struct {
	queue  Enqueuer
	logger *zap.Logger
}

// NewNotifier creates a notifier. A nil queue disables notifications.
func NewNotifier(q Enqueuer, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{queue: q, logger: logger}
}

// PaymentReceipt enqueues a receipt for a completed payment.
func (n *Notifier) PaymentReceipt(ctx context.Context, p *models.Payment) {
	var b strings.Builder
	fmt.Fprintf(&b, "We received your payment of %s %s.\n", p.FinalAmount.StringFixed(2), p.Currency)
	if p.DiscountAmount.IsPositive() {
		fmt.Fprintf(&b, "Coupon %s saved you %s.\n", p.CouponCode, p.DiscountAmount.StringFixed(2))
	}
	fmt.Fprintf(&b, "Reference: %s\n", p.GatewayTransactionID)
	n.send(ctx, p, TemplatePaymentReceipt, "Payment receipt "+p.GatewayTransactionID, b.String())
}

// RefundNotice enqueues a notice for a refund of amount.
func (n *Notifier) RefundNotice(ctx context.Context, p *models.Payment, amount string) {
	body := fmt.Sprintf("A refund of %s %s was issued for payment %s.\nTotal refunded: %s\n",
		amount, p.Currency, p.GatewayTransactionID, p.RefundedAmount.StringFixed(2))
	n.send(ctx, p, TemplateRefundNotice, "Refund issued for "+p.GatewayTransactionID, body)
}

func (n *Notifier) send(ctx context.Context, p *models.Payment, template, subject, body string) {
	if n == nil || n.queue == nil {
		return
	}
	to, _ := p.Metadata[models.MetaPayerEmail].(string)
	if to == "" {
		n.logger.Debug("no recipient for payment email", zap.String("payment_id", p.ID.String()), zap.String("template", template))
		return
	}
	err := n.queue.EnqueueEmail(ctx, queue.EmailPayload{
		Template:       template,
		PaymentID:      p.ID,
		RecipientEmail: to,
		Subject:        subject,
		BodyText:       body,
	})
	if err != nil {
		n.logger.Warn("enqueue payment email failed",
			zap.String("payment_id", p.ID.String()),
			zap.String("template", template),
			zap.Error(err),
		)
	}
}
