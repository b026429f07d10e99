package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/commissions"
	"github.com/aura-learn/backend/internal/events"
	"github.com/aura-learn/backend/internal/gateway"
	"github.com/aura-learn/backend/internal/gateway/banktransfer"
	"github.com/aura-learn/backend/internal/ledger"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/internal/orders"
)

// Side-effect step names, in execution order.
const (
	StepCouponApply          = "coupon_apply"
	StepEnrollment           = "enrollment_activation"
	StepInstructorCommission = "instructor_commission"
	StepAffiliateCommission  = "affiliate_commission"
	StepOrderConfirmation    = "order_confirmation"
	StepLedgerIncome         = "ledger_income"
)

// Step outcomes.
const (
	StepOK      = "ok"
	StepSkipped = "skipped"
	StepWarning = "warning"
	StepFailed  = "failed"
)

const reasonAmountMismatch = "amount mismatch"

// VerifyInput identifies a payment and optionally carries the raw callback.
// Reference may be the payment id, the gateway transaction id or the
// gateway's external id; ExternalID is tried when Reference finds nothing.
type VerifyInput struct {
	Reference  string
	ExternalID string
	Method     models.PaymentMethod
	Callback   *gateway.Callback
}

// StepResult reports one side effect.
type StepResult struct {
	Step   string `json:"step"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// VerifyResult is the orchestrator's answer to a verification.
type VerifyResult struct {
	Payment     *models.Payment `json:"payment"`
	Outcome     gateway.Outcome `json:"outcome"`
	Reason      string          `json:"reason,omitempty"`
	Duplicate   bool            `json:"duplicate"`
	SideEffects []StepResult    `json:"side_effects,omitempty"`
}

// Verify settles a pending payment from the gateway's canonical state.
// Repeated calls for a completed payment return success without side effects.
func (o *Orchestrator) Verify(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	p, err := o.resolve(ctx, in.Reference, in.ExternalID)
	if err != nil {
		return nil, err
	}
	if in.Method != "" && in.Method != p.Method {
		return nil, apperr.Validation("payment method does not match")
	}
	if settled(p.Status) {
		return &VerifyResult{Payment: p, Outcome: gateway.OutcomeSuccess, Duplicate: true}, nil
	}
	adapter, err := o.Gateways.ByName(p.Gateway)
	if err != nil {
		return nil, fmt.Errorf("verify payment %s: %w", p.ID, err)
	}
	if in.Callback != nil {
		if v, ok := adapter.(gateway.CallbackVerifier); ok && !v.VerifyCallbackSignature(*in.Callback) {
			entry := audit.Entry(nil, audit.ActionSignatureRejected, audit.EntityPayment, p.ID.String(),
				map[string]any{"gateway": p.Gateway, "reference": p.GatewayTransactionID})
			entry.Flagged = true
			o.Audit.Record(ctx, entry)
			o.Logger.Warn("callback signature rejected", zap.String("payment_id", p.ID.String()), zap.String("gateway", p.Gateway))
			return nil, ErrInvalidSignature
		}
	}

	release, err := o.lock(ctx, fmt.Sprintf("payment:verify:%s:%s", p.ID, p.GatewayTransactionID))
	if err != nil {
		return nil, err
	}
	defer release()

	// Another delivery may have settled the payment while we waited.
	if p, err = o.Store.Get(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("reload payment: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if settled(p.Status) {
		return &VerifyResult{Payment: p, Outcome: gateway.OutcomeSuccess, Duplicate: true}, nil
	}
	if p.Status == models.PaymentStatusFailed {
		reason, _ := p.Metadata[models.MetaFailureReason].(string)
		return &VerifyResult{Payment: p, Outcome: gateway.OutcomeFailed, Reason: reason, Duplicate: true}, nil
	}

	gctx, cancel := context.WithTimeout(ctx, o.opts.GatewayTimeout)
	v, err := adapter.Verify(gctx, gateway.VerifyRequest{
		Reference:  p.GatewayTransactionID,
		ExternalID: p.ExternalID,
		Callback:   in.Callback,
	})
	cancel()
	if err != nil {
		o.Logger.Error("gateway verify failed",
			zap.String("payment_id", p.ID.String()),
			zap.String("gateway", p.Gateway),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.KindGateway, "could not verify payment with gateway", err)
	}

	switch v.Outcome {
	case gateway.OutcomeSuccess:
		if !v.Amount.IsZero() && !v.Amount.Equal(p.FinalAmount) {
			entry := audit.Entry(&p.PayerID, audit.ActionAmountMismatch, audit.EntityPayment, p.ID.String(),
				map[string]any{"reason": reasonAmountMismatch, "expected": p.FinalAmount.String(), "got": v.Amount.String()})
			entry.Flagged = true
			o.Audit.Record(ctx, entry)
			return o.fail(ctx, p, v, reasonAmountMismatch)
		}
		return o.complete(ctx, p, v)
	case gateway.OutcomeFailed:
		return o.fail(ctx, p, v, v.Reason)
	case gateway.OutcomePending:
		o.Logger.Info("payment not final at gateway",
			zap.String("payment_id", p.ID.String()),
			zap.String("gateway", p.Gateway),
			zap.String("reason", v.Reason),
		)
		return &VerifyResult{Payment: p, Outcome: gateway.OutcomePending, Reason: v.Reason}, nil
	default:
		return &VerifyResult{Payment: p, Outcome: gateway.OutcomeManualReview, Reason: v.Reason}, nil
	}
}

// ConfirmManual completes a pending bank transfer after an admin matched the
// money on the statement.
func (o *Orchestrator) ConfirmManual(ctx context.Context, paymentID, adminID uuid.UUID, reference string) (*VerifyResult, error) {
	release, err := o.lock(ctx, "payment:confirm:"+paymentID.String())
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := o.Store.Get(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if settled(p.Status) {
		return &VerifyResult{Payment: p, Outcome: gateway.OutcomeSuccess, Duplicate: true}, nil
	}
	if p.Gateway != banktransfer.Name {
		return nil, apperr.Validation("only bank transfers are confirmed manually")
	}
	if p.Status != models.PaymentStatusPending {
		return nil, apperr.Newf(apperr.KindConflict, "payment is %s", p.Status)
	}
	p.SetMeta(models.MetaManualConfirm, map[string]any{
		"confirmed_by": adminID.String(),
		"reference":    reference,
		"confirmed_at": o.now().UTC(),
	})
	res, err := o.complete(ctx, p, &gateway.Verification{
		Outcome:       gateway.OutcomeSuccess,
		Amount:        p.FinalAmount,
		ExternalTxnID: reference,
	})
	if err != nil {
		return nil, err
	}
	o.Audit.Record(ctx, audit.Entry(&adminID, audit.ActionManualConfirmation, audit.EntityPayment, p.ID.String(),
		map[string]any{"reference": reference, "amount": p.FinalAmount.String()}))
	return res, nil
}

// complete flips pending to completed. Only the caller that wins the
// conditional update runs the side effects.
func (o *Orchestrator) complete(ctx context.Context, p *models.Payment, v *gateway.Verification) (*VerifyResult, error) {
	now := o.now()
	p.Status = models.PaymentStatusCompleted
	p.CompletedAt = &now
	p.UpdatedAt = now
	if v.ExternalTxnID != "" {
		p.ExternalID = v.ExternalTxnID
	}
	p.SetMeta(models.MetaVerification, v)
	won, err := o.Store.Transition(ctx, p, models.PaymentStatusPending)
	if err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}
	if !won {
		current, err := o.Store.Get(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("reload payment: %w", err)
		}
		return &VerifyResult{Payment: current, Outcome: gateway.OutcomeSuccess, Duplicate: true}, nil
	}
	o.Logger.Info("payment completed", zap.String("payment_id", p.ID.String()), zap.String("final_amount", p.FinalAmount.String()))

	report := o.runSideEffects(ctx, p)
	p.SetMeta(models.MetaSideEffects, report)
	var warnings []string
	for _, r := range report {
		if r.Status == StepWarning {
			warnings = append(warnings, r.Step+": "+r.Error)
		}
	}
	if len(warnings) > 0 {
		p.SetMeta(models.MetaWarnings, warnings)
	}
	p.UpdatedAt = o.now()
	if err := o.Store.Update(ctx, p); err != nil {
		o.Logger.Error("save side effect report", zap.String("payment_id", p.ID.String()), zap.Error(err))
	}

	o.publish(ctx, events.TopicPaymentCompleted, p, "")
	if o.Notifier != nil {
		o.Notifier.PaymentReceipt(ctx, p)
	}
	return &VerifyResult{Payment: p, Outcome: gateway.OutcomeSuccess, SideEffects: report}, nil
}

func (o *Orchestrator) fail(ctx context.Context, p *models.Payment, v *gateway.Verification, reason string) (*VerifyResult, error) {
	if reason == "" {
		reason = "declined by gateway"
	}
	p.Status = models.PaymentStatusFailed
	p.UpdatedAt = o.now()
	p.SetMeta(models.MetaFailureReason, reason)
	p.SetMeta(models.MetaVerification, v)
	won, err := o.Store.Transition(ctx, p, models.PaymentStatusPending)
	if err != nil {
		return nil, fmt.Errorf("fail payment: %w", err)
	}
	if !won {
		current, err := o.Store.Get(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("reload payment: %w", err)
		}
		outcome := gateway.OutcomeFailed
		if settled(current.Status) {
			outcome = gateway.OutcomeSuccess
		}
		return &VerifyResult{Payment: current, Outcome: outcome, Duplicate: true}, nil
	}
	o.Logger.Info("payment failed", zap.String("payment_id", p.ID.String()), zap.String("reason", reason))
	o.publish(ctx, events.TopicPaymentFailed, p, reason)
	return &VerifyResult{Payment: p, Outcome: gateway.OutcomeFailed, Reason: reason}, nil
}

type sideEffect struct {
	name string
	run  func(ctx context.Context, p *models.Payment, st *effectState) (string, error)
}

// effectState carries values between steps.
type effectState struct {
	enrollment *models.Enrollment
}

func (o *Orchestrator) sideEffects() []sideEffect {
	return []sideEffect{
		{StepCouponApply, o.applyCoupon},
		{StepEnrollment, o.activateEnrollment},
		{StepInstructorCommission, o.accrueInstructor},
		{StepAffiliateCommission, o.accrueAffiliate},
		{StepOrderConfirmation, o.confirmOrder},
		{StepLedgerIncome, o.recordIncome},
	}
}

// runSideEffects runs every step in order. A failing step is audited and
// never stops the ones after it.
func (o *Orchestrator) runSideEffects(ctx context.Context, p *models.Payment) []StepResult {
	st := &effectState{}
	var report []StepResult
	for _, step := range o.sideEffects() {
		status, err := step.run(ctx, p, st)
		res := StepResult{Step: step.name, Status: status}
		if err != nil {
			res.Error = apperr.Message(err)
			if status != StepWarning {
				res.Status = StepFailed
			}
			o.Logger.Error("payment side effect failed",
				zap.String("payment_id", p.ID.String()),
				zap.String("step", step.name),
				zap.Error(err),
			)
			meta := map[string]any{"step": step.name, "error": err.Error(), "payer_id": p.PayerID.String()}
			if p.CourseID != nil {
				meta["course_id"] = p.CourseID.String()
			}
			if p.OrderID != nil {
				meta["order_id"] = p.OrderID.String()
			}
			if st.enrollment != nil {
				meta["enrollment_id"] = st.enrollment.ID.String()
			}
			o.Audit.Record(ctx, audit.Entry(&p.PayerID, audit.ActionSideEffectFailed, audit.EntityPayment, p.ID.String(), meta))
		}
		report = append(report, res)
	}
	return report
}

func (o *Orchestrator) applyCoupon(ctx context.Context, p *models.Payment, _ *effectState) (string, error) {
	if p.CouponID == nil || o.Coupons == nil || !p.DiscountAmount.IsPositive() {
		return StepSkipped, nil
	}
	if _, err := o.Coupons.Apply(ctx, *p.CouponID, p.PayerID, p.ID, p.DiscountAmount); err != nil {
		return StepFailed, err
	}
	return StepOK, nil
}

func (o *Orchestrator) activateEnrollment(ctx context.Context, p *models.Payment, st *effectState) (string, error) {
	if p.CourseID == nil || o.Enrollments == nil {
		return StepSkipped, nil
	}
	e, err := o.Enrollments.Activate(ctx, p.PayerID, *p.CourseID)
	if err != nil {
		return StepFailed, err
	}
	st.enrollment = e
	return StepOK, nil
}

func (o *Orchestrator) accrueInstructor(ctx context.Context, p *models.Payment, st *effectState) (string, error) {
	if p.CourseID == nil || o.Enrollments == nil || o.Instructors == nil {
		return StepSkipped, nil
	}
	instructorID, err := o.Enrollments.InstructorForCourse(ctx, *p.CourseID)
	if err != nil {
		return StepFailed, err
	}
	if instructorID == nil {
		return StepSkipped, nil
	}
	return o.accrue(ctx, o.Instructors, *instructorID, p, st)
}

func (o *Orchestrator) accrueAffiliate(ctx context.Context, p *models.Payment, st *effectState) (string, error) {
	if o.Affiliates == nil || st.enrollment == nil || st.enrollment.AffiliateID == nil {
		return StepSkipped, nil
	}
	return o.accrue(ctx, o.Affiliates, *st.enrollment.AffiliateID, p, st)
}

func (o *Orchestrator) accrue(ctx context.Context, a Accruer, payeeID uuid.UUID, p *models.Payment, st *effectState) (string, error) {
	in := commissions.AccrueInput{
		PayeeID:         payeeID,
		CourseID:        p.CourseID,
		SourcePaymentID: p.ID,
		Amount:          p.FinalAmount,
	}
	if st.enrollment != nil {
		id := st.enrollment.ID
		in.EnrollmentID = &id
	}
	_, err := a.Accrue(ctx, in)
	if errors.Is(err, commissions.ErrDuplicateAccrual) {
		return StepOK, nil
	}
	if err != nil {
		return StepFailed, err
	}
	return StepOK, nil
}

func (o *Orchestrator) confirmOrder(ctx context.Context, p *models.Payment, _ *effectState) (string, error) {
	if p.OrderID == nil || o.Orders == nil {
		return StepSkipped, nil
	}
	_, err := o.Orders.ConfirmPayment(ctx, *p.OrderID)
	if errors.Is(err, orders.ErrStockExhausted) {
		return StepWarning, err
	}
	if err != nil {
		return StepFailed, err
	}
	return StepOK, nil
}

func (o *Orchestrator) recordIncome(ctx context.Context, p *models.Payment, _ *effectState) (string, error) {
	if o.Ledger == nil || !p.FinalAmount.IsPositive() {
		return StepSkipped, nil
	}
	category := ledger.CategoryCoursePayment
	if p.OrderID != nil {
		category = ledger.CategoryOrderPayment
	}
	if _, err := o.Ledger.RecordIncome(ctx, p.ID, p.FinalAmount, category, describe(p)); err != nil {
		return StepFailed, err
	}
	return StepOK, nil
}

// resolve finds a payment by id, gateway transaction id or external id,
// trying each candidate reference in turn.
func (o *Orchestrator) resolve(ctx context.Context, refs ...string) (*models.Payment, error) {
	tried := false
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		tried = true
		p, err := o.lookup(ctx, ref)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	if !tried {
		return nil, apperr.Validation("payment reference required")
	}
	return nil, ErrNotFound
}

func (o *Orchestrator) lookup(ctx context.Context, ref string) (*models.Payment, error) {
	if id, err := uuid.Parse(ref); err == nil {
		p, err := o.Store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get payment: %w", err)
		}
		if p != nil {
			return p, nil
		}
	}
	p, err := o.Store.GetByReference(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("get payment by reference: %w", err)
	}
	if p != nil {
		return p, nil
	}
	p, err = o.Store.GetByExternalID(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("get payment by external id: %w", err)
	}
	return p, nil
}

func settled(s models.PaymentStatus) bool {
	return s == models.PaymentStatusCompleted || s == models.PaymentStatusRefunded || s == models.PaymentStatusPartiallyRefunded
}
