package payments

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/events"
	"github.com/aura-learn/backend/internal/gateway"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/internal/orders"
)

func success(amount string) gateway.Verification {
	return gateway.Verification{Outcome: gateway.OutcomeSuccess, Amount: dec(amount), ExternalTxnID: "ch_123"}
}

func stepStatus(report []StepResult, step string) string {
	for _, r := range report {
		if r.Step == step {
			return r.Status
		}
	}
	return ""
}

func TestVerifySuccessRunsSideEffectsOnce(t *testing.T) {
	h := newHarness(t)
	course := uuid.New()
	res, err := h.o.Initiate(context.Background(), InitiateInput{
		PayerID:    uuid.New(),
		PayerEmail: "payer@example.com",
		Amount:     dec("1000"),
		Method:     models.MethodVisaCard,
		CourseID:   &course,
		CouponCode: "SAVE10",
		UserAgent:  browserUA,
	})
	require.NoError(t, err)
	p := res.Payment
	h.card.setVerify(success("950"))

	first, err := h.o.Verify(context.Background(), VerifyInput{Reference: p.GatewayTransactionID})
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeSuccess, first.Outcome)
	assert.False(t, first.Duplicate)
	assert.Equal(t, models.PaymentStatusCompleted, first.Payment.Status)
	assert.Equal(t, "ch_123", first.Payment.ExternalID)
	for _, step := range []string{StepCouponApply, StepEnrollment, StepInstructorCommission, StepLedgerIncome} {
		assert.Equal(t, StepOK, stepStatus(first.SideEffects, step), step)
	}
	assert.Equal(t, StepSkipped, stepStatus(first.SideEffects, StepAffiliateCommission))
	assert.Equal(t, StepSkipped, stepStatus(first.SideEffects, StepOrderConfirmation))

	second, err := h.o.Verify(context.Background(), VerifyInput{Reference: p.ID.String()})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, models.PaymentStatusCompleted, second.Payment.Status)

	assert.Equal(t, 1, h.card.verifies, "a completed payment is not re-verified")
	assert.Len(t, h.coupons.applied, 1)
	assert.Equal(t, 1, h.enrollments.calls)
	require.Len(t, h.instructors.calls, 1)
	assert.True(t, dec("950").Equal(h.instructors.calls[0].Amount))
	assert.NotNil(t, h.instructors.calls[0].EnrollmentID)
	assert.Len(t, h.ledger.income, 1)
	assert.True(t, dec("950").Equal(h.ledger.income[p.ID]))
	assert.Equal(t, []string{events.TopicPaymentCompleted}, h.events.topics)
	assert.Equal(t, 1, h.notifier.receipts)

	stored, _ := h.store.Get(context.Background(), p.ID)
	assert.NotNil(t, stored.CompletedAt)
	assert.NotNil(t, stored.Metadata[models.MetaSideEffects])
}

func TestVerifyConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	course := uuid.New()
	p := h.initiate(t, uuid.New(), "300", models.MethodVisaCard, &course)
	h.card.setVerify(success("300"))

	var wg sync.WaitGroup
	results := make([]*VerifyResult, 6)
	errs := make([]error, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.o.Verify(context.Background(), VerifyInput{Reference: p.ID.String()})
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, gateway.OutcomeSuccess, results[i].Outcome)
		if !results[i].Duplicate {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, h.enrollments.calls)
	assert.Len(t, h.instructors.calls, 1)
	assert.Len(t, h.ledger.income, 1)
}

func TestInstructorAccrualFailureKeepsPayment(t *testing.T) {
	h := newHarness(t)
	h.instructors.err = errors.New("instructor row locked out")
	course := uuid.New()
	p := h.initiate(t, uuid.New(), "400", models.MethodVisaCard, &course)
	h.card.setVerify(success("400"))

	res, err := h.o.Verify(context.Background(), VerifyInput{Reference: p.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, res.Payment.Status)
	assert.Equal(t, StepFailed, stepStatus(res.SideEffects, StepInstructorCommission))
	assert.Equal(t, StepOK, stepStatus(res.SideEffects, StepLedgerIncome), "later steps still run")

	enr := h.enrollments.activated[course]
	require.NotNil(t, enr)
	assert.Equal(t, models.EnrollmentStatusActive, enr.Status)

	failures := h.audit.byAction(audit.ActionSideEffectFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, p.ID.String(), failures[0].EntityID)
	assert.Equal(t, StepInstructorCommission, failures[0].Metadata["step"])
	assert.Equal(t, course.String(), failures[0].Metadata["course_id"])
	assert.Equal(t, enr.ID.String(), failures[0].Metadata["enrollment_id"])
}

func TestAffiliateAccruedFromEnrollment(t *testing.T) {
	h := newHarness(t)
	affiliate := uuid.New()
	h.enrollments.affiliate = &affiliate
	course := uuid.New()
	p := h.initiate(t, uuid.New(), "200", models.MethodWallet, &course)
	h.wallet.setVerify(success("200"))

	res, err := h.o.Verify(context.Background(), VerifyInput{Reference: p.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, StepOK, stepStatus(res.SideEffects, StepAffiliateCommission))
	require.Len(t, h.affiliates.calls, 1)
	assert.Equal(t, affiliate, h.affiliates.calls[0].PayeeID)
	assert.Equal(t, p.ID, h.affiliates.calls[0].SourcePaymentID)
}

func TestOrderStockExhaustedIsWarning(t *testing.T) {
	h := newHarness(t)
	h.orders.err = orders.ErrStockExhausted
	payer := uuid.New()
	order := h.orders.add(payer, "75", "0", nil)
	res, err := h.o.Initiate(context.Background(), InitiateInput{PayerID: payer, Amount: dec("75"), Method: models.MethodWallet, OrderID: &order.ID, UserAgent: browserUA})
	require.NoError(t, err)
	h.wallet.setVerify(success("75"))

	v, err := h.o.Verify(context.Background(), VerifyInput{Reference: res.Payment.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, v.Payment.Status)
	assert.Equal(t, StepWarning, stepStatus(v.SideEffects, StepOrderConfirmation))
	assert.Equal(t, StepSkipped, stepStatus(v.SideEffects, StepEnrollment))

	stored, _ := h.store.Get(context.Background(), res.Payment.ID)
	warnings, ok := stored.Metadata[models.MetaWarnings].([]string)
	require.True(t, ok)
	assert.Len(t, warnings, 1)
	assert.Len(t, h.audit.byAction(audit.ActionSideEffectFailed), 1)
}

func TestVerifyFailedOutcome(t *testing.T) {
	h := newHarness(t)
	p := h.initiate(t, uuid.New(), "120", models.MethodVisaCard, nil)
	h.card.setVerify(gateway.Verification{Outcome: gateway.OutcomeFailed, Reason: "insufficient funds"})

	res, err := h.o.Verify(context.Background(), VerifyInput{Reference: p.ExternalID})
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeFailed, res.Outcome)
	assert.Equal(t, models.PaymentStatusFailed, res.Payment.Status)
	assert.Equal(t, "insufficient funds", res.Payment.Metadata[models.MetaFailureReason])
	assert.Equal(t, []string{events.TopicPaymentFailed}, h.events.topics)

	again, err := h.o.Verify(context.Background(), VerifyInput{Reference: p.ID.String()})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, gateway.OutcomeFailed, again.Outcome)
}

func TestVerifyAmountMismatchFails(t *testing.T) {
	h := newHarness(t)
	p := h.initiate(t, uuid.New(), "120", models.MethodVisaCard, nil)
	h.card.setVerify(success("1.20"))

	res, err := h.o.Verify(context.Background(), VerifyInput{Reference: p.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, res.Payment.Status)
	assert.Equal(t, reasonAmountMismatch, res.Reason)
	assert.Empty(t, h.ledger.income)
	mismatch := h.audit.byAction(audit.ActionAmountMismatch)
	require.Len(t, mismatch, 1)
	assert.True(t, mismatch[0].Flagged)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	p := h.initiate(t, uuid.New(), "120", models.MethodVisaCard, nil)
	h.card.validSig = false
	h.card.setVerify(success("120"))

	_, err := h.o.Verify(context.Background(), VerifyInput{
		Reference: p.GatewayTransactionID,
		Callback:  &gateway.Callback{Headers: http.Header{"Stripe-Signature": {"t=1,v1=bad"}}, Body: []byte(`{}`)},
	})
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, 0, h.card.verifies)

	stored, _ := h.store.Get(context.Background(), p.ID)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
	rejected := h.audit.byAction(audit.ActionSignatureRejected)
	require.Len(t, rejected, 1)
	assert.True(t, rejected[0].Flagged)
}

func TestVerifyGatewayErrorLeavesPending(t *testing.T) {
	h := newHarness(t)
	p := h.initiate(t, uuid.New(), "120", models.MethodVisaCard, nil)
	h.card.verifyErr = errors.New("timeout")

	_, err := h.o.Verify(context.Background(), VerifyInput{Reference: p.ID.String()})
	require.Error(t, err)
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))
	stored, _ := h.store.Get(context.Background(), p.ID)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
}

func TestVerifyUnknownReference(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Verify(context.Background(), VerifyInput{Reference: "TXN-missing"})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.o.Verify(context.Background(), VerifyInput{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestBankTransferManualReviewThenConfirm(t *testing.T) {
	h := newHarness(t)
	course := uuid.New()
	p := h.initiate(t, uuid.New(), "2500", models.MethodMobileBank, &course)
	assert.Equal(t, "bank_transfer", p.Gateway)

	res, err := h.o.Verify(context.Background(), VerifyInput{Reference: p.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeManualReview, res.Outcome)
	assert.Equal(t, models.PaymentStatusPending, res.Payment.Status)

	admin := uuid.New()
	done, err := h.o.ConfirmManual(context.Background(), p.ID, admin, "STMT-0042")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, done.Payment.Status)
	assert.Equal(t, "STMT-0042", done.Payment.ExternalID)
	assert.NotNil(t, done.Payment.Metadata[models.MetaManualConfirm])
	assert.Equal(t, 1, h.enrollments.calls)
	assert.Len(t, h.audit.byAction(audit.ActionManualConfirmation), 1)

	again, err := h.o.ConfirmManual(context.Background(), p.ID, admin, "STMT-0042")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, h.enrollments.calls)
}

func TestConfirmManualOnlyForBankTransfers(t *testing.T) {
	h := newHarness(t)
	p := h.initiate(t, uuid.New(), "90", models.MethodVisaCard, nil)
	_, err := h.o.ConfirmManual(context.Background(), p.ID, uuid.New(), "ref")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.o.ConfirmManual(context.Background(), uuid.New(), uuid.New(), "ref")
	require.ErrorIs(t, err, ErrNotFound)
}
