// Package payments orchestrates a payment from initiation through gateway
// verification to its side effects, refunds and retries.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/commissions"
	"github.com/aura-learn/backend/internal/coupons"
	"github.com/aura-learn/backend/internal/events"
	"github.com/aura-learn/backend/internal/fraud"
	"github.com/aura-learn/backend/internal/gateway"
	"github.com/aura-learn/backend/internal/models"
	redislock "github.com/aura-learn/backend/pkg/redis"
)

var (
	// ErrNotFound is returned for unknown or invisible payments.
	ErrNotFound = apperr.NotFound("payment not found")
	// ErrFraudBlocked hides which rule fired.
	ErrFraudBlocked = apperr.New(apperr.KindFraudBlocked, "payment blocked for security reasons")
	// ErrRetriesExhausted is returned once a payment used all its retries.
	ErrRetriesExhausted = apperr.New(apperr.KindRetriesExhausted, "payment retries exhausted")
	// ErrNotRetryable is returned when retrying a payment that has not failed.
	ErrNotRetryable = apperr.Conflict("only failed payments can be retried")
	// ErrNotRefundable is returned when refunding a payment that has not completed.
	ErrNotRefundable = apperr.Conflict("only completed payments can be refunded")
	// ErrRefundTooLarge is returned when the refund exceeds the remaining amount.
	ErrRefundTooLarge = apperr.Validation("refund exceeds remaining refundable amount")
	// ErrInvalidSignature is returned when a callback signature does not verify.
	ErrInvalidSignature = apperr.Forbidden("invalid callback signature")
	// ErrBusy is returned when another worker holds the payment lock too long.
	ErrBusy = apperr.Conflict("payment is being processed, try again")
)

const (
	referencePrefix = "TXN-"
	lockPoll        = 100 * time.Millisecond
	defaultListSize = 50
)

// Store persists payments and the webhook delivery log.
type Store interface {
	Insert(ctx context.Context, p *models.Payment) error
	Get(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetByReference(ctx context.Context, reference string) (*models.Payment, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Payment, error)
	// List returns payments newest first; a nil payer lists every payment.
	List(ctx context.Context, payerID *uuid.UUID, limit, offset int) ([]*models.Payment, error)
	// Update writes the mutable columns regardless of status.
	Update(ctx context.Context, p *models.Payment) error
	// Transition writes the mutable columns only while the stored status is
	// from. It reports whether this caller won.
	Transition(ctx context.Context, p *models.Payment, from models.PaymentStatus) (bool, error)
	LogEvent(ctx context.Context, ev *models.GatewayEvent) error
	// FinishEvent records the final status, payment, external ref and error of a delivery.
	FinishEvent(ctx context.Context, ev *models.GatewayEvent) error
}

// Scorer rates an attempt before money moves.
type Scorer interface {
	Score(ctx context.Context, a fraud.Attempt) (fraud.Result, error)
}

// Coupons prices and records coupon use.
type Coupons interface {
	Validate(ctx context.Context, code string, payerID uuid.UUID, amount decimal.Decimal, scope coupons.Scope) (coupons.Quote, error)
	Apply(ctx context.Context, couponID, userID, paymentID uuid.UUID, discount decimal.Decimal) (*models.CouponUsage, error)
}

// Enrollments activates course access and resolves the course instructor.
type Enrollments interface {
	Activate(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error)
	InstructorForCourse(ctx context.Context, courseID uuid.UUID) (*uuid.UUID, error)
}

// Accruer credits a commission to a payee.
type Accruer interface {
	Accrue(ctx context.Context, in commissions.AccrueInput) (*models.Earning, error)
}

// Orders reads the order a payment settles and takes its stock once paid.
type Orders interface {
	Get(ctx context.Context, orderID uuid.UUID, viewer models.Viewer) (*models.Order, error)
	ConfirmPayment(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

// Ledger writes income and refund rows.
type Ledger interface {
	RecordIncome(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal, category, desc string) (*models.Transaction, error)
	RecordRefund(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal, desc string) (*models.Transaction, error)
}

// Notifier tells payers about their money.
type Notifier interface {
	PaymentReceipt(ctx context.Context, p *models.Payment)
	RefundNotice(ctx context.Context, p *models.Payment, amount string)
}

// Locker serializes work on one payment across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Deps are the collaborators of the orchestrator. Everything except Store,
// Gateways and References may be nil.
type Deps struct {
	Store       Store
	Gateways    *gateway.Registry
	Scorer      Scorer
	Coupons     Coupons
	Enrollments Enrollments
	Instructors Accruer
	Affiliates  Accruer
	Orders      Orders
	Ledger      Ledger
	Audit       *audit.Recorder
	Events      events.Publisher
	Notifier    Notifier
	Locker      Locker
	References  *snowflake.Node
	Logger      *zap.Logger
}

// Options tune the orchestrator.
type Options struct {
	Currency        string
	MaxRetries      int
	GatewayTimeout  time.Duration
	LockTTL         time.Duration
	LockWait        time.Duration
	BlockOnVelocity bool
	SuccessURL      string
	CancelURL       string
}

func (o Options) withDefaults() Options {
	if o.Currency == "" {
		o.Currency = "BDT"
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.GatewayTimeout <= 0 {
		o.GatewayTimeout = 15 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 5 * time.Second
	}
	return o
}

// Orchestrator runs the payment lifecycle.
type Orchestrator struct {
	Deps
	opts Options
	now  func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	return &Orchestrator{Deps: deps, opts: opts.withDefaults(), now: time.Now}
}

// InitiateInput is a payer's request to pay.
type InitiateInput struct {
	PayerID    uuid.UUID
	PayerEmail string
	Amount     decimal.Decimal
	Method     models.PaymentMethod
	CourseID   *uuid.UUID
	OrderID    *uuid.UUID
	CouponCode string
	ClientIP   string
	UserAgent  string
}

// InitiateResult is what the client needs to complete the payment.
type InitiateResult struct {
	Payment     *models.Payment      `json:"payment"`
	Instruction *gateway.Instruction `json:"instruction"`
	Risk        fraud.Result         `json:"risk"`
}

// Initiate scores the attempt, prices any coupon, records a pending payment
// and hands it to the gateway serving the method. An order payment is priced
// from the order itself, including the coupon applied at checkout.
func (o *Orchestrator) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	if !in.Method.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unknown payment method %q", in.Method)
	}
	if in.CourseID != nil && in.OrderID != nil {
		return nil, apperr.Validation("a payment covers either a course or an order")
	}
	var order *models.Order
	if in.OrderID != nil {
		var err error
		if order, err = o.payableOrder(ctx, in); err != nil {
			return nil, err
		}
		in.Amount = order.Total
	}
	if !in.Amount.IsPositive() {
		return nil, apperr.Validation("amount must be greater than zero")
	}
	adapter, err := o.Gateways.ForMethod(in.Method)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "payment method not available", err)
	}

	var risk fraud.Result
	if o.Scorer != nil {
		risk, err = o.Scorer.Score(ctx, fraud.Attempt{
			PayerID:   in.PayerID,
			Amount:    in.Amount,
			Method:    in.Method,
			ClientIP:  in.ClientIP,
			UserAgent: in.UserAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("score payment: %w", err)
		}
		if risk.Level == fraud.LevelHigh || (o.opts.BlockOnVelocity && risk.Triggered(fraud.RuleVelocity)) {
			entry := audit.Entry(&in.PayerID, audit.ActionPaymentBlocked, audit.EntityPayment, "",
				map[string]any{"rules": risk.Rules, "amount": in.Amount.String(), "method": in.Method, "client_ip": in.ClientIP})
			entry.RiskScore = risk.Score
			entry.Flagged = true
			o.Audit.Record(ctx, entry)
			o.Logger.Warn("payment blocked",
				zap.String("payer_id", in.PayerID.String()),
				zap.Int("score", risk.Score),
				zap.Strings("rules", risk.Rules),
			)
			return nil, ErrFraudBlocked
		}
	}

	amount, discount := in.Amount, decimal.Zero
	var couponID *uuid.UUID
	var couponCode string
	if order != nil {
		amount = order.Subtotal.Add(order.Tax).Add(order.Shipping)
		discount = order.Discount
		couponID = order.CouponID
		couponCode = order.CouponCode
	} else if in.CouponCode != "" {
		if o.Coupons == nil {
			return nil, apperr.Validation("coupons are not accepted")
		}
		var scope coupons.Scope
		if in.CourseID != nil {
			scope.CourseIDs = []uuid.UUID{*in.CourseID}
		}
		q, err := o.Coupons.Validate(ctx, in.CouponCode, in.PayerID, in.Amount, scope)
		if err != nil {
			return nil, o.wrap("validate coupon", err)
		}
		if !q.Valid {
			return nil, apperr.Validation(q.Reason)
		}
		discount = q.Discount
		id := q.CouponID
		couponID = &id
		couponCode = q.Code
	}

	now := o.now()
	p := &models.Payment{
		ID:                   uuid.New(),
		PayerID:              in.PayerID,
		CourseID:             in.CourseID,
		OrderID:              in.OrderID,
		Amount:               amount,
		DiscountAmount:       discount,
		FinalAmount:          models.FinalAmountFor(amount, discount),
		Currency:             o.opts.Currency,
		Method:               in.Method,
		Gateway:              adapter.Name(),
		GatewayTransactionID: o.newReference(),
		Status:               models.PaymentStatusPending,
		CouponID:             couponID,
		CouponCode:           couponCode,
		RefundedAmount:       decimal.Zero,
		ClientIP:             in.ClientIP,
		UserAgent:            in.UserAgent,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	p.SetMeta(models.MetaRiskScore, risk.Score)
	p.SetMeta(models.MetaRiskRules, risk.Rules)
	if in.PayerEmail != "" {
		p.SetMeta(models.MetaPayerEmail, in.PayerEmail)
	}
	if err := o.Store.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	instr, err := o.dispatch(ctx, adapter, p, in.PayerEmail)
	if err != nil {
		return nil, err
	}

	entry := audit.Entry(&in.PayerID, audit.ActionPaymentInitiated, audit.EntityPayment, p.ID.String(),
		map[string]any{"gateway": p.Gateway, "amount": p.FinalAmount.String(), "rules": risk.Rules})
	entry.RiskScore = risk.Score
	o.Audit.Record(ctx, entry)
	o.Logger.Info("payment initiated",
		zap.String("payment_id", p.ID.String()),
		zap.String("gateway", p.Gateway),
		zap.String("final_amount", p.FinalAmount.String()),
		zap.Int("risk_score", risk.Score),
	)
	return &InitiateResult{Payment: p, Instruction: instr, Risk: risk}, nil
}

// payableOrder loads the payer's own pending order. A client amount, when
// given, must match the order total; coupons on orders are taken at checkout.
func (o *Orchestrator) payableOrder(ctx context.Context, in InitiateInput) (*models.Order, error) {
	if o.Orders == nil {
		return nil, apperr.Validation("orders are not accepted")
	}
	order, err := o.Orders.Get(ctx, *in.OrderID, models.Viewer{UserID: in.PayerID, Role: models.RoleStudent})
	if err != nil {
		return nil, o.wrap("load order", err)
	}
	if order.Status != models.OrderStatusPending || order.StockCommitted {
		return nil, apperr.Newf(apperr.KindConflict, "order is %s, cannot be paid", order.Status)
	}
	if !in.Amount.IsZero() && !in.Amount.Equal(order.Total) {
		return nil, apperr.Newf(apperr.KindValidation, "amount does not match order total %s", order.Total.StringFixed(2))
	}
	if in.CouponCode != "" {
		return nil, apperr.Validation("coupons for orders are applied at checkout")
	}
	return order, nil
}

// dispatch sends a pending payment to its adapter. A gateway error fails the
// payment and is returned as a gateway error.
func (o *Orchestrator) dispatch(ctx context.Context, adapter gateway.Adapter, p *models.Payment, email string) (*gateway.Instruction, error) {
	gctx, cancel := context.WithTimeout(ctx, o.opts.GatewayTimeout)
	defer cancel()
	instr, err := adapter.Initiate(gctx, gateway.InitiateRequest{
		Reference:   p.GatewayTransactionID,
		Amount:      p.FinalAmount,
		Currency:    p.Currency,
		Description: describe(p),
		SuccessURL:  o.opts.SuccessURL,
		CancelURL:   o.opts.CancelURL,
		Customer:    gateway.Customer{ID: p.PayerID, Email: email},
	})
	if err != nil {
		o.Logger.Error("gateway initiate failed",
			zap.String("payment_id", p.ID.String()),
			zap.String("gateway", p.Gateway),
			zap.Error(err),
		)
		p.Status = models.PaymentStatusFailed
		p.SetMeta(models.MetaError, err.Error())
		p.UpdatedAt = o.now()
		if _, terr := o.Store.Transition(ctx, p, models.PaymentStatusPending); terr != nil {
			o.Logger.Error("mark payment failed", zap.String("payment_id", p.ID.String()), zap.Error(terr))
		}
		o.publish(ctx, events.TopicPaymentFailed, p, err.Error())
		return nil, apperr.Wrap(apperr.KindGateway, "payment gateway unavailable", err)
	}
	if instr.ExternalID != "" {
		p.ExternalID = instr.ExternalID
	}
	if len(instr.Payload) > 0 {
		p.SetMeta(models.MetaGatewayPayload, instr.Payload)
	}
	p.UpdatedAt = o.now()
	if err := o.Store.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("save gateway reference: %w", err)
	}
	return instr, nil
}

// Retry re-sends a failed payment with a fresh reference, optionally on a
// different method. The amounts never change.
func (o *Orchestrator) Retry(ctx context.Context, paymentID uuid.UUID, method models.PaymentMethod, viewer models.Viewer) (*InitiateResult, error) {
	p, err := o.Get(ctx, paymentID, viewer)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentStatusFailed {
		return nil, ErrNotRetryable
	}
	if p.RetryCount >= o.opts.MaxRetries {
		return nil, ErrRetriesExhausted
	}
	if method != "" && method != p.Method {
		if !method.Valid() {
			return nil, apperr.Newf(apperr.KindValidation, "unknown payment method %q", method)
		}
		p.Method = method
	}
	adapter, err := o.Gateways.ForMethod(p.Method)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "payment method not available", err)
	}

	p.RetryCount++
	p.Status = models.PaymentStatusPending
	p.Gateway = adapter.Name()
	p.GatewayTransactionID = o.newReference()
	p.ExternalID = ""
	delete(p.Metadata, models.MetaError)
	delete(p.Metadata, models.MetaFailureReason)
	p.UpdatedAt = o.now()
	won, err := o.Store.Transition(ctx, p, models.PaymentStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("reset payment: %w", err)
	}
	if !won {
		return nil, ErrNotRetryable
	}

	email, _ := p.Metadata[models.MetaPayerEmail].(string)
	instr, err := o.dispatch(ctx, adapter, p, email)
	if err != nil {
		return nil, err
	}
	o.Audit.Record(ctx, audit.Entry(&viewer.UserID, audit.ActionPaymentRetried, audit.EntityPayment, p.ID.String(),
		map[string]any{"retry_count": p.RetryCount, "gateway": p.Gateway, "reference": p.GatewayTransactionID}))
	o.Logger.Info("payment retried", zap.String("payment_id", p.ID.String()), zap.Int("retry_count", p.RetryCount))
	return &InitiateResult{Payment: p, Instruction: instr}, nil
}

// Get returns a payment visible to the viewer.
func (o *Orchestrator) Get(ctx context.Context, paymentID uuid.UUID, viewer models.Viewer) (*models.Payment, error) {
	p, err := o.Store.Get(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if p == nil || !viewer.CanSee(p.PayerID) {
		return nil, ErrNotFound
	}
	return p, nil
}

// ListMine lists the viewer's payments; admins see every payment.
func (o *Orchestrator) ListMine(ctx context.Context, viewer models.Viewer, limit, offset int) ([]*models.Payment, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultListSize
	}
	if offset < 0 {
		offset = 0
	}
	var payer *uuid.UUID
	if !viewer.IsAdmin() {
		id := viewer.UserID
		payer = &id
	}
	list, err := o.Store.List(ctx, payer, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return list, nil
}

// ResendReceipt queues the receipt email of a completed payment again.
func (o *Orchestrator) ResendReceipt(ctx context.Context, paymentID uuid.UUID) error {
	p, err := o.Store.Get(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("get payment: %w", err)
	}
	if p == nil {
		return ErrNotFound
	}
	if p.Status != models.PaymentStatusCompleted {
		return apperr.Newf(apperr.KindConflict, "payment is %s", p.Status)
	}
	if o.Notifier != nil {
		o.Notifier.PaymentReceipt(ctx, p)
	}
	return nil
}

func (o *Orchestrator) newReference() string {
	return referencePrefix + o.References.Generate().String()
}

// lock takes the named payment lock, polling until LockWait elapses.
func (o *Orchestrator) lock(ctx context.Context, key string) (func(), error) {
	if o.Locker == nil {
		return func() {}, nil
	}
	deadline := o.now().Add(o.opts.LockWait)
	for {
		release, err := o.Locker.Acquire(ctx, key, o.opts.LockTTL)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, redislock.ErrLockHeld) {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if o.now().After(deadline) {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, topic string, p *models.Payment, reason string) {
	ev := events.PaymentEvent{
		PaymentID:  p.ID,
		PayerID:    p.PayerID,
		CourseID:   p.CourseID,
		OrderID:    p.OrderID,
		Status:     string(p.Status),
		Method:     string(p.Method),
		Gateway:    p.Gateway,
		Amount:     p.FinalAmount,
		Currency:   p.Currency,
		Reason:     reason,
		OccurredAt: o.now().UTC(),
	}
	if err := o.Events.Publish(ctx, topic, ev); err != nil {
		o.Logger.Warn("publish payment event failed",
			zap.String("topic", topic),
			zap.String("payment_id", p.ID.String()),
			zap.Error(err),
		)
	}
}

func describe(p *models.Payment) string {
	switch {
	case p.CourseID != nil:
		return "Course enrollment " + p.CourseID.String()
	case p.OrderID != nil:
		return "Order " + p.OrderID.String()
	}
	return "Payment " + p.GatewayTransactionID
}

func (o *Orchestrator) wrap(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
