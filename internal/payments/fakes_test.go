package payments

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/commissions"
	"github.com/aura-learn/backend/internal/coupons"
	"github.com/aura-learn/backend/internal/events"
	"github.com/aura-learn/backend/internal/fraud"
	"github.com/aura-learn/backend/internal/gateway"
	"github.com/aura-learn/backend/internal/gateway/banktransfer"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/internal/orders"
	redislock "github.com/aura-learn/backend/pkg/redis"
)

// memStore is an in-memory Store and fraud.History.
type memStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*models.Payment
	events   map[uuid.UUID]*models.GatewayEvent
}

func newMemStore() *memStore {
	return &memStore{payments: map[uuid.UUID]*models.Payment{}, events: map[uuid.UUID]*models.GatewayEvent{}}
}

func clone(p *models.Payment) *models.Payment {
	cp := *p
	cp.Metadata = make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func (m *memStore) Insert(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clone(p)
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return clone(p), nil
}

func (m *memStore) find(match func(*models.Payment) bool) *models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if match(p) {
			return clone(p)
		}
	}
	return nil
}

func (m *memStore) GetByReference(_ context.Context, ref string) (*models.Payment, error) {
	return m.find(func(p *models.Payment) bool { return p.GatewayTransactionID == ref }), nil
}

func (m *memStore) GetByExternalID(_ context.Context, ext string) (*models.Payment, error) {
	if ext == "" {
		return nil, nil
	}
	return m.find(func(p *models.Payment) bool { return p.ExternalID == ext }), nil
}

func (m *memStore) List(_ context.Context, payerID *uuid.UUID, limit, offset int) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if payerID == nil || p.PayerID == *payerID {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return errors.New("no such payment")
	}
	m.payments[p.ID] = clone(p)
	return nil
}

func (m *memStore) Transition(_ context.Context, p *models.Payment, from models.PaymentStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payments[p.ID]
	if !ok || cur.Status != from {
		return false, nil
	}
	m.payments[p.ID] = clone(p)
	return true, nil
}

func (m *memStore) LogEvent(_ context.Context, ev *models.GatewayEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

func (m *memStore) FinishEvent(_ context.Context, ev *models.GatewayEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

func (m *memStore) CountByPayerSince(_ context.Context, payerID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.payments {
		if p.PayerID == payerID && !p.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountOtherPayersByIPSince(_ context.Context, ip string, payerID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	for _, p := range m.payments {
		if p.ClientIP == ip && p.PayerID != payerID && !p.CreatedAt.Before(since) {
			seen[p.PayerID] = true
		}
	}
	return len(seen), nil
}

func (m *memStore) LastCompletedAt(_ context.Context, payerID uuid.UUID) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, p := range m.payments {
		if p.PayerID == payerID && p.CompletedAt != nil && (last == nil || p.CompletedAt.After(*last)) {
			t := *p.CompletedAt
			last = &t
		}
	}
	return last, nil
}

// fakeAdapter is a scriptable gateway.
type fakeAdapter struct {
	name        string
	mu          sync.Mutex
	initiateErr error
	verify      gateway.Verification
	verifyErr   error
	validSig    bool
	initiated   []gateway.InitiateRequest
	verifies    int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Initiate(_ context.Context, req gateway.InitiateRequest) (*gateway.Instruction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, req)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &gateway.Instruction{RedirectURL: "https://pay.example/" + req.Reference, ExternalID: "ext-" + req.Reference}, nil
}

func (f *fakeAdapter) Verify(context.Context, gateway.VerifyRequest) (*gateway.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	v := f.verify
	return &v, nil
}

func (f *fakeAdapter) VerifyCallbackSignature(gateway.Callback) bool { return f.validSig }

func (f *fakeAdapter) ParseCallback(cb gateway.Callback) (gateway.CallbackRef, error) {
	ref := cb.Param("ref")
	if ref == "" {
		return gateway.CallbackRef{}, gateway.ErrBadCallback
	}
	return gateway.CallbackRef{Reference: ref, Event: "payment.updated"}, nil
}

func (f *fakeAdapter) setVerify(v gateway.Verification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verify = v
}

// fakeCoupons allows one use per user and coupon, like a userLimit of 1.
type fakeCoupons struct {
	mu       sync.Mutex
	discount decimal.Decimal
	applied  []uuid.UUID
	used     map[[2]uuid.UUID]uuid.UUID
}

func (f *fakeCoupons) Validate(_ context.Context, code string, _ uuid.UUID, amount decimal.Decimal, _ coupons.Scope) (coupons.Quote, error) {
	if code != "SAVE10" {
		return coupons.Quote{Valid: false, Reason: coupons.ReasonNotFound}, nil
	}
	return coupons.Quote{Valid: true, CouponID: uuid.New(), Code: code, Discount: f.discount, FinalAmount: amount.Sub(f.discount)}, nil
}

func (f *fakeCoupons) Apply(_ context.Context, couponID, userID, paymentID uuid.UUID, discount decimal.Decimal) (*models.CouponUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used == nil {
		f.used = map[[2]uuid.UUID]uuid.UUID{}
	}
	key := [2]uuid.UUID{couponID, userID}
	if prev, ok := f.used[key]; ok && prev != paymentID {
		return nil, coupons.ErrUserLimitReached
	}
	f.used[key] = paymentID
	f.applied = append(f.applied, paymentID)
	return &models.CouponUsage{ID: uuid.New(), CouponID: couponID, UserID: userID, PaymentID: paymentID, Discount: discount}, nil
}

type fakeEnrollments struct {
	mu         sync.Mutex
	instructor *uuid.UUID
	affiliate  *uuid.UUID
	activated  map[uuid.UUID]*models.Enrollment
	calls      int
}

func (f *fakeEnrollments) Activate(_ context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.activated == nil {
		f.activated = map[uuid.UUID]*models.Enrollment{}
	}
	if e, ok := f.activated[courseID]; ok {
		return e, nil
	}
	e := &models.Enrollment{ID: uuid.New(), UserID: userID, CourseID: courseID, Status: models.EnrollmentStatusActive, AffiliateID: f.affiliate}
	f.activated[courseID] = e
	return e, nil
}

func (f *fakeEnrollments) InstructorForCourse(context.Context, uuid.UUID) (*uuid.UUID, error) {
	return f.instructor, nil
}

type fakeAccruer struct {
	mu    sync.Mutex
	err   error
	calls []commissions.AccrueInput
}

func (f *fakeAccruer) Accrue(_ context.Context, in commissions.AccrueInput) (*models.Earning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, in)
	return &models.Earning{ID: uuid.New(), PayeeID: in.PayeeID, SourcePaymentID: in.SourcePaymentID}, nil
}

type fakeOrders struct {
	mu     sync.Mutex
	err    error
	calls  int
	orders map[uuid.UUID]*models.Order
}

// add stores a pending order owned by userID. total is subtotal minus discount.
func (f *fakeOrders) add(userID uuid.UUID, subtotal, discount string, couponID *uuid.UUID) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orders == nil {
		f.orders = map[uuid.UUID]*models.Order{}
	}
	o := &models.Order{
		ID:       uuid.New(),
		UserID:   userID,
		Subtotal: dec(subtotal),
		Discount: dec(discount),
		Total:    models.FinalAmountFor(dec(subtotal), dec(discount)),
		CouponID: couponID,
		Status:   models.OrderStatusPending,
	}
	if couponID != nil {
		o.CouponCode = "SAVE10"
	}
	f.orders[o.ID] = o
	cp := *o
	return &cp
}

func (f *fakeOrders) Get(_ context.Context, orderID uuid.UUID, viewer models.Viewer) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || !viewer.CanSee(o.UserID) {
		return nil, orders.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) ConfirmPayment(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	o, ok := f.orders[orderID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	o.Status = models.OrderStatusConfirmed
	o.StockCommitted = true
	cp := *o
	return &cp, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	income  map[uuid.UUID]decimal.Decimal
	refunds []decimal.Decimal
}

func (f *fakeLedger) RecordIncome(_ context.Context, paymentID uuid.UUID, amount decimal.Decimal, category, _ string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.income == nil {
		f.income = map[uuid.UUID]decimal.Decimal{}
	}
	if _, dup := f.income[paymentID]; dup {
		return nil, nil
	}
	f.income[paymentID] = amount
	return &models.Transaction{ID: uuid.New(), Type: models.TxnIncome, Category: category, Amount: amount}, nil
}

func (f *fakeLedger) RecordRefund(_ context.Context, _ uuid.UUID, amount decimal.Decimal, _ string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, amount)
	return &models.Transaction{ID: uuid.New(), Type: models.TxnExpense, Amount: amount}, nil
}

type memAudit struct {
	mu   sync.Mutex
	rows []models.AuditLog
}

func (m *memAudit) Insert(_ context.Context, l *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *l)
	return nil
}

func (m *memAudit) byAction(action string) []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, r := range m.rows {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (c *capturePublisher) Publish(_ context.Context, topic string, _ events.PaymentEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

type captureNotifier struct {
	mu       sync.Mutex
	receipts int
	refunds  []string
}

func (c *captureNotifier) PaymentReceipt(context.Context, *models.Payment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts++
}

func (c *captureNotifier) RefundNotice(_ context.Context, _ *models.Payment, amount string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunds = append(c.refunds, amount)
}

// harness wires an orchestrator over fakes, a real fraud scorer, a real audit
// recorder and a miniredis-backed locker.
type harness struct {
	o           *Orchestrator
	store       *memStore
	card        *fakeAdapter
	wallet      *fakeAdapter
	coupons     *fakeCoupons
	enrollments *fakeEnrollments
	instructors *fakeAccruer
	affiliates  *fakeAccruer
	orders      *fakeOrders
	ledger      *fakeLedger
	audit       *memAudit
	events      *capturePublisher
	notifier    *captureNotifier
}

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0"

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	instructor := uuid.New()
	h := &harness{
		store:       newMemStore(),
		card:        &fakeAdapter{name: "stripe", validSig: true},
		wallet:      &fakeAdapter{name: "wallet", validSig: true},
		coupons:     &fakeCoupons{discount: decimal.RequireFromString("50")},
		enrollments: &fakeEnrollments{instructor: &instructor},
		instructors: &fakeAccruer{},
		affiliates:  &fakeAccruer{},
		orders:      &fakeOrders{},
		ledger:      &fakeLedger{},
		audit:       &memAudit{},
		events:      &capturePublisher{},
		notifier:    &captureNotifier{},
	}
	reg := gateway.NewRegistry()
	reg.Register(h.card, models.MethodVisaCard, models.MethodMastercard)
	reg.Register(h.wallet, models.MethodWallet)
	reg.Register(banktransfer.New(banktransfer.Account{BankName: "City Bank"}, nil, nil), models.MethodMobileBank)

	h.o = NewOrchestrator(Deps{
		Store:       h.store,
		Gateways:    reg,
		Scorer:      fraud.NewScorer(h.store, decimal.RequireFromString("50000"), nil),
		Coupons:     h.coupons,
		Enrollments: h.enrollments,
		Instructors: h.instructors,
		Affiliates:  h.affiliates,
		Orders:      h.orders,
		Ledger:      h.ledger,
		Audit:       audit.NewRecorder(h.audit, nil),
		Events:      h.events,
		Notifier:    h.notifier,
		Locker:      redislock.NewLocker(client, "test:"),
		References:  node,
	}, Options{Currency: "BDT", MaxRetries: 3, BlockOnVelocity: true, LockWait: 2 * time.Second})
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (h *harness) initiate(t *testing.T, payer uuid.UUID, amount string, method models.PaymentMethod, course *uuid.UUID) *models.Payment {
	t.Helper()
	res, err := h.o.Initiate(context.Background(), InitiateInput{
		PayerID:    payer,
		PayerEmail: "payer@example.com",
		Amount:     dec(amount),
		Method:     method,
		CourseID:   course,
		ClientIP:   "10.0.0.1",
		UserAgent:  browserUA,
	})
	require.NoError(t, err)
	return res.Payment
}
