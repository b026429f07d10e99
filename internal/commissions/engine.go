// Package commissions accrues, pays out and cancels instructor and affiliate
// earnings. One engine serves both payee kinds; the kind selects the tables.
package commissions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/models"
)

var (
	// ErrPayeeNotFound is returned when the payee row does not exist.
	ErrPayeeNotFound = apperr.NotFound("payee not found")
	// ErrEarningNotFound is returned when the earning row does not exist.
	ErrEarningNotFound = apperr.NotFound("earning not found")
	// ErrDuplicateAccrual is returned when the payee already earned from the payment.
	ErrDuplicateAccrual = apperr.Conflict("commission already accrued for this payment")
	// ErrAlreadyCancelled is returned when cancelling a cancelled earning.
	ErrAlreadyCancelled = apperr.Conflict("earning already cancelled")
)

// Ledger categories written by the engine.
const (
	CategoryCommissionSuffix = "_commission"
	CategoryPayoutSuffix     = "_payout"
	CategoryReversalSuffix   = "_commission_reversal"
)

// AccrueInput describes one commission to accrue.
type AccrueInput struct {
	PayeeID         uuid.UUID
	CourseID        *uuid.UUID
	SourcePaymentID uuid.UUID
	EnrollmentID    *uuid.UUID
	// Amount is the base the payee's rate applies to.
	Amount decimal.Decimal
}

// PayoutMeta describes an offline payout batch.
type PayoutMeta struct {
	PaidBy    uuid.UUID
	Reference string
}

// PayoutResult summarises MarkPaid.
type PayoutResult struct {
	Count       int             `json:"count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// Store is the persistence the engine needs for one payee kind.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetPayee(ctx context.Context, payeeID uuid.UUID) (*models.Payee, error)
	ListByPayee(ctx context.Context, payeeID uuid.UUID, status string, limit, offset int) ([]*models.Earning, error)
}

// Tx is the locked view of payees, earnings and the ledger inside one transaction.
type Tx interface {
	LockPayee(ctx context.Context, payeeID uuid.UUID) (*models.Payee, error)
	EarningBySource(ctx context.Context, payeeID, paymentID uuid.UUID) (*models.Earning, error)
	InsertEarning(ctx context.Context, e *models.Earning) error
	LockEarnings(ctx context.Context, ids []uuid.UUID) ([]*models.Earning, error)
	MarkEarningPaid(ctx context.Context, id uuid.UUID, paidAt time.Time, paidBy uuid.UUID, reference string) error
	CancelEarning(ctx context.Context, id uuid.UUID, at time.Time) error
	// AdjustPayee adds the deltas to pending and paid and their sum to total.
	AdjustPayee(ctx context.Context, payeeID uuid.UUID, pendingDelta, paidDelta decimal.Decimal) error
	InsertTransaction(ctx context.Context, t *models.Transaction) error
}

// Engine is the commission engine for one payee kind.
type Engine struct {
	kind   models.PayeeKind
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an engine for kind.
func NewEngine(kind models.PayeeKind, store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{kind: kind, store: store, logger: logger.With(zap.String("payee_kind", string(kind))), now: time.Now}
}

// Kind returns the payee kind the engine serves.
func (e *Engine) Kind() models.PayeeKind { return e.kind }

// CommissionFor returns amount * rate / 100 rounded to cents.
func CommissionFor(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
}

// Accrue records a pending earning at the payee's current rate and raises the
// payee's pending and total by the same amount.
func (e *Engine) Accrue(ctx context.Context, in AccrueInput) (*models.Earning, error) {
	if in.Amount.IsNegative() {
		return nil, apperr.Validation("commission base must not be negative")
	}
	var earning *models.Earning
	err := e.store.InTx(ctx, func(tx Tx) error {
		payee, err := tx.LockPayee(ctx, in.PayeeID)
		if err != nil {
			return err
		}
		if payee == nil {
			return ErrPayeeNotFound
		}
		existing, err := tx.EarningBySource(ctx, in.PayeeID, in.SourcePaymentID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrDuplicateAccrual
		}
		now := e.now()
		earning = &models.Earning{
			ID:              uuid.New(),
			Kind:            e.kind,
			PayeeID:         in.PayeeID,
			CourseID:        in.CourseID,
			SourcePaymentID: in.SourcePaymentID,
			EnrollmentID:    in.EnrollmentID,
			Amount:          CommissionFor(in.Amount, payee.CommissionRate),
			Rate:            payee.CommissionRate,
			Status:          models.EarningStatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertEarning(ctx, earning); err != nil {
			return err
		}
		if err := tx.AdjustPayee(ctx, in.PayeeID, earning.Amount, decimal.Zero); err != nil {
			return err
		}
		payment := in.SourcePaymentID
		return tx.InsertTransaction(ctx, e.ledgerRow(models.TxnCommission, string(e.kind)+CategoryCommissionSuffix,
			earning, &payment, fmt.Sprintf("%s commission accrued", e.kind)))
	})
	if err != nil {
		return nil, e.wrap("accrue", err)
	}
	e.logger.Info("commission accrued",
		zap.String("payee_id", in.PayeeID.String()),
		zap.String("payment_id", in.SourcePaymentID.String()),
		zap.String("amount", earning.Amount.String()),
	)
	return earning, nil
}

// MarkPaid moves pending earnings to paid. Rows that are not pending are
// skipped, so repeating a batch is harmless.
func (e *Engine) MarkPaid(ctx context.Context, ids []uuid.UUID, meta PayoutMeta) (PayoutResult, error) {
	res := PayoutResult{TotalAmount: decimal.Zero}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return res, nil
	}
	err := e.store.InTx(ctx, func(tx Tx) error {
		earnings, err := tx.LockEarnings(ctx, ids)
		if err != nil {
			return err
		}
		byPayee := map[uuid.UUID]decimal.Decimal{}
		var pending []*models.Earning
		for _, earn := range earnings {
			if earn.Status != models.EarningStatusPending {
				continue
			}
			pending = append(pending, earn)
			byPayee[earn.PayeeID] = byPayee[earn.PayeeID].Add(earn.Amount)
		}
		payees := make([]uuid.UUID, 0, len(byPayee))
		for id := range byPayee {
			payees = append(payees, id)
		}
		sort.Slice(payees, func(i, j int) bool { return payees[i].String() < payees[j].String() })
		for _, id := range payees {
			if _, err := tx.LockPayee(ctx, id); err != nil {
				return err
			}
			sum := byPayee[id]
			if err := tx.AdjustPayee(ctx, id, sum.Neg(), sum); err != nil {
				return err
			}
		}
		now := e.now()
		for _, earn := range pending {
			if err := tx.MarkEarningPaid(ctx, earn.ID, now, meta.PaidBy, meta.Reference); err != nil {
				return err
			}
			desc := fmt.Sprintf("%s payout %s", e.kind, meta.Reference)
			if err := tx.InsertTransaction(ctx, e.ledgerRow(models.TxnCommission, string(e.kind)+CategoryPayoutSuffix,
				earn, nil, desc)); err != nil {
				return err
			}
			res.Count++
			res.TotalAmount = res.TotalAmount.Add(earn.Amount)
		}
		return nil
	})
	if err != nil {
		return PayoutResult{}, e.wrap("mark paid", err)
	}
	e.logger.Info("earnings marked paid", zap.Int("count", res.Count), zap.String("total", res.TotalAmount.String()))
	return res, nil
}

// Cancel reverses an earning. A pending earning leaves pending and total; a
// paid one leaves paid and total. Refund ledger rows reverse every debit the
// earning produced.
func (e *Engine) Cancel(ctx context.Context, earningID uuid.UUID, reason string) (*models.Earning, error) {
	var out *models.Earning
	err := e.store.InTx(ctx, func(tx Tx) error {
		rows, err := tx.LockEarnings(ctx, []uuid.UUID{earningID})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrEarningNotFound
		}
		earn := rows[0]
		if _, err := tx.LockPayee(ctx, earn.PayeeID); err != nil {
			return err
		}
		reversals := 1
		switch earn.Status {
		case models.EarningStatusCancelled:
			return ErrAlreadyCancelled
		case models.EarningStatusPending:
			err = tx.AdjustPayee(ctx, earn.PayeeID, earn.Amount.Neg(), decimal.Zero)
		case models.EarningStatusPaid:
			err = tx.AdjustPayee(ctx, earn.PayeeID, decimal.Zero, earn.Amount.Neg())
			reversals = 2
		default:
			return fmt.Errorf("earning %s has unknown status %q", earn.ID, earn.Status)
		}
		if err != nil {
			return err
		}
		now := e.now()
		if err := tx.CancelEarning(ctx, earn.ID, now); err != nil {
			return err
		}
		desc := fmt.Sprintf("%s commission reversed", e.kind)
		if reason != "" {
			desc += ": " + reason
		}
		for i := 0; i < reversals; i++ {
			payment := earn.SourcePaymentID
			if err := tx.InsertTransaction(ctx, e.ledgerRow(models.TxnRefund, string(e.kind)+CategoryReversalSuffix,
				earn, &payment, desc)); err != nil {
				return err
			}
		}
		earn.Status = models.EarningStatusCancelled
		earn.CancelledAt = &now
		earn.UpdatedAt = now
		out = earn
		return nil
	})
	if err != nil {
		return nil, e.wrap("cancel", err)
	}
	e.logger.Info("earning cancelled", zap.String("earning_id", earningID.String()), zap.String("reason", reason))
	return out, nil
}

// Summary returns the payee's aggregates.
func (e *Engine) Summary(ctx context.Context, payeeID uuid.UUID) (*models.Payee, error) {
	p, err := e.store.GetPayee(ctx, payeeID)
	if err != nil {
		return nil, fmt.Errorf("get payee: %w", err)
	}
	if p == nil {
		return nil, ErrPayeeNotFound
	}
	p.Kind = e.kind
	return p, nil
}

// ListByPayee lists a payee's earnings, newest first. status may be empty.
func (e *Engine) ListByPayee(ctx context.Context, payeeID uuid.UUID, status string, limit, offset int) ([]*models.Earning, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	list, err := e.store.ListByPayee(ctx, payeeID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list earnings: %w", err)
	}
	for _, earn := range list {
		earn.Kind = e.kind
	}
	return list, nil
}

func (e *Engine) ledgerRow(typ models.TransactionType, category string, earn *models.Earning, paymentID *uuid.UUID, desc string) *models.Transaction {
	now := e.now()
	id := earn.ID
	return &models.Transaction{
		ID:              uuid.New(),
		Type:            typ,
		Category:        category,
		Amount:          earn.Amount,
		Description:     desc,
		PaymentID:       paymentID,
		EarningID:       &id,
		TransactionDate: now,
		CreatedAt:       now,
	}
}

func (e *Engine) wrap(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("%s %s commission: %w", op, e.kind, err)
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
