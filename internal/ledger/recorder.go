// Package ledger records immutable financial rows and derives balances and
// statements from them. The balance is never stored.
package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/models"
)

// Categories the payment engine writes.
const (
	CategoryCoursePayment  = "course_payment"
	CategoryOrderPayment   = "order_payment"
	CategoryCustomerRefund = "customer_refund"
)

// Store persists ledger rows.
type Store interface {
	// Insert appends a row. It reports false when the row duplicates an
	// existing income row for the same payment.
	Insert(ctx context.Context, t *models.Transaction) (bool, error)
	// Totals sums credits and debits of rows dated before the given time, or all rows when nil.
	Totals(ctx context.Context, before *time.Time) (credits, debits decimal.Decimal, err error)
	// ListBetween returns rows dated in [from, to), oldest first.
	ListBetween(ctx context.Context, from, to time.Time) ([]*models.Transaction, error)
}

// ObjectStore receives exported statements.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader) (string, error)
}

// Balance is the derived account position.
type Balance struct {
	Credits decimal.Decimal `json:"credits"`
	Debits  decimal.Decimal `json:"debits"`
	Balance decimal.Decimal `json:"balance"`
}

// StatementLine is a row with the balance after it.
type StatementLine struct {
	*models.Transaction
	RunningBalance decimal.Decimal `json:"running_balance"`
}

// Statement covers [From, To).
type Statement struct {
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	Lines          []StatementLine `json:"lines"`
}

// Export is the result of ExportStatement.
type Export struct {
	Key         string `json:"key"`
	DownloadURL string `json:"download_url"`
	Rows        int    `json:"rows"`
}

// KeyFunc names an exported statement object.
type KeyFunc func(from, to time.Time, exportID string) string

// Recorder writes and reads the ledger.
type Recorder struct {
	store   Store
	objects ObjectStore
	keyFor  KeyFunc
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecorder creates a ledger recorder. objects may be nil when exports are disabled.
func NewRecorder(store Store, objects ObjectStore, keyFor KeyFunc, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, objects: objects, keyFor: keyFor, logger: logger, now: time.Now}
}

// Record appends a row. Amount is a non-negative magnitude.
func (r *Recorder) Record(ctx context.Context, t models.Transaction) (*models.Transaction, error) {
	if err := Validate(&t); err != nil {
		return nil, err
	}
	Stamp(&t, r.now())
	ok, err := r.store.Insert(ctx, &t)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if !ok {
		r.logger.Info("duplicate income row skipped", zap.String("payment_id", uuidString(t.PaymentID)))
		return nil, nil
	}
	return &t, nil
}

// RecordIncome writes the single income row of a completed payment. A second
// call for the same payment is a no-op and returns nil.
func (r *Recorder) RecordIncome(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal, category, desc string) (*models.Transaction, error) {
	id := paymentID
	return r.Record(ctx, models.Transaction{
		Type:        models.TxnIncome,
		Category:    category,
		Amount:      amount,
		Description: desc,
		PaymentID:   &id,
	})
}

// RecordRefund writes the expense row for money returned to a customer.
func (r *Recorder) RecordRefund(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal, desc string) (*models.Transaction, error) {
	id := paymentID
	return r.Record(ctx, models.Transaction{
		Type:        models.TxnExpense,
		Category:    CategoryCustomerRefund,
		Amount:      amount,
		Description: desc,
		PaymentID:   &id,
	})
}

// Balance returns Σ(income, refund) − Σ(others) over the whole ledger.
func (r *Recorder) Balance(ctx context.Context) (Balance, error) {
	credits, debits, err := r.store.Totals(ctx, nil)
	if err != nil {
		return Balance{}, fmt.Errorf("ledger totals: %w", err)
	}
	return Balance{Credits: credits, Debits: debits, Balance: credits.Sub(debits)}, nil
}

// Statement lists rows in [from, to) with running balances.
func (r *Recorder) Statement(ctx context.Context, from, to time.Time) (*Statement, error) {
	if !to.After(from) {
		return nil, apperr.Validation("statement range must end after it starts")
	}
	credits, debits, err := r.store.Totals(ctx, &from)
	if err != nil {
		return nil, fmt.Errorf("opening totals: %w", err)
	}
	rows, err := r.store.ListBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	st := &Statement{From: from, To: to, OpeningBalance: credits.Sub(debits), Lines: make([]StatementLine, 0, len(rows))}
	running := st.OpeningBalance
	for _, t := range rows {
		running = running.Add(t.SignedAmount())
		st.Lines = append(st.Lines, StatementLine{Transaction: t, RunningBalance: running})
	}
	st.ClosingBalance = running
	return st, nil
}

// ExportStatement renders the statement as CSV, stores it and returns a download URL.
func (r *Recorder) ExportStatement(ctx context.Context, from, to time.Time) (*Export, error) {
	if r.objects == nil || r.keyFor == nil {
		return nil, apperr.New(apperr.KindConflict, "statement export is not configured")
	}
	st, err := r.Statement(ctx, from, to)
	if err != nil {
		return nil, err
	}
	body, err := RenderCSV(st)
	if err != nil {
		return nil, err
	}
	key := r.keyFor(from, to, uuid.NewString())
	url, err := r.objects.Put(ctx, key, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("store statement: %w", err)
	}
	r.logger.Info("statement exported", zap.String("key", key), zap.Int("rows", len(st.Lines)))
	return &Export{Key: key, DownloadURL: url, Rows: len(st.Lines)}, nil
}

// RenderCSV writes a statement as CSV with an opening and closing line.
func RenderCSV(st *Statement) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	records := [][]string{
		{"date", "type", "category", "description", "payment_id", "earning_id", "amount", "signed_amount", "balance"},
		{st.From.UTC().Format(time.RFC3339), "", "", "opening balance", "", "", "", "", st.OpeningBalance.StringFixed(2)},
	}
	for _, l := range st.Lines {
		records = append(records, []string{
			l.TransactionDate.UTC().Format(time.RFC3339),
			string(l.Type),
			l.Category,
			l.Description,
			uuidString(l.PaymentID),
			uuidString(l.EarningID),
			l.Amount.StringFixed(2),
			l.SignedAmount().StringFixed(2),
			l.RunningBalance.StringFixed(2),
		})
	}
	records = append(records, []string{st.To.UTC().Format(time.RFC3339), "", "", "closing balance", "", "", "", "", st.ClosingBalance.StringFixed(2)})
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate checks a row before it is written.
func Validate(t *models.Transaction) error {
	if !t.Type.Valid() {
		return apperr.Newf(apperr.KindValidation, "unknown transaction type %q", t.Type)
	}
	if t.Amount.IsNegative() {
		return apperr.Validation("transaction amount must not be negative")
	}
	if t.Category == "" {
		return apperr.Validation("transaction category required")
	}
	return nil
}

// Stamp fills id and dates left empty by the caller.
func Stamp(t *models.Transaction, now time.Time) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.TransactionDate.IsZero() {
		t.TransactionDate = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
