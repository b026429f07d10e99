package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/models"
)

type memStore struct {
	mu   sync.Mutex
	rows []*models.Transaction
}

func (m *memStore) Insert(_ context.Context, t *models.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Type == models.TxnIncome && t.PaymentID != nil {
		for _, r := range m.rows {
			if r.Type == models.TxnIncome && r.PaymentID != nil && *r.PaymentID == *t.PaymentID {
				return false, nil
			}
		}
	}
	cp := *t
	m.rows = append(m.rows, &cp)
	return true, nil
}

func (m *memStore) Totals(_ context.Context, before *time.Time) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	credits, debits := decimal.Zero, decimal.Zero
	for _, r := range m.rows {
		if before != nil && !r.TransactionDate.Before(*before) {
			continue
		}
		if r.Type.Credits() {
			credits = credits.Add(r.Amount)
		} else {
			debits = debits.Add(r.Amount)
		}
	}
	return credits, debits, nil
}

func (m *memStore) ListBetween(_ context.Context, from, to time.Time) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, r := range m.rows {
		if !r.TransactionDate.Before(from) && r.TransactionDate.Before(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionDate.Before(out[j].TransactionDate) })
	return out, nil
}

type memObjects struct {
	key  string
	body []byte
}

func (m *memObjects) Put(_ context.Context, key string, body io.Reader) (string, error) {
	m.key = key
	m.body, _ = io.ReadAll(body)
	return "https://download/" + key, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBalanceDerivation(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(store, nil, nil, nil)
	ctx := context.Background()
	payment := uuid.New()

	_, err := r.RecordIncome(ctx, payment, dec("1000"), CategoryCoursePayment, "course")
	require.NoError(t, err)
	_, err = r.Record(ctx, models.Transaction{Type: models.TxnCommission, Category: "instructor_commission", Amount: dec("700")})
	require.NoError(t, err)
	_, err = r.Record(ctx, models.Transaction{Type: models.TxnRefund, Category: "instructor_commission_reversal", Amount: dec("700")})
	require.NoError(t, err)
	_, err = r.RecordRefund(ctx, payment, dec("300"), "partial")
	require.NoError(t, err)

	b, err := r.Balance(ctx)
	require.NoError(t, err)
	assert.True(t, b.Credits.Equal(dec("1700")))
	assert.True(t, b.Debits.Equal(dec("1000")))
	assert.True(t, b.Balance.Equal(dec("700")), b.Balance.String())
}

func TestIncomeOncePerPayment(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(store, nil, nil, nil)
	payment := uuid.New()

	first, err := r.RecordIncome(context.Background(), payment, dec("10"), CategoryCoursePayment, "")
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := r.RecordIncome(context.Background(), payment, dec("10"), CategoryCoursePayment, "")
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, store.rows, 1)
}

func TestRecordValidation(t *testing.T) {
	r := NewRecorder(&memStore{}, nil, nil, nil)
	_, err := r.Record(context.Background(), models.Transaction{Type: "bogus", Category: "x", Amount: dec("1")})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = r.Record(context.Background(), models.Transaction{Type: models.TxnExpense, Category: "x", Amount: dec("-1")})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = r.Record(context.Background(), models.Transaction{Type: models.TxnExpense, Amount: dec("1")})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func seed(store *memStore, at time.Time, typ models.TransactionType, amount string) {
	store.rows = append(store.rows, &models.Transaction{
		ID: uuid.New(), Type: typ, Category: "c", Amount: dec(amount), TransactionDate: at, CreatedAt: at,
	})
}

func TestStatementRunningBalance(t *testing.T) {
	store := &memStore{}
	jan := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	seed(store, jan, models.TxnIncome, "500")
	seed(store, feb, models.TxnIncome, "200")
	seed(store, feb.Add(time.Hour), models.TxnExpense, "50")
	r := NewRecorder(store, nil, nil, nil)

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	st, err := r.Statement(context.Background(), from, from.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.True(t, st.OpeningBalance.Equal(dec("500")))
	require.Len(t, st.Lines, 2)
	assert.True(t, st.Lines[0].RunningBalance.Equal(dec("700")))
	assert.True(t, st.ClosingBalance.Equal(dec("650")))

	_, err = r.Statement(context.Background(), from, from)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestExportStatement(t *testing.T) {
	store := &memStore{}
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	seed(store, at, models.TxnIncome, "120.5")
	objects := &memObjects{}
	keyFor := func(from, to time.Time, id string) string { return "statements/" + id + ".csv" }
	r := NewRecorder(store, objects, keyFor, nil)

	exp, err := r.ExportStatement(context.Background(), at.AddDate(0, 0, -1), at.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, exp.Rows)
	assert.Equal(t, objects.key, exp.Key)
	assert.Equal(t, "https://download/"+exp.Key, exp.DownloadURL)

	records, err := csv.NewReader(bytes.NewReader(objects.body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "date", records[0][0])
	assert.Equal(t, "120.50", records[2][6])
	assert.Equal(t, "120.50", records[3][8])
}

func TestExportNotConfigured(t *testing.T) {
	_, err := NewRecorder(&memStore{}, nil, nil, nil).ExportStatement(context.Background(), time.Now(), time.Now().Add(time.Hour))
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestParseRange(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	from, to, err := ParseRange("", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), to)

	from, to, err = ParseRange("2026-01-01", "2026-01-31", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), to)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), from)

	_, _, err = ParseRange("2026-02-01", "2026-01-01", now)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, _, err = ParseRange("jan", "", now)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
