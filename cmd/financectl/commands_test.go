package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/backend/config"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/auth"
	"github.com/aura-learn/backend/internal/commissions"
	"github.com/aura-learn/backend/internal/ledger"
	"github.com/aura-learn/backend/internal/models"
)

type fakeEarnings struct {
	marked    []uuid.UUID
	meta      commissions.PayoutMeta
	cancelled []uuid.UUID
	err       error
}

func (f *fakeEarnings) MarkPaid(_ context.Context, ids []uuid.UUID, meta commissions.PayoutMeta) (commissions.PayoutResult, error) {
	if f.err != nil {
		return commissions.PayoutResult{}, f.err
	}
	f.marked, f.meta = ids, meta
	return commissions.PayoutResult{Count: len(ids), TotalAmount: decimal.RequireFromString("125.5")}, nil
}

func (f *fakeEarnings) Cancel(_ context.Context, id uuid.UUID, _ string) (*models.Earning, error) {
	f.cancelled = append(f.cancelled, id)
	return &models.Earning{ID: id, Amount: decimal.RequireFromString("40"), Status: models.EarningStatusCancelled}, nil
}

type fakeLedger struct {
	from, to time.Time
}

func (f *fakeLedger) Balance(context.Context) (ledger.Balance, error) {
	return ledger.Balance{
		Credits: decimal.RequireFromString("1000"),
		Debits:  decimal.RequireFromString("300"),
		Balance: decimal.RequireFromString("700"),
	}, nil
}

func (f *fakeLedger) ExportStatement(_ context.Context, from, to time.Time) (*ledger.Export, error) {
	f.from, f.to = from, to
	return &ledger.Export{Key: "statements/x.csv", DownloadURL: "https://s3/x", Rows: 4}, nil
}

type memAudit struct{ rows []models.AuditLog }

func (m *memAudit) Insert(_ context.Context, l *models.AuditLog) error {
	m.rows = append(m.rows, *l)
	return nil
}

type fixture struct {
	instructors *fakeEarnings
	affiliates  *fakeEarnings
	ledger      *fakeLedger
	audit       *memAudit
	opened      int
}

func newFixture() *fixture {
	return &fixture{instructors: &fakeEarnings{}, affiliates: &fakeEarnings{}, ledger: &fakeLedger{}, audit: &memAudit{}}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func(context.Context, *config.Config) (*services, func(), error) {
		f.opened++
		return &services{
			earnings: map[models.PayeeKind]earningsOps{
				models.PayeeInstructor: f.instructors,
				models.PayeeAffiliate:  f.affiliates,
			},
			ledger:  f.ledger,
			audit:   audit.NewRecorder(f.audit, nil),
			migrate: func(context.Context) ([]string, error) { return []string{"005_email_logs.sql"}, nil },
		}, func() {}, nil
	}, func() (*config.Config, error) {
		return &config.Config{JWT: config.JWTConfig{Secret: "cli-secret", ExpireHours: 1}}, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPayoutsMark(t *testing.T) {
	f := newFixture()
	admin := uuid.New()
	a, b := uuid.New(), uuid.New()

	out, err := f.run(t, "payouts", "mark", "--kind", "affiliate", "--reference", "BATCH-7", "--actor", admin.String(), a.String(), b.String())
	require.NoError(t, err)
	assert.Contains(t, out, "marked 2 earnings paid, total 125.50")
	assert.Equal(t, []uuid.UUID{a, b}, f.affiliates.marked)
	assert.Equal(t, admin, f.affiliates.meta.PaidBy)
	assert.Empty(t, f.instructors.marked)
	require.Len(t, f.audit.rows, 1)
	assert.Equal(t, audit.ActionPayoutMarked, f.audit.rows[0].Action)
	assert.Equal(t, "BATCH-7", f.audit.rows[0].EntityID)
}

func TestPayoutsMarkValidation(t *testing.T) {
	f := newFixture()
	_, err := f.run(t, "payouts", "mark", uuid.New().String())
	assert.ErrorContains(t, err, "--actor")

	_, err = f.run(t, "payouts", "mark", "--actor", uuid.New().String(), "not-a-uuid")
	assert.ErrorContains(t, err, "invalid earning id")

	_, err = f.run(t, "payouts", "mark", "--actor", uuid.New().String(), "--kind", "partner", uuid.New().String())
	assert.ErrorContains(t, err, "--kind")
	assert.Equal(t, 1, f.opened)

	f.instructors.err = errors.New("earning is not pending")
	_, err = f.run(t, "payouts", "mark", "--actor", uuid.New().String(), uuid.New().String())
	assert.ErrorContains(t, err, "not pending")
	assert.Empty(t, f.audit.rows)
}

func TestEarningsCancel(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	out, err := f.run(t, "earnings", "cancel", "--reason", "chargeback", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled (40.00)")
	assert.Equal(t, []uuid.UUID{id}, f.instructors.cancelled)
	require.Len(t, f.audit.rows, 1)
	assert.Equal(t, audit.ActionEarningCancelled, f.audit.rows[0].Action)
	assert.Nil(t, f.audit.rows[0].UserID)
}

func TestLedgerBalance(t *testing.T) {
	f := newFixture()
	out, err := f.run(t, "ledger", "balance")
	require.NoError(t, err)
	assert.Contains(t, out, "balance  700.00")

	out, err = f.run(t, "ledger", "balance", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"balance": "700"`)
}

func TestLedgerExport(t *testing.T) {
	f := newFixture()
	out, err := f.run(t, "ledger", "export", "--from", "2026-01-01", "--to", "2026-01-31")
	require.NoError(t, err)
	assert.Contains(t, out, "4 rows written to statements/x.csv")
	assert.Equal(t, "2026-01-01", f.ledger.from.Format("2006-01-02"))
	require.Len(t, f.audit.rows, 1)
	assert.Equal(t, audit.ActionLedgerExported, f.audit.rows[0].Action)

	_, err = f.run(t, "ledger", "export", "--from", "January")
	assert.Error(t, err)
}

func TestTokenIssuesValidJWT(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	out, err := f.run(t, "token", "--user-id", id.String(), "--email", "ops@example.com", "--ttl", "10m")
	require.NoError(t, err)
	assert.Equal(t, 0, f.opened)

	claims, err := auth.NewJWTService("cli-secret", 1).Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "admin", claims.Role)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), claims.ExpiresAt.Time, time.Minute)

	_, err = f.run(t, "token", "--user-id", id.String(), "--role", "root")
	assert.ErrorIs(t, err, auth.ErrInvalidRole)
}

func TestMigrate(t *testing.T) {
	out, err := newFixture().run(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "applied 005_email_logs.sql\n", out)
}
