package commissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/internal/ledger"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/database"
)

// tables names the payee and earning tables of one kind.
type tables struct {
	payees   string
	earnings string
	payeeCol string
}

func tablesFor(kind models.PayeeKind) (tables, error) {
	switch kind {
	case models.PayeeInstructor:
		return tables{payees: "instructors", earnings: "instructor_earnings", payeeCol: "instructor_id"}, nil
	case models.PayeeAffiliate:
		return tables{payees: "affiliates", earnings: "affiliate_earnings", payeeCol: "affiliate_id"}, nil
	}
	return tables{}, fmt.Errorf("unknown payee kind %q", kind)
}

// Repository is the pgx Store for one payee kind.
type Repository struct {
	pool *pgxpool.Pool
	kind models.PayeeKind
	t    tables
}

// NewRepository creates a commission repository for kind.
func NewRepository(pool *pgxpool.Pool, kind models.PayeeKind) (*Repository, error) {
	t, err := tablesFor(kind)
	if err != nil {
		return nil, err
	}
	return &Repository{pool: pool, kind: kind, t: t}, nil
}

func (r *Repository) earningColumns() string {
	return `id, ` + r.t.payeeCol + `, course_id, source_payment_id, enrollment_id, amount, rate, status,
		paid_at, paid_by, payout_reference, cancelled_at, created_at, updated_at`
}

func (r *Repository) scanEarning(row pgx.Row) (*models.Earning, error) {
	e := models.Earning{Kind: r.kind}
	err := row.Scan(&e.ID, &e.PayeeID, &e.CourseID, &e.SourcePaymentID, &e.EnrollmentID, &e.Amount, &e.Rate, &e.Status,
		&e.PaidAt, &e.PaidBy, &e.PayoutReference, &e.CancelledAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) scanPayee(row pgx.Row) (*models.Payee, error) {
	p := models.Payee{Kind: r.kind}
	err := row.Scan(&p.ID, &p.UserID, &p.CommissionRate, &p.PendingEarnings, &p.PaidEarnings, &p.TotalEarnings, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const payeeColumns = `id, user_id, commission_rate, pending_earnings, paid_earnings, total_earnings, updated_at`

// GetPayee implements Store.
func (r *Repository) GetPayee(ctx context.Context, payeeID uuid.UUID) (*models.Payee, error) {
	return r.scanPayee(r.pool.QueryRow(ctx, `SELECT `+payeeColumns+` FROM `+r.t.payees+` WHERE id = $1`, payeeID))
}

// ListByPayee implements Store.
func (r *Repository) ListByPayee(ctx context.Context, payeeID uuid.UUID, status string, limit, offset int) ([]*models.Earning, error) {
	q := `SELECT ` + r.earningColumns() + ` FROM ` + r.t.earnings + `
		WHERE ` + r.t.payeeCol + ` = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.pool.Query(ctx, q, payeeID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Earning
	for rows.Next() {
		e, err := r.scanEarning(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// InTx implements Store. Payee and earning rows are locked explicitly, so
// read committed is enough.
func (r *Repository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(&pgTx{repo: r, tx: tx})
	})
}

type pgTx struct {
	repo *Repository
	tx   pgx.Tx
}

func (t *pgTx) LockPayee(ctx context.Context, payeeID uuid.UUID) (*models.Payee, error) {
	return t.repo.scanPayee(t.tx.QueryRow(ctx, `SELECT `+payeeColumns+` FROM `+t.repo.t.payees+` WHERE id = $1 FOR UPDATE`, payeeID))
}

func (t *pgTx) EarningBySource(ctx context.Context, payeeID, paymentID uuid.UUID) (*models.Earning, error) {
	q := `SELECT ` + t.repo.earningColumns() + ` FROM ` + t.repo.t.earnings + `
		WHERE ` + t.repo.t.payeeCol + ` = $1 AND source_payment_id = $2`
	e, err := t.repo.scanEarning(t.tx.QueryRow(ctx, q, payeeID, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (t *pgTx) InsertEarning(ctx context.Context, e *models.Earning) error {
	q := `INSERT INTO ` + t.repo.t.earnings + ` (id, ` + t.repo.t.payeeCol + `, course_id, source_payment_id, enrollment_id,
			amount, rate, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.tx.Exec(ctx, q, e.ID, e.PayeeID, e.CourseID, e.SourcePaymentID, e.EnrollmentID, e.Amount, e.Rate,
		e.Status, e.CreatedAt, e.UpdatedAt)
	return err
}

func (t *pgTx) LockEarnings(ctx context.Context, ids []uuid.UUID) ([]*models.Earning, error) {
	q := `SELECT ` + t.repo.earningColumns() + ` FROM ` + t.repo.t.earnings + `
		WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	rows, err := t.tx.Query(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Earning
	for rows.Next() {
		e, err := t.repo.scanEarning(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (t *pgTx) MarkEarningPaid(ctx context.Context, id uuid.UUID, paidAt time.Time, paidBy uuid.UUID, reference string) error {
	q := `UPDATE ` + t.repo.t.earnings + ` SET status = 'paid', paid_at = $2, paid_by = $3, payout_reference = $4, updated_at = $2
		WHERE id = $1 AND status = 'pending'`
	_, err := t.tx.Exec(ctx, q, id, paidAt, paidBy, reference)
	return err
}

func (t *pgTx) CancelEarning(ctx context.Context, id uuid.UUID, at time.Time) error {
	q := `UPDATE ` + t.repo.t.earnings + ` SET status = 'cancelled', cancelled_at = $2, updated_at = $2 WHERE id = $1`
	_, err := t.tx.Exec(ctx, q, id, at)
	return err
}

func (t *pgTx) AdjustPayee(ctx context.Context, payeeID uuid.UUID, pendingDelta, paidDelta decimal.Decimal) error {
	q := `UPDATE ` + t.repo.t.payees + `
		SET pending_earnings = pending_earnings + $2,
			paid_earnings = paid_earnings + $3,
			total_earnings = total_earnings + $2 + $3,
			updated_at = NOW()
		WHERE id = $1`
	_, err := t.tx.Exec(ctx, q, payeeID, pendingDelta, paidDelta)
	return err
}

func (t *pgTx) InsertTransaction(ctx context.Context, row *models.Transaction) error {
	_, err := ledger.InsertRow(ctx, t.tx, row)
	return err
}
