package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/internal/models"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository handles transactions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a ledger repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertRow appends a ledger row through any executor, so other stores can
// write ledger rows inside their own transactions. Duplicate income rows for
// a payment are ignored and reported as false.
func InsertRow(ctx context.Context, db Execer, t *models.Transaction) (bool, error) {
	const q = `INSERT INTO transactions (id, type, category, amount, description, payment_id, expense_id, earning_id, transaction_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (payment_id) WHERE type = 'income' DO NOTHING`
	tag, err := db.Exec(ctx, q, t.ID, t.Type, t.Category, t.Amount, t.Description, t.PaymentID, t.ExpenseID,
		t.EarningID, t.TransactionDate, t.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Insert implements Store.
func (r *Repository) Insert(ctx context.Context, t *models.Transaction) (bool, error) {
	return InsertRow(ctx, r.pool, t)
}

// Totals implements Store.
func (r *Repository) Totals(ctx context.Context, before *time.Time) (decimal.Decimal, decimal.Decimal, error) {
	const q = `SELECT
			COALESCE(SUM(amount) FILTER (WHERE type IN ('income', 'refund')), 0),
			COALESCE(SUM(amount) FILTER (WHERE type NOT IN ('income', 'refund')), 0)
		FROM transactions
		WHERE $1::timestamptz IS NULL OR transaction_date < $1`
	var credits, debits decimal.Decimal
	if err := r.pool.QueryRow(ctx, q, before).Scan(&credits, &debits); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return credits, debits, nil
}

// ListBetween implements Store.
func (r *Repository) ListBetween(ctx context.Context, from, to time.Time) ([]*models.Transaction, error) {
	const q = `SELECT id, type, category, amount, description, payment_id, expense_id, earning_id, transaction_date, created_at
		FROM transactions
		WHERE transaction_date >= $1 AND transaction_date < $2
		ORDER BY transaction_date, created_at, id`
	rows, err := r.pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Transaction, error) {
		var t models.Transaction
		err := row.Scan(&t.ID, &t.Type, &t.Category, &t.Amount, &t.Description, &t.PaymentID, &t.ExpenseID,
			&t.EarningID, &t.TransactionDate, &t.CreatedAt)
		return &t, err
	})
}
