package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/database"
)

// serializableAttempts bounds retries of a transaction aborted by a
// serialization conflict.
const serializableAttempts = 3

const orderColumns = `id, order_number, user_id, subtotal, discount, tax, shipping, total, shipping_address,
	billing_address, coupon_id, coupon_code, status, stock_committed, created_at, updated_at`

// Repository handles orders, order_items, products stock and cart_items.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an order repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// InTx implements Store at SERIALIZABLE isolation.
func (r *Repository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := database.WithSerializableTx(ctx, r.pool, serializableAttempts, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	if database.IsSerializationFailure(err) {
		return apperr.Wrap(apperr.KindConflict, "order is being updated concurrently, try again", err)
	}
	return err
}

// Get implements Store.
func (r *Repository) Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return loadOrder(ctx, r.pool, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

func loadOrder(ctx context.Context, q queryer, sql string, orderID uuid.UUID) (*models.Order, error) {
	var o models.Order
	err := q.QueryRow(ctx, sql, orderID).Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Subtotal, &o.Discount, &o.Tax,
		&o.Shipping, &o.Total, &o.ShippingAddress, &o.BillingAddress, &o.CouponID, &o.CouponCode, &o.Status, &o.StockCommitted,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT id, order_id, product_id, product_name, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CartItems(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error) {
	rows, err := t.tx.Query(ctx, `SELECT product_id, quantity FROM cart_items WHERE user_id = $1 ORDER BY product_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []models.CartItem
	for rows.Next() {
		var it models.CartItem
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (t *pgTx) LockProducts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Product, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, name, price, stock, status FROM products
		WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]*models.Product, len(ids))
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Status); err != nil {
			return nil, err
		}
		out[p.ID] = &p
	}
	return out, rows.Err()
}

func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		o.ID, o.OrderNumber, o.UserID, o.Subtotal, o.Discount, o.Tax, o.Shipping, o.Total, o.ShippingAddress,
		o.BillingAddress, o.CouponID, o.CouponCode, o.Status, o.StockCommitted, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`INSERT INTO order_items (id, order_id, product_id, product_name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)`, it.ID, it.OrderID, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) ClearCart(ctx context.Context, userID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	return err
}

func (t *pgTx) LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return loadOrder(ctx, t.tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
}

func (t *pgTx) AdjustStock(ctx context.Context, productID uuid.UUID, delta int) error {
	_, err := t.tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = NOW() WHERE id = $1`, productID, delta)
	return err
}

func (t *pgTx) SetStatus(ctx context.Context, orderID uuid.UUID, status models.OrderStatus, stockCommitted bool) error {
	_, err := t.tx.Exec(ctx, `UPDATE orders SET status = $2, stock_committed = $3, updated_at = NOW() WHERE id = $1`,
		orderID, status, stockCommitted)
	return err
}
