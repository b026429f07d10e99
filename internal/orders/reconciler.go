// Package orders turns carts into orders and keeps product stock consistent
// with order state. Stock is only taken when payment confirms an order.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/coupons"
	"github.com/aura-learn/backend/internal/models"
)

var (
	// ErrNotFound is returned for unknown or invisible orders.
	ErrNotFound = apperr.NotFound("order not found")
	// ErrStockExhausted is returned when confirmation finds too little stock.
	ErrStockExhausted = apperr.New(apperr.KindStockExhausted, "insufficient stock to confirm order")
	// ErrEmptyCart is returned when checking out an empty cart.
	ErrEmptyCart = apperr.Validation("cart is empty")
)

// transitions is the order status graph. Confirmation is only reached through
// stock commitment.
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending:    {models.OrderStatusConfirmed, models.OrderStatusCancelled},
	models.OrderStatusConfirmed:  {models.OrderStatusProcessing, models.OrderStatusCancelled, models.OrderStatusRefunded},
	models.OrderStatusProcessing: {models.OrderStatusShipped, models.OrderStatusCancelled, models.OrderStatusRefunded},
	models.OrderStatusShipped:    {models.OrderStatusDelivered, models.OrderStatusRefunded},
	models.OrderStatusDelivered:  {models.OrderStatusRefunded},
}

// CanTransition reports whether the order graph allows from -> to.
func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store persists orders. InTx must run fn in one serializable transaction.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

// Tx is the locked view the reconciler works against.
type Tx interface {
	CartItems(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error)
	// LockProducts locks the rows in id order and returns those that exist.
	LockProducts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Product, error)
	InsertOrder(ctx context.Context, o *models.Order) error
	ClearCart(ctx context.Context, userID uuid.UUID) error
	LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	AdjustStock(ctx context.Context, productID uuid.UUID, delta int) error
	SetStatus(ctx context.Context, orderID uuid.UUID, status models.OrderStatus, stockCommitted bool) error
}

// CouponQuoter prices a coupon without recording a use.
type CouponQuoter interface {
	Validate(ctx context.Context, code string, payerID uuid.UUID, amount decimal.Decimal, scope coupons.Scope) (coupons.Quote, error)
}

// CreateInput is the checkout request.
type CreateInput struct {
	UserID          uuid.UUID
	ShippingAddress models.Address
	BillingAddress  models.Address
	CouponCode      string
}

// Reconciler implements order creation, confirmation and status changes.
type Reconciler struct {
	store   Store
	coupons CouponQuoter
	numbers *snowflake.Node
	logger  *zap.Logger
	now     func() time.Time
}

// NewReconciler creates a reconciler. coupons may be nil to disable discounts.
func NewReconciler(store Store, quoter CouponQuoter, numbers *snowflake.Node, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, coupons: quoter, numbers: numbers, logger: logger, now: time.Now}
}

// CreateFromCart snapshots the user's cart into a pending order. Every line is
// re-checked against live product status, stock and price; any bad line
// rejects the whole checkout. Stock is not taken here.
func (r *Reconciler) CreateFromCart(ctx context.Context, in CreateInput) (*models.Order, error) {
	var order *models.Order
	err := r.store.InTx(ctx, func(tx Tx) error {
		cart, err := tx.CartItems(ctx, in.UserID)
		if err != nil {
			return err
		}
		if len(cart) == 0 {
			return ErrEmptyCart
		}
		ids := make([]uuid.UUID, 0, len(cart))
		for _, item := range cart {
			ids = append(ids, item.ProductID)
		}
		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}

		now := r.now()
		o := &models.Order{
			ID:              uuid.New(),
			OrderNumber:     "ORD-" + r.numbers.Generate().String(),
			UserID:          in.UserID,
			Subtotal:        decimal.Zero,
			Discount:        decimal.Zero,
			Tax:             decimal.Zero,
			Shipping:        decimal.Zero,
			ShippingAddress: in.ShippingAddress,
			BillingAddress:  in.BillingAddress,
			Status:          models.OrderStatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		for _, item := range cart {
			p, ok := products[item.ProductID]
			if !ok || p.Status != models.ProductStatusActive {
				return apperr.Newf(apperr.KindValidation, "product %s is no longer available", item.ProductID)
			}
			if item.Quantity <= 0 {
				return apperr.Newf(apperr.KindValidation, "invalid quantity for %s", p.Name)
			}
			if p.Stock < item.Quantity {
				return apperr.Newf(apperr.KindValidation, "only %d of %s left in stock", p.Stock, p.Name)
			}
			line := models.OrderItem{
				ID:          uuid.New(),
				OrderID:     o.ID,
				ProductID:   p.ID,
				ProductName: p.Name,
				Quantity:    item.Quantity,
				UnitPrice:   p.Price,
			}
			o.Items = append(o.Items, line)
			o.Subtotal = o.Subtotal.Add(line.LineTotal())
		}

		if in.CouponCode != "" {
			if r.coupons == nil {
				return apperr.Validation("coupons are not accepted")
			}
			q, err := r.coupons.Validate(ctx, in.CouponCode, in.UserID, o.Subtotal, coupons.Scope{ProductIDs: ids})
			if err != nil {
				return err
			}
			if !q.Valid {
				return apperr.Validation(q.Reason)
			}
			couponID := q.CouponID
			o.Discount = q.Discount
			o.CouponID = &couponID
			o.CouponCode = q.Code
		}
		o.Total = models.FinalAmountFor(o.Subtotal.Add(o.Tax).Add(o.Shipping), o.Discount)

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.ClearCart(ctx, in.UserID); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, r.wrap("create order", err)
	}
	r.logger.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.Total.String()),
	)
	return order, nil
}

// ConfirmPayment takes stock for a paid order and moves it to confirmed.
// Confirming an order whose stock is already committed is a no-op.
func (r *Reconciler) ConfirmPayment(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var out *models.Order
	err := r.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return ErrNotFound
		}
		if o.StockCommitted {
			out = o
			return nil
		}
		if o.Status != models.OrderStatusPending {
			return apperr.Newf(apperr.KindConflict, "order is %s, cannot confirm", o.Status)
		}
		if err := commitStock(ctx, tx, o); err != nil {
			return err
		}
		if err := tx.SetStatus(ctx, o.ID, models.OrderStatusConfirmed, true); err != nil {
			return err
		}
		o.Status = models.OrderStatusConfirmed
		o.StockCommitted = true
		out = o
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStockExhausted) {
			r.logger.Warn("order confirmation out of stock", zap.String("order_id", orderID.String()))
		}
		return nil, r.wrap("confirm order", err)
	}
	return out, nil
}

// UpdateStatus moves an order along the status graph. Entering cancelled or
// refunded gives committed stock back.
func (r *Reconciler) UpdateStatus(ctx context.Context, orderID uuid.UUID, to models.OrderStatus) (*models.Order, error) {
	if to == models.OrderStatusConfirmed {
		return r.ConfirmPayment(ctx, orderID)
	}
	var out *models.Order
	err := r.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return ErrNotFound
		}
		if !CanTransition(o.Status, to) {
			return apperr.Newf(apperr.KindConflict, "cannot move order from %s to %s", o.Status, to)
		}
		committed := o.StockCommitted
		if to.Reversal() && committed {
			if _, err := tx.LockProducts(ctx, productIDs(o)); err != nil {
				return err
			}
			for _, item := range o.Items {
				if err := tx.AdjustStock(ctx, item.ProductID, item.Quantity); err != nil {
					return err
				}
			}
			committed = false
		}
		if err := tx.SetStatus(ctx, o.ID, to, committed); err != nil {
			return err
		}
		o.Status = to
		o.StockCommitted = committed
		out = o
		return nil
	})
	if err != nil {
		return nil, r.wrap("update order status", err)
	}
	r.logger.Info("order status updated", zap.String("order_id", orderID.String()), zap.String("status", string(to)))
	return out, nil
}

// Get returns an order visible to the viewer.
func (r *Reconciler) Get(ctx context.Context, orderID uuid.UUID, viewer models.Viewer) (*models.Order, error) {
	o, err := r.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if o == nil || !viewer.CanSee(o.UserID) {
		return nil, ErrNotFound
	}
	return o, nil
}

func commitStock(ctx context.Context, tx Tx, o *models.Order) error {
	products, err := tx.LockProducts(ctx, productIDs(o))
	if err != nil {
		return err
	}
	need := map[uuid.UUID]int{}
	for _, item := range o.Items {
		need[item.ProductID] += item.Quantity
	}
	for id, qty := range need {
		p, ok := products[id]
		if !ok || p.Stock < qty {
			return ErrStockExhausted
		}
	}
	for _, item := range o.Items {
		if err := tx.AdjustStock(ctx, item.ProductID, -item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func productIDs(o *models.Order) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(o.Items))
	for _, item := range o.Items {
		ids = append(ids, item.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (r *Reconciler) wrap(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
