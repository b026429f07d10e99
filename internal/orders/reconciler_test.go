package orders

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/coupons"
	"github.com/aura-learn/backend/internal/models"
)

type memStore struct {
	mu       sync.Mutex
	products map[uuid.UUID]*models.Product
	carts    map[uuid.UUID][]models.CartItem
	orders   map[uuid.UUID]*models.Order
}

func newMemStore(products ...*models.Product) *memStore {
	m := &memStore{
		products: map[uuid.UUID]*models.Product{},
		carts:    map[uuid.UUID][]models.CartItem{},
		orders:   map[uuid.UUID]*models.Order{},
	}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

// InTx serializes transactions with the store mutex and rolls back product
// stock, carts and orders when fn fails.
func (m *memStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stock := map[uuid.UUID]int{}
	for id, p := range m.products {
		stock[id] = p.Stock
	}
	carts := map[uuid.UUID][]models.CartItem{}
	for k, v := range m.carts {
		carts[k] = v
	}
	orders := map[uuid.UUID]models.Order{}
	for k, v := range m.orders {
		orders[k] = *v
	}
	if err := fn(memTx{m}); err != nil {
		for id, n := range stock {
			m.products[id].Stock = n
		}
		m.carts = carts
		m.orders = map[uuid.UUID]*models.Order{}
		for k, v := range orders {
			o := v
			m.orders[k] = &o
		}
		return err
	}
	return nil
}

func (m *memStore) Get(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

type memTx struct{ m *memStore }

func (t memTx) CartItems(_ context.Context, userID uuid.UUID) ([]models.CartItem, error) {
	return t.m.carts[userID], nil
}

func (t memTx) LockProducts(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Product, error) {
	out := map[uuid.UUID]*models.Product{}
	for _, id := range ids {
		if p, ok := t.m.products[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (t memTx) InsertOrder(_ context.Context, o *models.Order) error {
	cp := *o
	t.m.orders[o.ID] = &cp
	return nil
}

func (t memTx) ClearCart(_ context.Context, userID uuid.UUID) error {
	delete(t.m.carts, userID)
	return nil
}

func (t memTx) LockOrder(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
	o, ok := t.m.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (t memTx) AdjustStock(_ context.Context, productID uuid.UUID, delta int) error {
	p := t.m.products[productID]
	if p.Stock+delta < 0 {
		return errors.New("stock check constraint")
	}
	p.Stock += delta
	return nil
}

func (t memTx) SetStatus(_ context.Context, orderID uuid.UUID, status models.OrderStatus, stockCommitted bool) error {
	o := t.m.orders[orderID]
	o.Status = status
	o.StockCommitted = stockCommitted
	return nil
}

type fixedQuoter struct {
	quote coupons.Quote
}

func (f fixedQuoter) Validate(_ context.Context, code string, _ uuid.UUID, amount decimal.Decimal, _ coupons.Scope) (coupons.Quote, error) {
	q := f.quote
	q.Code = code
	q.FinalAmount = amount.Sub(q.Discount)
	return q, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func product(name, price string, stock int) *models.Product {
	return &models.Product{ID: uuid.New(), Name: name, Price: dec(price), Stock: stock, Status: models.ProductStatusActive}
}

func newReconciler(t *testing.T, store Store, quoter CouponQuoter) *Reconciler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewReconciler(store, quoter, node, nil)
}

var addr = models.Address{FullName: "Ada", Line1: "1 Main", City: "Dhaka", Country: "BD"}

func TestCreateFromCartSnapshotsPrices(t *testing.T) {
	mug := product("mug", "12.50", 5)
	pen := product("pen", "2", 10)
	store := newMemStore(mug, pen)
	user := uuid.New()
	store.carts[user] = []models.CartItem{{ProductID: mug.ID, Quantity: 2}, {ProductID: pen.ID, Quantity: 3}}

	o, err := newReconciler(t, store, nil).CreateFromCart(context.Background(), CreateInput{UserID: user, ShippingAddress: addr, BillingAddress: addr})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, o.Status)
	assert.False(t, o.StockCommitted)
	assert.True(t, dec("31").Equal(o.Subtotal))
	assert.True(t, dec("31").Equal(o.Total))
	assert.Len(t, o.Items, 2)
	assert.Contains(t, o.OrderNumber, "ORD-")
	assert.Equal(t, 5, store.products[mug.ID].Stock, "stock is untouched until payment")
	assert.Empty(t, store.carts[user])
}

func TestCreateFromCartRejectsBadLines(t *testing.T) {
	tests := []struct {
		name string
		prod *models.Product
		qty  int
	}{
		{"inactive", &models.Product{ID: uuid.New(), Name: "old", Price: dec("1"), Stock: 5, Status: models.ProductStatusInactive}, 1},
		{"under stocked", product("rare", "1", 1), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(tt.prod)
			user := uuid.New()
			store.carts[user] = []models.CartItem{{ProductID: tt.prod.ID, Quantity: tt.qty}}
			_, err := newReconciler(t, store, nil).CreateFromCart(context.Background(), CreateInput{UserID: user, ShippingAddress: addr})
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Len(t, store.carts[user], 1, "cart survives a rejected checkout")
			assert.Empty(t, store.orders)
		})
	}
}

func TestCreateFromCartEmpty(t *testing.T) {
	_, err := newReconciler(t, newMemStore(), nil).CreateFromCart(context.Background(), CreateInput{UserID: uuid.New()})
	require.ErrorIs(t, err, ErrEmptyCart)
}

func TestCreateFromCartAppliesCoupon(t *testing.T) {
	p := product("book", "100", 3)
	store := newMemStore(p)
	user := uuid.New()
	store.carts[user] = []models.CartItem{{ProductID: p.ID, Quantity: 1}}
	couponID := uuid.New()
	quoter := fixedQuoter{quote: coupons.Quote{Valid: true, CouponID: couponID, Discount: dec("15")}}

	o, err := newReconciler(t, store, quoter).CreateFromCart(context.Background(), CreateInput{UserID: user, ShippingAddress: addr, CouponCode: "SAVE15"})
	require.NoError(t, err)
	assert.True(t, dec("15").Equal(o.Discount))
	assert.True(t, dec("85").Equal(o.Total))
	assert.Equal(t, "SAVE15", o.CouponCode)

	stored, err := store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CouponID, "the coupon is kept so payment can record its use")
	assert.Equal(t, couponID, *stored.CouponID)
}

func TestCreateFromCartInvalidCoupon(t *testing.T) {
	p := product("book", "100", 3)
	store := newMemStore(p)
	user := uuid.New()
	store.carts[user] = []models.CartItem{{ProductID: p.ID, Quantity: 1}}
	quoter := fixedQuoter{quote: coupons.Quote{Valid: false, Reason: coupons.ReasonExpired}}

	_, err := newReconciler(t, store, quoter).CreateFromCart(context.Background(), CreateInput{UserID: user, ShippingAddress: addr, CouponCode: "OLD"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func pendingOrder(t *testing.T, store *memStore, r *Reconciler, p *models.Product, qty int) *models.Order {
	t.Helper()
	user := uuid.New()
	store.carts[user] = []models.CartItem{{ProductID: p.ID, Quantity: qty}}
	o, err := r.CreateFromCart(context.Background(), CreateInput{UserID: user, ShippingAddress: addr})
	require.NoError(t, err)
	return o
}

func TestConfirmPaymentCommitsStockOnce(t *testing.T) {
	p := product("lamp", "40", 3)
	store := newMemStore(p)
	r := newReconciler(t, store, nil)
	o := pendingOrder(t, store, r, p, 2)

	got, err := r.ConfirmPayment(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, got.Status)
	assert.Equal(t, 1, store.products[p.ID].Stock)

	_, err = r.ConfirmPayment(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.products[p.ID].Stock, "reconfirm must not take stock twice")
}

func TestConfirmPaymentLastUnitRace(t *testing.T) {
	p := product("last", "10", 1)
	store := newMemStore(p)
	r := newReconciler(t, store, nil)
	a := pendingOrder(t, store, r, p, 1)
	b := pendingOrder(t, store, r, p, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = r.ConfirmPayment(context.Background(), id)
		}(i, id)
	}
	wg.Wait()

	ok, exhausted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrStockExhausted):
			exhausted++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 0, store.products[p.ID].Stock)
}

func TestCancelRestoresCommittedStock(t *testing.T) {
	p := product("chair", "70", 4)
	store := newMemStore(p)
	r := newReconciler(t, store, nil)
	o := pendingOrder(t, store, r, p, 3)
	_, err := r.ConfirmPayment(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, 1, store.products[p.ID].Stock)

	got, err := r.UpdateStatus(context.Background(), o.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.False(t, got.StockCommitted)
	assert.Equal(t, 4, store.products[p.ID].Stock)
}

func TestCancelPendingLeavesStock(t *testing.T) {
	p := product("desk", "200", 2)
	store := newMemStore(p)
	r := newReconciler(t, store, nil)
	o := pendingOrder(t, store, r, p, 1)

	_, err := r.UpdateStatus(context.Background(), o.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 2, store.products[p.ID].Stock)
}

func TestUpdateStatusFollowsGraph(t *testing.T) {
	p := product("rug", "90", 2)
	store := newMemStore(p)
	r := newReconciler(t, store, nil)
	o := pendingOrder(t, store, r, p, 1)

	_, err := r.UpdateStatus(context.Background(), o.ID, models.OrderStatusShipped)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = r.UpdateStatus(context.Background(), o.ID, models.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, 1, store.products[p.ID].Stock)

	for _, s := range []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusShipped, models.OrderStatusDelivered, models.OrderStatusRefunded} {
		_, err = r.UpdateStatus(context.Background(), o.ID, s)
		require.NoError(t, err, s)
	}
	assert.Equal(t, 2, store.products[p.ID].Stock)

	_, err = r.UpdateStatus(context.Background(), uuid.New(), models.OrderStatusCancelled)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetScopesToOwner(t *testing.T) {
	p := product("cup", "5", 2)
	store := newMemStore(p)
	r := newReconciler(t, store, nil)
	o := pendingOrder(t, store, r, p, 1)

	_, err := r.Get(context.Background(), o.ID, models.Viewer{UserID: uuid.New(), Role: models.RoleStudent})
	require.ErrorIs(t, err, ErrNotFound)

	got, err := r.Get(context.Background(), o.ID, models.Viewer{UserID: o.UserID, Role: models.RoleStudent})
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = r.Get(context.Background(), o.ID, models.Viewer{UserID: uuid.New(), Role: models.RoleAdmin})
	require.NoError(t, err)
}
