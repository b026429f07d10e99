package orders

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-learn/backend/internal/middleware"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/response"
)

// Handler handles order HTTP endpoints.
type Handler struct {
	orders *Reconciler
}

// NewHandler creates an order handler.
func NewHandler(r *Reconciler) *Handler {
	return &Handler{orders: r}
}

// CreateRequest is the body for POST /orders.
type CreateRequest struct {
	ShippingAddress models.Address `json:"shipping_address" binding:"required"`
	BillingAddress  models.Address `json:"billing_address"`
	CouponCode      string         `json:"coupon_code"`
}

// Create handles POST /orders. Checks out the caller's cart.
func (h *Handler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var body CreateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "shipping_address required")
		return
	}
	billing := body.BillingAddress
	if billing == (models.Address{}) {
		billing = body.ShippingAddress
	}
	o, err := h.orders.CreateFromCart(c.Request.Context(), CreateInput{
		UserID:          userID,
		ShippingAddress: body.ShippingAddress,
		BillingAddress:  billing,
		CouponCode:      body.CouponCode,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, o)
}

// Get handles GET /orders/:id.
func (h *Handler) Get(c *gin.Context) {
	viewer, ok := middleware.Viewer(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid order id")
		return
	}
	o, err := h.orders.Get(c.Request.Context(), id, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, o)
}

// StatusRequest is the body for PATCH /admin/orders/:id/status.
type StatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// UpdateStatus handles PATCH /admin/orders/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid order id")
		return
	}
	var body StatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "status required")
		return
	}
	o, err := h.orders.UpdateStatus(c.Request.Context(), id, body.Status)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, o)
}
