package payments

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/internal/middleware"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/response"
)

// Handler handles payment HTTP endpoints.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a payment handler.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// InitiateRequest is the body for POST /payments.
type InitiateRequest struct {
	Amount     decimal.Decimal      `json:"amount"`
	Method     models.PaymentMethod `json:"method" binding:"required"`
	CourseID   *uuid.UUID           `json:"course_id"`
	OrderID    *uuid.UUID           `json:"order_id"`
	CouponCode string               `json:"coupon_code"`
}

// Initiate handles POST /payments.
func (h *Handler) Initiate(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var body InitiateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "amount and method required")
		return
	}
	res, err := h.orchestrator.Initiate(c.Request.Context(), InitiateInput{
		PayerID:    userID,
		PayerEmail: middleware.UserEmail(c),
		Amount:     body.Amount,
		Method:     body.Method,
		CourseID:   body.CourseID,
		OrderID:    body.OrderID,
		CouponCode: body.CouponCode,
		ClientIP:   c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, res)
}

// List handles GET /payments (?limit=&offset=).
func (h *Handler) List(c *gin.Context) {
	viewer, ok := middleware.Viewer(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	list, err := h.orchestrator.ListMine(c.Request.Context(), viewer, limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// Get handles GET /payments/:id.
func (h *Handler) Get(c *gin.Context) {
	viewer, id, ok := viewerAndID(c)
	if !ok {
		return
	}
	p, err := h.orchestrator.Get(c.Request.Context(), id, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, p)
}

// VerifyRequest is the optional body for POST /payments/:id/verify.
type VerifyRequest struct {
	Method models.PaymentMethod `json:"method"`
}

// Verify handles POST /payments/:id/verify. The payer asks the engine to
// settle the payment from the gateway's own state.
func (h *Handler) Verify(c *gin.Context) {
	viewer, id, ok := viewerAndID(c)
	if !ok {
		return
	}
	if _, err := h.orchestrator.Get(c.Request.Context(), id, viewer); err != nil {
		response.Error(c, err)
		return
	}
	var body VerifyRequest
	_ = c.ShouldBindJSON(&body)
	res, err := h.orchestrator.Verify(c.Request.Context(), VerifyInput{Reference: id.String(), Method: body.Method})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// RetryRequest is the optional body for POST /payments/:id/retry.
type RetryRequest struct {
	Method models.PaymentMethod `json:"method"`
}

// Retry handles POST /payments/:id/retry.
func (h *Handler) Retry(c *gin.Context) {
	viewer, id, ok := viewerAndID(c)
	if !ok {
		return
	}
	var body RetryRequest
	_ = c.ShouldBindJSON(&body)
	res, err := h.orchestrator.Retry(c.Request.Context(), id, body.Method, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// RefundRequest is the body for POST /admin/payments/:id/refund. Omit amount
// to refund everything remaining.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

// Refund handles POST /admin/payments/:id/refund.
func (h *Handler) Refund(c *gin.Context) {
	viewer, id, ok := viewerAndID(c)
	if !ok {
		return
	}
	var body RefundRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid refund body")
		return
	}
	p, err := h.orchestrator.Refund(c.Request.Context(), RefundInput{
		PaymentID: id,
		Amount:    body.Amount,
		Reason:    body.Reason,
		ActorID:   viewer.UserID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, p)
}

// ConfirmTransferRequest is the body for POST /admin/payments/:id/confirm-transfer.
type ConfirmTransferRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// ConfirmTransfer handles POST /admin/payments/:id/confirm-transfer.
func (h *Handler) ConfirmTransfer(c *gin.Context) {
	viewer, id, ok := viewerAndID(c)
	if !ok {
		return
	}
	var body ConfirmTransferRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "reference required")
		return
	}
	res, err := h.orchestrator.ConfirmManual(c.Request.Context(), id, viewer.UserID, body.Reference)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

func viewerAndID(c *gin.Context) (models.Viewer, uuid.UUID, bool) {
	viewer, ok := middleware.Viewer(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return models.Viewer{}, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return models.Viewer{}, uuid.Nil, false
	}
	return viewer, id, true
}
