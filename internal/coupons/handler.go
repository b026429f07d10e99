package coupons

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/internal/middleware"
	"github.com/aura-learn/backend/pkg/response"
)

// Handler handles coupon HTTP endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler creates a coupon handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// ValidateRequest is the body for POST /coupons/validate.
type ValidateRequest struct {
	Code       string          `json:"code" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	CourseIDs  []uuid.UUID     `json:"course_ids"`
	ProductIDs []uuid.UUID     `json:"product_ids"`
}

// Validate handles POST /coupons/validate. Prices the code without recording a use.
func (h *Handler) Validate(c *gin.Context) {
	var body ValidateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "code and amount required")
		return
	}
	payerID, _ := middleware.UserID(c)
	q, err := h.engine.Validate(c.Request.Context(), body.Code, payerID, body.Amount, Scope{
		CourseIDs:  body.CourseIDs,
		ProductIDs: body.ProductIDs,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, q)
}
