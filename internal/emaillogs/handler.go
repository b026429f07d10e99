package emaillogs

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/response"
)

// Lister reads delivery attempts.
type Lister interface {
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.EmailLog, error)
}

// Resender queues the receipt of a settled payment again.
type Resender interface {
	ResendReceipt(ctx context.Context, paymentID uuid.UUID) error
}

// Handler handles admin email log endpoints.
type Handler struct {
	logs    Lister
	resends Resender
}

// NewHandler creates an email logs handler.
func NewHandler(logs Lister, resends Resender) *Handler {
	return &Handler{logs: logs, resends: resends}
}

// ListByPayment handles GET /admin/payments/:id/emails.
func (h *Handler) ListByPayment(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return
	}
	logs, err := h.logs.ListByPayment(c.Request.Context(), paymentID)
	if err != nil {
		response.Internal(c, "failed to load email logs")
		return
	}
	response.OK(c, logs)
}

// Resend handles POST /admin/payments/:id/emails/resend.
func (h *Handler) Resend(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return
	}
	if err := h.resends.ResendReceipt(c.Request.Context(), paymentID); err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, gin.H{"message": "receipt queued"})
}
