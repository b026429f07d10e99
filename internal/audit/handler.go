package audit

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/response"
)

// Lister reads the audit trail of one entity.
type Lister interface {
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*models.AuditLog, error)
}

// Handler serves the reconciliation trail to admins.
type Handler struct {
	logs Lister
}

// NewHandler creates an audit handler.
func NewHandler(logs Lister) *Handler {
	return &Handler{logs: logs}
}

// ListByPayment handles GET /admin/payments/:id/audit (?flagged=true).
func (h *Handler) ListByPayment(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return
	}
	rows, err := h.logs.ListByEntity(c.Request.Context(), EntityPayment, paymentID.String())
	if err != nil {
		response.Internal(c, "failed to load audit trail")
		return
	}
	if c.Query("flagged") == "true" {
		flagged := rows[:0]
		for _, r := range rows {
			if r.Flagged {
				flagged = append(flagged, r)
			}
		}
		rows = flagged
	}
	if rows == nil {
		rows = []*models.AuditLog{}
	}
	response.OK(c, rows)
}
