package commissions

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/middleware"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/response"
)

// Handler handles admin earnings endpoints for both payee kinds.
type Handler struct {
	engines map[models.PayeeKind]*Engine
	audit   *audit.Recorder
}

// NewHandler creates an earnings handler over the given engines.
func NewHandler(auditRec *audit.Recorder, engines ...*Engine) *Handler {
	m := make(map[models.PayeeKind]*Engine, len(engines))
	for _, e := range engines {
		m[e.Kind()] = e
	}
	return &Handler{engines: m, audit: auditRec}
}

func (h *Handler) engine(c *gin.Context) (*Engine, bool) {
	e, ok := h.engines[models.PayeeKind(c.Param("kind"))]
	if !ok {
		response.BadRequest(c, "kind must be instructor or affiliate")
		return nil, false
	}
	return e, true
}

// Summary handles GET /admin/earnings/:kind/:payeeId. Returns aggregates and earnings (?status=&limit=&offset=).
func (h *Handler) Summary(c *gin.Context) {
	e, ok := h.engine(c)
	if !ok {
		return
	}
	payeeID, err := uuid.Parse(c.Param("payeeId"))
	if err != nil {
		response.BadRequest(c, "invalid payee id")
		return
	}
	payee, err := e.Summary(c.Request.Context(), payeeID)
	if err != nil {
		response.Error(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	list, err := e.ListByPayee(c.Request.Context(), payeeID, c.Query("status"), limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"payee": payee, "earnings": list})
}

// PayoutRequest is the body for POST /admin/earnings/:kind/payouts.
type PayoutRequest struct {
	EarningIDs []uuid.UUID `json:"earning_ids" binding:"required,min=1"`
	Reference  string      `json:"reference"`
}

// MarkPaid handles POST /admin/earnings/:kind/payouts.
func (h *Handler) MarkPaid(c *gin.Context) {
	e, ok := h.engine(c)
	if !ok {
		return
	}
	var body PayoutRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "earning_ids required")
		return
	}
	adminID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	res, err := e.MarkPaid(c.Request.Context(), body.EarningIDs, PayoutMeta{PaidBy: adminID, Reference: body.Reference})
	if err != nil {
		response.Error(c, err)
		return
	}
	h.audit.Record(c.Request.Context(), audit.Entry(&adminID, audit.ActionPayoutMarked, audit.EntityEarning, body.Reference,
		map[string]any{"kind": e.Kind(), "count": res.Count, "total": res.TotalAmount.String(), "earning_ids": body.EarningIDs}))
	response.OK(c, res)
}

// CancelRequest is the body for POST /admin/earnings/:kind/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /admin/earnings/:kind/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	e, ok := h.engine(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperr.Validation("invalid earning id"))
		return
	}
	var body CancelRequest
	_ = c.ShouldBindJSON(&body)
	earn, err := e.Cancel(c.Request.Context(), id, body.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	var actor *uuid.UUID
	if adminID, ok := middleware.UserID(c); ok {
		actor = &adminID
	}
	h.audit.Record(c.Request.Context(), audit.Entry(actor, audit.ActionEarningCancelled, audit.EntityEarning, id.String(),
		map[string]any{"kind": e.Kind(), "reason": body.Reason, "amount": earn.Amount.String()}))
	response.OK(c, earn)
}
