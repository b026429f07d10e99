package ledger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/middleware"
	"github.com/aura-learn/backend/pkg/response"
)

const dateLayout = "2006-01-02"

// Handler handles admin ledger endpoints.
type Handler struct {
	recorder *Recorder
	audit    *audit.Recorder
}

// NewHandler creates a ledger handler.
func NewHandler(recorder *Recorder, auditRec *audit.Recorder) *Handler {
	return &Handler{recorder: recorder, audit: auditRec}
}

// Balance handles GET /admin/ledger/balance.
func (h *Handler) Balance(c *gin.Context) {
	b, err := h.recorder.Balance(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, b)
}

// Statement handles GET /admin/ledger/statement?from=YYYY-MM-DD&to=YYYY-MM-DD. Both dates are inclusive.
func (h *Handler) Statement(c *gin.Context) {
	from, to, err := ParseRange(c.Query("from"), c.Query("to"), time.Now())
	if err != nil {
		response.Error(c, err)
		return
	}
	st, err := h.recorder.Statement(c.Request.Context(), from, to)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, st)
}

// ExportRequest is the body for POST /admin/ledger/statement/export.
type ExportRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Export handles POST /admin/ledger/statement/export. Uploads a CSV and returns a download link.
func (h *Handler) Export(c *gin.Context) {
	var body ExportRequest
	_ = c.ShouldBindJSON(&body)
	from, to, err := ParseRange(body.From, body.To, time.Now())
	if err != nil {
		response.Error(c, err)
		return
	}
	exp, err := h.recorder.ExportStatement(c.Request.Context(), from, to)
	if err != nil {
		response.Error(c, err)
		return
	}
	var actor *uuid.UUID
	if id, ok := middleware.UserID(c); ok {
		actor = &id
	}
	h.audit.Record(c.Request.Context(), audit.Entry(actor, audit.ActionLedgerExported, audit.EntityLedger, exp.Key,
		map[string]any{"from": from, "to": to, "rows": exp.Rows}))
	response.Created(c, exp)
}

// ParseRange turns inclusive YYYY-MM-DD dates into a half-open UTC range.
// Missing bounds default to the current month.
func ParseRange(fromStr, toStr string, now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	if fromStr != "" {
		t, err := time.Parse(dateLayout, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validation("from must be YYYY-MM-DD")
		}
		from = t
	}
	if toStr != "" {
		t, err := time.Parse(dateLayout, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validation("to must be YYYY-MM-DD")
		}
		to = t.AddDate(0, 0, 1)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, apperr.Validation("to must not be before from")
	}
	return from, to, nil
}
