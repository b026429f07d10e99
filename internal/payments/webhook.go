package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/apperr"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/gateway"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/response"
)

// maxWebhookBody caps a webhook payload.
const maxWebhookBody = 1 << 20

// signatureHeaders are checked in order when logging a delivery.
var signatureHeaders = []string{"Stripe-Signature", "X-Razorpay-Signature", "X-Signature"}

// WebhookHandler receives gateway deliveries in their native shape and maps
// them onto Verify. Every delivery is logged to gateway_events.
type WebhookHandler struct {
	orchestrator *Orchestrator
	logger       *zap.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(o *Orchestrator, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{orchestrator: o, logger: logger}
}

// Handle returns the handler for /webhooks/<gateway>. Server-to-server POSTs
// get a JSON answer; a GET is a payer's browser returning and is redirected.
func (h *WebhookHandler) Handle(gatewayName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			response.BadRequest(c, "unreadable body")
			return
		}
		params := map[string]string{}
		for k, v := range c.Request.URL.Query() {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		cb := gateway.Callback{Headers: c.Request.Header.Clone(), Params: params, Body: body}

		ev := &models.GatewayEvent{
			ID:         uuid.New(),
			Gateway:    gatewayName,
			Headers:    flatten(c.Request.Header),
			Payload:    body,
			Signature:  signature(c.Request.Header),
			Status:     models.GatewayEventReceived,
			ReceivedAt: h.orchestrator.now(),
		}
		if err := h.orchestrator.Store.LogEvent(ctx, ev); err != nil {
			h.logger.Error("log gateway event failed", zap.String("gateway", gatewayName), zap.Error(err))
		}

		res, err := h.process(ctx, gatewayName, ev, cb)
		if err != nil {
			status := models.GatewayEventFailed
			if errors.Is(err, ErrInvalidSignature) {
				status = models.GatewayEventRejected
			}
			h.finish(ctx, ev, status, nil, err.Error())
			if c.Request.Method == http.MethodGet {
				h.redirect(c, nil)
				return
			}
			response.Error(c, err)
			return
		}
		h.finish(ctx, ev, models.GatewayEventProcessed, &res.Payment.ID, "")
		if c.Request.Method == http.MethodGet {
			h.redirect(c, res.Payment)
			return
		}
		response.OK(c, gin.H{"payment_id": res.Payment.ID, "status": res.Payment.Status, "outcome": res.Outcome})
	}
}

// redirect sends a payer returning from a redirect gateway back to the
// client app. Failed or unknown payments go to the cancel page.
func (h *WebhookHandler) redirect(c *gin.Context, p *models.Payment) {
	target := h.orchestrator.opts.CancelURL
	q := url.Values{}
	if p != nil {
		q.Set("payment_id", p.ID.String())
		q.Set("status", string(p.Status))
		if p.Status != models.PaymentStatusFailed {
			target = h.orchestrator.opts.SuccessURL
		}
	}
	if target == "" {
		response.OK(c, gin.H{"payment_id": q.Get("payment_id"), "status": q.Get("status")})
		return
	}
	if enc := q.Encode(); enc != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + enc
	}
	c.Redirect(http.StatusFound, target)
}

func (h *WebhookHandler) process(ctx context.Context, gatewayName string, ev *models.GatewayEvent, cb gateway.Callback) (*VerifyResult, error) {
	adapter, err := h.orchestrator.Gateways.ByName(gatewayName)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "unknown gateway", err)
	}
	if v, ok := adapter.(gateway.CallbackVerifier); ok && !v.VerifyCallbackSignature(cb) {
		entry := audit.Entry(nil, audit.ActionSignatureRejected, audit.EntityPayment, "",
			map[string]any{"gateway": gatewayName, "event_id": ev.ID.String()})
		entry.Flagged = true
		h.orchestrator.Audit.Record(ctx, entry)
		h.logger.Warn("webhook signature rejected", zap.String("gateway", gatewayName), zap.String("event_id", ev.ID.String()))
		return nil, ErrInvalidSignature
	}
	parser, ok := adapter.(gateway.CallbackParser)
	if !ok {
		return nil, apperr.Validation("gateway does not accept webhooks")
	}
	ref, err := parser.ParseCallback(cb)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "unrecognised webhook payload", err)
	}
	ev.ExternalRef = ref.ExternalID
	h.logger.Info("webhook received",
		zap.String("gateway", gatewayName),
		zap.String("event", ref.Event),
		zap.String("reference", ref.Reference),
		zap.String("external_id", ref.ExternalID),
	)
	return h.orchestrator.Verify(ctx, VerifyInput{Reference: ref.Reference, ExternalID: ref.ExternalID, Callback: &cb})
}

func (h *WebhookHandler) finish(ctx context.Context, ev *models.GatewayEvent, status string, paymentID *uuid.UUID, errMsg string) {
	now := h.orchestrator.now()
	ev.Status = status
	ev.PaymentID = paymentID
	ev.Error = errMsg
	ev.ProcessedAt = &now
	if err := h.orchestrator.Store.FinishEvent(ctx, ev); err != nil {
		h.logger.Error("update gateway event failed", zap.String("event_id", ev.ID.String()), zap.Error(err))
	}
}

func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if k == "Authorization" || k == "Cookie" || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	return out
}

func signature(h http.Header) string {
	for _, k := range signatureHeaders {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}
