// Package stripe is the Stripe Checkout card adapter.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/gateway"
)

// Name is the adapter name persisted on payments.
const Name = "stripe"

// signatureTolerance bounds the age of a Stripe-Signature timestamp.
const signatureTolerance = 5 * time.Minute

// Config for the adapter.
type Config struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// Adapter talks to the Checkout Sessions API.
type Adapter struct {
	cfg    Config
	client *gateway.HTTPClient
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Stripe adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	return &Adapter{
		cfg:    cfg,
		client: gateway.NewHTTPClient(cfg.BaseURL, cfg.Timeout),
		logger: logger,
		now:    time.Now,
	}
}

// Name implements gateway.Adapter.
func (a *Adapter) Name() string { return Name }

type session struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	PaymentIntent     string            `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func (a *Adapter) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	return h
}

// Initiate creates a Checkout Session and returns its hosted URL.
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.Instruction, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("client_reference_id", req.Reference)
	form.Set("metadata[reference]", req.Reference)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(gateway.ToMinor(req.Amount), 10))
	desc := req.Description
	if desc == "" {
		desc = "Payment " + req.Reference
	}
	form.Set("line_items[0][price_data][product_data][name]", desc)
	if req.Customer.Email != "" {
		form.Set("customer_email", req.Customer.Email)
	}

	var s session
	if err := a.client.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/v1/checkout/sessions",
		Header: a.authHeader(),
		Form:   form.Encode(),
	}, &s); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	a.logger.Debug("stripe session created", zap.String("reference", req.Reference), zap.String("session_id", s.ID))
	return &gateway.Instruction{
		RedirectURL: s.URL,
		ExternalID:  s.ID,
		Payload:     map[string]any{"session_id": s.ID},
	}, nil
}

// Verify retrieves the session and maps its payment status. Only an expired
// session is final without payment.
func (a *Adapter) Verify(ctx context.Context, req gateway.VerifyRequest) (*gateway.Verification, error) {
	if req.ExternalID == "" {
		return nil, fmt.Errorf("stripe verify: missing session id for %s", req.Reference)
	}
	var s session
	if err := a.client.Do(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   "/v1/checkout/sessions/" + url.PathEscape(req.ExternalID),
		Header: a.authHeader(),
	}, &s); err != nil {
		return nil, fmt.Errorf("retrieve checkout session: %w", err)
	}
	v := &gateway.Verification{
		Amount:        gateway.FromMinor(s.AmountTotal),
		ExternalTxnID: s.PaymentIntent,
		Raw: map[string]any{
			"session_id":     s.ID,
			"status":         s.Status,
			"payment_status": s.PaymentStatus,
			"amount_total":   s.AmountTotal,
			"currency":       s.Currency,
		},
	}
	switch {
	case s.PaymentStatus == "paid":
		v.Outcome = gateway.OutcomeSuccess
	case s.Status == "expired":
		v.Outcome = gateway.OutcomeFailed
		v.Reason = "checkout session expired"
	default:
		// open, or complete while an async method settles
		v.Outcome = gateway.OutcomePending
		v.Reason = "checkout session " + s.Status + ", payment " + s.PaymentStatus
	}
	return v, nil
}

// VerifyCallbackSignature checks the Stripe-Signature header: an HMAC of
// "<t>.<body>" under the webhook secret, with a bounded timestamp age.
func (a *Adapter) VerifyCallbackSignature(cb gateway.Callback) bool {
	header := cb.Header("Stripe-Signature")
	if header == "" || a.cfg.WebhookSecret == "" {
		return false
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := a.now().Sub(time.Unix(sec, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return false
	}
	signed := append([]byte(ts+"."), cb.Body...)
	for _, s := range sigs {
		if gateway.ValidHMAC(a.cfg.WebhookSecret, signed, s) {
			return true
		}
	}
	return false
}

type event struct {
	Type string `json:"type"`
	Data struct {
		Object session `json:"object"`
	} `json:"data"`
}

// ParseCallback reads a checkout.session.* event.
func (a *Adapter) ParseCallback(cb gateway.Callback) (gateway.CallbackRef, error) {
	var ev event
	if err := json.Unmarshal(cb.Body, &ev); err != nil {
		return gateway.CallbackRef{}, fmt.Errorf("%w: %v", gateway.ErrBadCallback, err)
	}
	obj := ev.Data.Object
	ref := obj.ClientReferenceID
	if ref == "" {
		ref = obj.Metadata["reference"]
	}
	if obj.ID == "" && ref == "" {
		return gateway.CallbackRef{}, gateway.ErrBadCallback
	}
	return gateway.CallbackRef{Reference: ref, ExternalID: obj.ID, Event: ev.Type}, nil
}
