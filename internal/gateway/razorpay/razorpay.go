// Package razorpay is the Razorpay Orders card adapter.
package razorpay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/gateway"
)

// Name is the adapter name persisted on payments.
const Name = "razorpay"

// Config for the adapter.
type Config struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// Adapter creates orders and reads their payments.
type Adapter struct {
	cfg    Config
	client *gateway.HTTPClient
	logger *zap.Logger
}

// New creates a Razorpay adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.razorpay.com"
	}
	return &Adapter{cfg: cfg, client: gateway.NewHTTPClient(cfg.BaseURL, cfg.Timeout), logger: logger}
}

// Name implements gateway.Adapter.
func (a *Adapter) Name() string { return Name }

func (a *Adapter) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(a.cfg.KeyID+":"+a.cfg.KeySecret)))
	return h
}

type orderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type order struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type payment struct {
	ID               string            `json:"id"`
	OrderID          string            `json:"order_id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	ErrorDescription string            `json:"error_description"`
	Notes            map[string]string `json:"notes"`
}

// Initiate creates a Razorpay order. The client completes checkout with the
// returned order id and key id.
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.Instruction, error) {
	var o order
	if err := a.client.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/v1/orders",
		Header: a.authHeader(),
		JSON: orderRequest{
			Amount:   gateway.ToMinor(req.Amount),
			Currency: strings.ToUpper(req.Currency),
			Receipt:  req.Reference,
			Notes:    map[string]string{"reference": req.Reference},
		},
	}, &o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	a.logger.Debug("razorpay order created", zap.String("reference", req.Reference), zap.String("order_id", o.ID))
	return &gateway.Instruction{
		ExternalID: o.ID,
		Payload: map[string]any{
			"order_id": o.ID,
			"key_id":   a.cfg.KeyID,
			"amount":   o.Amount,
			"currency": o.Currency,
		},
	}, nil
}

// Verify lists the order's payments. Any captured payment is a success; the
// order has failed only when every attempt on it failed. No attempts yet, or
// an attempt still created or authorized, leaves the outcome pending.
func (a *Adapter) Verify(ctx context.Context, req gateway.VerifyRequest) (*gateway.Verification, error) {
	if req.ExternalID == "" {
		return nil, fmt.Errorf("razorpay verify: missing order id for %s", req.Reference)
	}
	var list struct {
		Items []payment `json:"items"`
	}
	if err := a.client.Do(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   "/v1/orders/" + url.PathEscape(req.ExternalID) + "/payments",
		Header: a.authHeader(),
	}, &list); err != nil {
		return nil, fmt.Errorf("fetch order payments: %w", err)
	}
	v := &gateway.Verification{
		Outcome: gateway.OutcomePending,
		Reason:  "no payment attempts yet",
		Raw:     map[string]any{"order_id": req.ExternalID, "attempts": len(list.Items)},
	}
	failed := 0
	var failure, interim string
	for _, p := range list.Items {
		switch p.Status {
		case "captured":
			v.Outcome = gateway.OutcomeSuccess
			v.Reason = ""
			v.Amount = gateway.FromMinor(p.Amount)
			v.ExternalTxnID = p.ID
			v.Raw["payment_id"] = p.ID
			return v, nil
		case "failed":
			failed++
			failure = p.ErrorDescription
		default:
			interim = p.Status
		}
	}
	switch {
	case interim != "":
		v.Reason = "payment " + interim
	case failed > 0 && failed == len(list.Items):
		v.Outcome = gateway.OutcomeFailed
		v.Reason = failure
		if v.Reason == "" {
			v.Reason = "payment failed"
		}
	}
	return v, nil
}

// VerifyCallbackSignature checks X-Razorpay-Signature, the hex HMAC of the raw body.
func (a *Adapter) VerifyCallbackSignature(cb gateway.Callback) bool {
	return gateway.ValidHMAC(a.cfg.WebhookSecret, cb.Body, cb.Header("X-Razorpay-Signature"))
}

type webhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity payment `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID      string `json:"id"`
				Receipt string `json:"receipt"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// ParseCallback reads payment.* and order.paid events.
func (a *Adapter) ParseCallback(cb gateway.Callback) (gateway.CallbackRef, error) {
	var w webhook
	if err := json.Unmarshal(cb.Body, &w); err != nil {
		return gateway.CallbackRef{}, fmt.Errorf("%w: %v", gateway.ErrBadCallback, err)
	}
	p := w.Payload.Payment.Entity
	ref := gateway.CallbackRef{Event: w.Event, ExternalID: p.OrderID, Reference: p.Notes["reference"]}
	if ref.ExternalID == "" {
		ref.ExternalID = w.Payload.Order.Entity.ID
	}
	if ref.Reference == "" {
		ref.Reference = w.Payload.Order.Entity.Receipt
	}
	if ref.ExternalID == "" && ref.Reference == "" {
		return gateway.CallbackRef{}, gateway.ErrBadCallback
	}
	return ref, nil
}
