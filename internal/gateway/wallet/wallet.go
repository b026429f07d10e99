// Package wallet is the redirect-style mobile wallet adapter (tokenized
// checkout: grant token, create payment, execute after the payer returns).
package wallet

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/gateway"
)

// Name is the adapter name persisted on payments.
const Name = "wallet"

const (
	statusOK          = "0000"
	tokenSafetyMargin = 60 * time.Second
)

// Wallet transaction states.
const (
	txnCompleted = "Completed"
	txnCancelled = "Cancelled"
	txnFailed    = "Failed"
	txnExpired   = "Expired"
)

// Config for the adapter.
type Config struct {
	BaseURL     string
	AppKey      string
	AppSecret   string
	Username    string
	Password    string
	CallbackURL string
	Timeout     time.Duration
}

// Adapter implements gateway.Adapter for the wallet rail.
type Adapter struct {
	cfg    Config
	client *gateway.HTTPClient
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a wallet adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, client: gateway.NewHTTPClient(cfg.BaseURL, cfg.Timeout), logger: logger, now: time.Now}
}

// Name implements gateway.Adapter.
func (a *Adapter) Name() string { return Name }

type tokenResponse struct {
	IDToken       string `json:"id_token"`
	ExpiresIn     int    `json:"expires_in"`
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

// grantToken returns a cached id token, refreshing it shortly before expiry.
func (a *Adapter) grantToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && a.now().Before(a.tokenExpiry) {
		return a.token, nil
	}
	h := http.Header{}
	h.Set("username", a.cfg.Username)
	h.Set("password", a.cfg.Password)
	var tr tokenResponse
	if err := a.client.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/tokenized/checkout/token/grant",
		Header: h,
		JSON:   map[string]string{"app_key": a.cfg.AppKey, "app_secret": a.cfg.AppSecret},
	}, &tr); err != nil {
		return "", fmt.Errorf("grant token: %w", err)
	}
	if tr.IDToken == "" {
		return "", fmt.Errorf("grant token: %s %s", tr.StatusCode, tr.StatusMessage)
	}
	ttl := time.Duration(tr.ExpiresIn)*time.Second - tokenSafetyMargin
	if ttl <= 0 {
		ttl = time.Minute
	}
	a.token = tr.IDToken
	a.tokenExpiry = a.now().Add(ttl)
	return a.token, nil
}

func (a *Adapter) call(ctx context.Context, path string, body any, out any) error {
	token, err := a.grantToken(ctx)
	if err != nil {
		return err
	}
	h := http.Header{}
	h.Set("Authorization", token)
	h.Set("X-APP-Key", a.cfg.AppKey)
	return a.client.Do(ctx, gateway.Request{Method: http.MethodPost, Path: path, Header: h, JSON: body}, out)
}

type createResponse struct {
	PaymentID     string `json:"paymentID"`
	RedirectURL   string `json:"bkashURL"`
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

type txnResponse struct {
	PaymentID         string `json:"paymentID"`
	TrxID             string `json:"trxID"`
	TransactionStatus string `json:"transactionStatus"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	StatusCode        string `json:"statusCode"`
	StatusMessage     string `json:"statusMessage"`
}

// Initiate creates a wallet payment and returns the wallet's hosted page.
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.Instruction, error) {
	var cr createResponse
	err := a.call(ctx, "/tokenized/checkout/create", map[string]string{
		"mode":                  "0011",
		"payerReference":        req.Customer.ID.String(),
		"callbackURL":           a.cfg.CallbackURL,
		"amount":                req.Amount.StringFixed(2),
		"currency":              req.Currency,
		"intent":                "sale",
		"merchantInvoiceNumber": req.Reference,
	}, &cr)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	if cr.StatusCode != statusOK || cr.PaymentID == "" {
		return nil, fmt.Errorf("create payment: %s %s", cr.StatusCode, cr.StatusMessage)
	}
	return &gateway.Instruction{
		RedirectURL: cr.RedirectURL,
		ExternalID:  cr.PaymentID,
		Payload:     map[string]any{"payment_id": cr.PaymentID},
	}, nil
}

// Verify executes the payment the payer approved, falling back to a status
// query when it was already executed. A redirect reporting cancel or failure
// is only believed once the status query agrees.
func (a *Adapter) Verify(ctx context.Context, req gateway.VerifyRequest) (*gateway.Verification, error) {
	paymentID := req.ExternalID
	if paymentID == "" {
		paymentID = req.Callback.Param("paymentID")
	}
	if paymentID == "" {
		return nil, fmt.Errorf("wallet verify: missing payment id for %s", req.Reference)
	}
	if st := req.Callback.Param("status"); st != "" && st != "success" {
		a.logger.Info("wallet redirect reported no success, querying status",
			zap.String("payment_id", paymentID), zap.String("status", st))
		return a.query(ctx, paymentID)
	}

	var tr txnResponse
	if err := a.call(ctx, "/tokenized/checkout/execute", map[string]string{"paymentID": paymentID}, &tr); err != nil {
		return nil, fmt.Errorf("execute payment: %w", err)
	}
	if tr.StatusCode != statusOK {
		a.logger.Info("wallet execute rejected, querying status",
			zap.String("payment_id", paymentID), zap.String("status_code", tr.StatusCode))
		return a.query(ctx, paymentID)
	}
	return toVerification(paymentID, tr)
}

func (a *Adapter) query(ctx context.Context, paymentID string) (*gateway.Verification, error) {
	var tr txnResponse
	if err := a.call(ctx, "/tokenized/checkout/payment/status", map[string]string{"paymentID": paymentID}, &tr); err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return toVerification(paymentID, tr)
}

func toVerification(paymentID string, tr txnResponse) (*gateway.Verification, error) {
	v := &gateway.Verification{
		ExternalTxnID: tr.TrxID,
		Raw: map[string]any{
			"payment_id":         paymentID,
			"trx_id":             tr.TrxID,
			"transaction_status": tr.TransactionStatus,
			"status_code":        tr.StatusCode,
			"status_message":     tr.StatusMessage,
		},
	}
	switch tr.TransactionStatus {
	case txnCompleted:
		amount, err := parseAmount(tr.Amount)
		if err != nil {
			return nil, err
		}
		v.Outcome = gateway.OutcomeSuccess
		v.Amount = amount
	case txnCancelled, txnFailed, txnExpired:
		v.Outcome = gateway.OutcomeFailed
		v.Reason = tr.StatusMessage
		if v.Reason == "" {
			v.Reason = "transaction " + tr.TransactionStatus
		}
	default:
		v.Outcome = gateway.OutcomePending
		v.Reason = "transaction " + tr.TransactionStatus
	}
	return v, nil
}

// ParseCallback reads the redirect parameters the wallet appends to the callback URL.
func (a *Adapter) ParseCallback(cb gateway.Callback) (gateway.CallbackRef, error) {
	id := cb.Param("paymentID")
	if id == "" {
		return gateway.CallbackRef{}, gateway.ErrBadCallback
	}
	return gateway.CallbackRef{ExternalID: id, Event: cb.Param("status")}, nil
}
