// Package banktransfer is the offline rail: the payer transfers money to the
// platform account and an administrator confirms receipt.
package banktransfer

import (
	"context"

	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/gateway"
)

// Name is the adapter name persisted on payments.
const Name = "bank_transfer"

// Account is the destination shown to the payer.
type Account struct {
	BankName      string
	AccountName   string
	AccountNumber string
	RoutingNumber string
}

// ReceiptUploads issues upload URLs for transfer receipts.
type ReceiptUploads interface {
	UploadURL(ctx context.Context, reference string) (string, error)
}

// Adapter implements gateway.Adapter. Verification always requires a human.
type Adapter struct {
	account  Account
	receipts ReceiptUploads
	logger   *zap.Logger
}

// New creates the bank-transfer adapter. receipts may be nil.
func New(account Account, receipts ReceiptUploads, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{account: account, receipts: receipts, logger: logger}
}

// Name implements gateway.Adapter.
func (a *Adapter) Name() string { return Name }

// Initiate returns transfer instructions. The payment reference must be quoted
// on the transfer so finance can match it.
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.Instruction, error) {
	ins := &gateway.Instruction{
		Instructions: map[string]string{
			"bank_name":      a.account.BankName,
			"account_name":   a.account.AccountName,
			"account_number": a.account.AccountNumber,
			"routing_number": a.account.RoutingNumber,
			"reference":      req.Reference,
			"amount":         req.Amount.StringFixed(2),
			"currency":       req.Currency,
		},
	}
	if a.receipts != nil {
		url, err := a.receipts.UploadURL(ctx, req.Reference)
		if err != nil {
			a.logger.Warn("receipt upload url failed", zap.String("reference", req.Reference), zap.Error(err))
		} else {
			ins.Instructions["receipt_upload_url"] = url
		}
	}
	return ins, nil
}

// Verify never decides on its own.
func (a *Adapter) Verify(_ context.Context, req gateway.VerifyRequest) (*gateway.Verification, error) {
	return &gateway.Verification{
		Outcome: gateway.OutcomeManualReview,
		Reason:  "bank transfer awaiting manual confirmation",
		Raw:     map[string]any{"reference": req.Reference},
	}, nil
}
