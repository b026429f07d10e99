package banktransfer

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/backend/internal/gateway"
)

type stubReceipts struct {
	url string
	err error
}

func (s stubReceipts) UploadURL(context.Context, string) (string, error) { return s.url, s.err }

func TestInitiateInstructions(t *testing.T) {
	a := New(Account{BankName: "City Bank", AccountNumber: "0012"}, stubReceipts{url: "https://s3/upload"}, nil)
	ins, err := a.Initiate(context.Background(), gateway.InitiateRequest{Reference: "TXN-5", Amount: decimal.NewFromInt(800), Currency: "BDT"})
	require.NoError(t, err)
	assert.Empty(t, ins.RedirectURL)
	assert.Equal(t, "TXN-5", ins.Instructions["reference"])
	assert.Equal(t, "800.00", ins.Instructions["amount"])
	assert.Equal(t, "https://s3/upload", ins.Instructions["receipt_upload_url"])
}

func TestInitiateWithoutReceiptURL(t *testing.T) {
	a := New(Account{}, stubReceipts{err: errors.New("no creds")}, nil)
	ins, err := a.Initiate(context.Background(), gateway.InitiateRequest{Reference: "TXN-6", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, ok := ins.Instructions["receipt_upload_url"]
	assert.False(t, ok)
}

func TestVerifyRequiresManualReview(t *testing.T) {
	v, err := New(Account{}, nil, nil).Verify(context.Background(), gateway.VerifyRequest{Reference: "TXN-5"})
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeManualReview, v.Outcome)
}
