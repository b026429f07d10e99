package stripe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/backend/internal/gateway"
)

func TestInitiateCreatesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "95000", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "bdt", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "TXN-1", r.PostForm.Get("client_reference_id"))
		fmt.Fprint(w, `{"id":"cs_123","url":"https://checkout.stripe.test/cs_123"}`)
	}))
	defer srv.Close()

	a := New(Config{SecretKey: "sk_test", BaseURL: srv.URL}, nil)
	ins, err := a.Initiate(context.Background(), gateway.InitiateRequest{
		Reference: "TXN-1",
		Amount:    decimal.RequireFromString("950"),
		Currency:  "BDT",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_123", ins.ExternalID)
	assert.Equal(t, "https://checkout.stripe.test/cs_123", ins.RedirectURL)
}

func TestVerifyMapsPaymentStatus(t *testing.T) {
	sessionStatus, paymentStatus := "complete", "paid"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions/cs_123", r.URL.Path)
		fmt.Fprintf(w, `{"id":"cs_123","status":%q,"payment_status":%q,"amount_total":95000,"payment_intent":"pi_9"}`, sessionStatus, paymentStatus)
	}))
	defer srv.Close()
	a := New(Config{SecretKey: "sk", BaseURL: srv.URL}, nil)
	verify := func() *gateway.Verification {
		v, err := a.Verify(context.Background(), gateway.VerifyRequest{Reference: "TXN-1", ExternalID: "cs_123"})
		require.NoError(t, err)
		return v
	}

	v := verify()
	assert.Equal(t, gateway.OutcomeSuccess, v.Outcome)
	assert.True(t, v.Amount.Equal(decimal.NewFromInt(950)))
	assert.Equal(t, "pi_9", v.ExternalTxnID)

	tests := []struct {
		session, payment string
		want             gateway.Outcome
	}{
		{"complete", "unpaid", gateway.OutcomePending},
		{"open", "unpaid", gateway.OutcomePending},
		{"expired", "unpaid", gateway.OutcomeFailed},
	}
	for _, tt := range tests {
		sessionStatus, paymentStatus = tt.session, tt.payment
		assert.Equal(t, tt.want, verify().Outcome, "%s/%s", tt.session, tt.payment)
	}
}

func TestVerifyGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()
	_, err := New(Config{BaseURL: srv.URL}, nil).Verify(context.Background(), gateway.VerifyRequest{ExternalID: "cs"})
	var se *gateway.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestTimeoutSurfacesAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	a := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	_, err := a.Initiate(context.Background(), gateway.InitiateRequest{Reference: "TXN", Amount: decimal.NewFromInt(1), Currency: "usd"})
	require.Error(t, err)
}

func signedHeader(secret string, ts int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, gateway.SignHMAC(secret, append([]byte(fmt.Sprintf("%d.", ts)), body...)))
}

func TestVerifyCallbackSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := New(Config{WebhookSecret: "whsec"}, nil)
	a.now = func() time.Time { return now }
	body := []byte(`{"type":"checkout.session.completed"}`)

	good := http.Header{}
	good.Set("Stripe-Signature", signedHeader("whsec", now.Unix(), body))
	assert.True(t, a.VerifyCallbackSignature(gateway.Callback{Headers: good, Body: body}))

	tampered := gateway.Callback{Headers: good, Body: []byte(`{"type":"other"}`)}
	assert.False(t, a.VerifyCallbackSignature(tampered))

	stale := http.Header{}
	stale.Set("Stripe-Signature", signedHeader("whsec", now.Add(-10*time.Minute).Unix(), body))
	assert.False(t, a.VerifyCallbackSignature(gateway.Callback{Headers: stale, Body: body}))

	assert.False(t, a.VerifyCallbackSignature(gateway.Callback{Body: body}))
}

func TestParseCallback(t *testing.T) {
	a := New(Config{}, nil)
	ref, err := a.ParseCallback(gateway.Callback{Body: []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","client_reference_id":"TXN-7"}}}`)})
	require.NoError(t, err)
	assert.Equal(t, "TXN-7", ref.Reference)
	assert.Equal(t, "cs_1", ref.ExternalID)
	assert.Equal(t, "checkout.session.completed", ref.Event)

	_, err = a.ParseCallback(gateway.Callback{Body: []byte(`nope`)})
	require.ErrorIs(t, err, gateway.ErrBadCallback)
}
