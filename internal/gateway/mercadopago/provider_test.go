package mercadopago

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tienda-labs/pasarela/internal/payment"
)

// fakeGateway simulates the payments API endpoints the provider touches.
type fakeGateway struct {
	payments    map[string]PaymentResource
	lastRefund  map[string]any
	refundCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: map[string]PaymentResource{}}
}

func (f *fakeGateway) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/payments", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Idempotency-Key"))
		var req CreatePaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		res := PaymentResource{
			ID:                int64(len(f.payments) + 1),
			Status:            "approved",
			StatusDetail:      "accredited",
			ExternalReference: req.ExternalReference,
			TransactionAmount: req.TransactionAmount,
		}
		if req.Token == "tok_declined" {
			res.Status = "rejected"
			res.StatusDetail = "cc_rejected_insufficient_amount"
		}
		f.payments[fmt.Sprint(res.ID)] = res
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc("GET /v1/payments/search", func(w http.ResponseWriter, r *http.Request) {
		ref := r.URL.Query().Get("external_reference")
		var out searchResponse
		for _, p := range f.payments {
			if p.ExternalReference == ref {
				out.Results = append(out.Results, p)
			}
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /v1/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, ok := f.payments[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"message": "payment not found"})
			return
		}
		json.NewEncoder(w).Encode(p)
	})
	mux.HandleFunc("PUT /v1/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, ok := f.payments[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		p.Status = "cancelled"
		f.payments[r.PathValue("id")] = p
		json.NewEncoder(w).Encode(p)
	})
	mux.HandleFunc("POST /v1/payments/{id}/refunds", func(w http.ResponseWriter, r *http.Request) {
		f.refundCalls++
		f.lastRefund = nil
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastRefund))
		p := f.payments[r.PathValue("id")]
		amount := p.TransactionAmount
		if v, ok := f.lastRefund["amount"].(float64); ok {
			amount = v
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(RefundResource{ID: 700, PaymentID: p.ID, Amount: amount, Status: "approved"})
	})
	return mux
}

func testProvider(t *testing.T) (*Provider, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	srv := httptest.NewServer(gw.handler(t))
	t.Cleanup(srv.Close)
	p, err := New(Config{
		AccessToken:   "TEST-token",
		WebhookSecret: webhookTestSecret,
		BaseURL:       srv.URL,
	}, zerolog.Nop())
	require.NoError(t, err)
	return p, gw
}

func TestNewRequiresAccessToken(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	require.Error(t, err)
}

func TestInitiate(t *testing.T) {
	p, _ := testProvider(t)
	res, err := p.Initiate(context.Background(), payment.InitiateRequest{SessionID: "sess_1", Amount: 2599})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, res.Status)
	assert.Equal(t, "sess_1", res.Data[keySessionID])
	assert.Equal(t, "2599", res.Data[keyAmount])

	_, err = p.Initiate(context.Background(), payment.InitiateRequest{SessionID: "sess_1"})
	assert.ErrorIs(t, err, payment.ErrValidation)
	_, err = p.Initiate(context.Background(), payment.InitiateRequest{Amount: 100})
	assert.ErrorIs(t, err, payment.ErrValidation)
}

func TestCreateCardPayment(t *testing.T) {
	p, _ := testProvider(t)
	ctx := context.Background()

	t.Run("approved charge", func(t *testing.T) {
		res, err := p.CreateCardPayment(ctx, "sess_1", payment.CardPaymentInput{
			Token:  "tok_ok",
			Amount: 2599,
		})
		require.NoError(t, err)
		assert.Equal(t, payment.StatusCaptured, res.Status)
		assert.Equal(t, "sess_1", res.Data[keySessionID])
		assert.Equal(t, "sess_1", res.Data[keyExternalReference])
		assert.Equal(t, "2599", res.Data[keyTransactionAmount])
	})

	t.Run("declined charge maps the reason", func(t *testing.T) {
		res, err := p.CreateCardPayment(ctx, "sess_2", payment.CardPaymentInput{
			Token:  "tok_declined",
			Amount: 2599,
		})
		require.NoError(t, err)
		assert.Equal(t, payment.StatusError, res.Status)
		assert.Equal(t, string(payment.DeclineInsufficientFunds), res.Data[keyDeclineReason])
		assert.Equal(t, payment.DeclineInsufficientFunds.Message(), res.Data[keyDeclineMessage])
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := p.CreateCardPayment(ctx, "sess_3", payment.CardPaymentInput{Amount: 2599})
		assert.ErrorIs(t, err, payment.ErrValidation)
	})
}

func TestStatusMapping(t *testing.T) {
	p, _ := testProvider(t)
	cases := []struct {
		name string
		data payment.Data
		want payment.Status
	}{
		{"no gateway contact", payment.Data{}, payment.StatusPending},
		{"approved", payment.Data{keyStatus: "approved"}, payment.StatusCaptured},
		{"in mediation stays captured", payment.Data{keyStatus: "in_mediation"}, payment.StatusCaptured},
		{"authorized", payment.Data{keyStatus: "authorized"}, payment.StatusAuthorized},
		{"authorized with local capture", payment.Data{keyStatus: "authorized", payment.CapturedAtKey: "2026-08-28T10:00:00Z"}, payment.StatusCaptured},
		{"cancelled", payment.Data{keyStatus: "cancelled"}, payment.StatusCanceled},
		{"refunded end state", payment.Data{keyStatus: "refunded"}, payment.StatusCanceled},
		{"rejected", payment.Data{keyStatus: "rejected"}, payment.StatusError},
		{"unknown", payment.Data{keyStatus: "something_new"}, payment.StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.Status(tc.data))
		})
	}
}

func TestAuthorize(t *testing.T) {
	p, gw := testProvider(t)
	ctx := context.Background()

	t.Run("no charge yet stays pending", func(t *testing.T) {
		res, err := p.Authorize(ctx, payment.Data{keySessionID: "sess_missing"})
		require.NoError(t, err)
		assert.Equal(t, payment.StatusPending, res.Status)
	})

	t.Run("merges the gateway record", func(t *testing.T) {
		gw.payments["10"] = PaymentResource{
			ID: 10, Status: "approved", ExternalReference: "sess_10", TransactionAmount: 25.99,
		}
		res, err := p.Authorize(ctx, payment.Data{keySessionID: "sess_10", keyAmount: "2599"})
		require.NoError(t, err)
		assert.Equal(t, payment.StatusCaptured, res.Status)
		assert.Equal(t, "10", res.Data[keyPaymentID])
		assert.Equal(t, "2599", res.Data[keyAmount], "existing keys survive the merge")
	})

	t.Run("requires a session id", func(t *testing.T) {
		_, err := p.Authorize(ctx, payment.Data{})
		assert.ErrorIs(t, err, payment.ErrValidation)
	})
}

func TestCaptureIsIdempotent(t *testing.T) {
	p, _ := testProvider(t)
	ctx := context.Background()

	first, err := p.Capture(ctx, payment.Data{keyStatus: "authorized"})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCaptured, first.Status)
	require.NotEmpty(t, first.Data[payment.CapturedAtKey])

	second, err := p.Capture(ctx, first.Data)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCaptured, second.Status)
	assert.Equal(t, first.Data[payment.CapturedAtKey], second.Data[payment.CapturedAtKey])

	already, err := p.Capture(ctx, payment.Data{keyStatus: "approved"})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCaptured, already.Status)
	assert.NotContains(t, already.Data, payment.CapturedAtKey)
}

func TestCancel(t *testing.T) {
	p, gw := testProvider(t)
	ctx := context.Background()

	t.Run("no charge cancels locally", func(t *testing.T) {
		res, err := p.Cancel(ctx, payment.Data{keySessionID: "sess_1"})
		require.NoError(t, err)
		assert.Equal(t, payment.StatusCanceled, res.Status)
	})

	t.Run("voids the gateway payment", func(t *testing.T) {
		gw.payments["20"] = PaymentResource{ID: 20, Status: "authorized", ExternalReference: "sess_20"}
		res, err := p.Cancel(ctx, payment.Data{keyPaymentID: "20"})
		require.NoError(t, err)
		assert.Equal(t, payment.StatusCanceled, res.Status)
		assert.Equal(t, "cancelled", res.Data[keyStatus])
	})

	t.Run("unknown payment is a gateway error", func(t *testing.T) {
		_, err := p.Cancel(ctx, payment.Data{keyPaymentID: "404"})
		assert.ErrorIs(t, err, payment.ErrGateway)
	})
}

func TestRefund(t *testing.T) {
	p, gw := testProvider(t)
	ctx := context.Background()
	gw.payments["30"] = PaymentResource{ID: 30, Status: "approved", ExternalReference: "sess_30", TransactionAmount: 25.99}

	t.Run("full refund omits the amount", func(t *testing.T) {
		res, err := p.Refund(ctx, payment.Data{keyPaymentID: "30"}, 0)
		require.NoError(t, err)
		assert.Equal(t, payment.StatusRefunded, res.Status)
		assert.NotContains(t, gw.lastRefund, "amount")
		assert.Equal(t, "2599", res.Data["last_refund_amount"])
	})

	t.Run("amount at transaction total is a full refund", func(t *testing.T) {
		_, err := p.Refund(ctx, payment.Data{keyPaymentID: "30"}, 2599)
		require.NoError(t, err)
		assert.NotContains(t, gw.lastRefund, "amount")
	})

	t.Run("partial refund carries the amount", func(t *testing.T) {
		res, err := p.Refund(ctx, payment.Data{keyPaymentID: "30"}, 1000)
		require.NoError(t, err)
		assert.Equal(t, 10.0, gw.lastRefund["amount"])
		assert.Equal(t, "1000", res.Data["last_refund_amount"])
	})

	t.Run("requires a gateway payment id", func(t *testing.T) {
		_, err := p.Refund(ctx, payment.Data{}, 0)
		assert.ErrorIs(t, err, payment.ErrValidation)
	})
}

func TestRetrieve(t *testing.T) {
	p, gw := testProvider(t)
	gw.payments["40"] = PaymentResource{ID: 40, Status: "approved", ExternalReference: "sess_40", TransactionAmount: 25.99}

	data, err := p.Retrieve(context.Background(), payment.Data{keyPaymentID: "40", "local_note": "keep"})
	require.NoError(t, err)
	assert.Equal(t, "approved", data[keyStatus])
	assert.Equal(t, "keep", data["local_note"])
}

func webhookNotification(t *testing.T, paymentID string) payment.Notification {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"action": "payment.updated",
		"type":   "payment",
		"data":   map[string]string{"id": paymentID},
	})
	require.NoError(t, err)
	return payment.Notification{
		Headers: signedHeaders(t, paymentID, "req-1", "1693212000", webhookTestSecret),
		Body:    body,
	}
}

func TestResolveWebhook(t *testing.T) {
	p, gw := testProvider(t)
	ctx := context.Background()

	gw.payments["50"] = PaymentResource{ID: 50, Status: "approved", ExternalReference: "sess_50", TransactionAmount: 25.99}

	t.Run("approved payment", func(t *testing.T) {
		res := p.ResolveWebhook(ctx, webhookNotification(t, "50"))
		assert.Equal(t, payment.ActionProcessPayment, res.Action)
		assert.Equal(t, "sess_50", res.SessionID)
		assert.Equal(t, "2599", res.Data[keyTransactionAmount])
	})

	t.Run("refunded payment", func(t *testing.T) {
		gw.payments["51"] = PaymentResource{ID: 51, Status: "refunded", ExternalReference: "sess_51"}
		res := p.ResolveWebhook(ctx, webhookNotification(t, "51"))
		assert.Equal(t, payment.ActionProcessRefund, res.Action)
	})

	t.Run("cancelled payment", func(t *testing.T) {
		gw.payments["52"] = PaymentResource{ID: 52, Status: "cancelled", ExternalReference: "sess_52"}
		res := p.ResolveWebhook(ctx, webhookNotification(t, "52"))
		assert.Equal(t, payment.ActionCancelPayment, res.Action)
	})

	t.Run("rejected payment is ignored", func(t *testing.T) {
		gw.payments["53"] = PaymentResource{ID: 53, Status: "rejected", ExternalReference: "sess_53"}
		res := p.ResolveWebhook(ctx, webhookNotification(t, "53"))
		assert.Equal(t, payment.ActionIgnore, res.Action)
		assert.Contains(t, res.Err, "rejected")
	})

	t.Run("tampered signature", func(t *testing.T) {
		n := webhookNotification(t, "50")
		n.Headers.Set("x-request-id", "req-forged")
		res := p.ResolveWebhook(ctx, n)
		assert.Equal(t, payment.ActionIgnore, res.Action)
		assert.Equal(t, "invalid signature", res.Err)
	})

	t.Run("unhandled event", func(t *testing.T) {
		body := []byte(`{"action":"plan.updated","data":{"id":"50"}}`)
		n := payment.Notification{Headers: signedHeaders(t, "50", "req-1", "1693212000", webhookTestSecret), Body: body}
		res := p.ResolveWebhook(ctx, n)
		assert.Equal(t, payment.ActionIgnore, res.Action)
		assert.Contains(t, res.Err, "plan.updated")
	})

	t.Run("missing external reference", func(t *testing.T) {
		gw.payments["54"] = PaymentResource{ID: 54, Status: "approved"}
		res := p.ResolveWebhook(ctx, webhookNotification(t, "54"))
		assert.Equal(t, payment.ActionIgnore, res.Action)
		assert.Contains(t, res.Err, "external reference")
	})

	t.Run("gateway lookup failure", func(t *testing.T) {
		res := p.ResolveWebhook(ctx, webhookNotification(t, "404"))
		assert.Equal(t, payment.ActionIgnore, res.Action)
		assert.Equal(t, "gateway lookup failed", res.Err)
	})

	t.Run("malformed body", func(t *testing.T) {
		res := p.ResolveWebhook(ctx, payment.Notification{Body: []byte("not json")})
		assert.Equal(t, payment.ActionIgnore, res.Action)
		assert.Equal(t, "malformed notification body", res.Err)
	})

	t.Run("deterministic", func(t *testing.T) {
		n := webhookNotification(t, "50")
		assert.Equal(t, p.ResolveWebhook(ctx, n), p.ResolveWebhook(ctx, n))
	})
}
