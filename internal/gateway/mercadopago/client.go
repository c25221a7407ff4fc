package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tienda-labs/pasarela/internal/payment"
)

const defaultBaseURL = "https://api.mercadopago.com"

// Client is a thin typed wrapper over the Mercado Pago payments REST API.
type Client struct {
	baseURL     string
	accessToken string
	http        *http.Client
}

// NewClient builds a client with tracing on the transport. baseURL is
// overridable for tests; empty means production.
func NewClient(accessToken, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		http: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// PaymentResource is the subset of the gateway payment object this
// integration reads.
type PaymentResource struct {
	ID                int64            `json:"id"`
	Status            string           `json:"status"`
	StatusDetail      string           `json:"status_detail"`
	ExternalReference string           `json:"external_reference"`
	TransactionAmount float64          `json:"transaction_amount"`
	CurrencyID        string           `json:"currency_id"`
	DateApproved      string           `json:"date_approved"`
	DateCreated       string           `json:"date_created"`
	Payer             *PayerResource   `json:"payer,omitempty"`
	Card              *json.RawMessage `json:"card,omitempty"`
}

// PayerResource identifies the paying customer.
type PayerResource struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

// RefundResource is the gateway's refund object.
type RefundResource struct {
	ID        int64   `json:"id"`
	PaymentID int64   `json:"payment_id"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
}

// CreatePaymentRequest creates a charge against a previously tokenised card.
type CreatePaymentRequest struct {
	Token             string         `json:"token"`
	TransactionAmount float64        `json:"transaction_amount"`
	Installments      int            `json:"installments"`
	PaymentMethodID   string         `json:"payment_method_id,omitempty"`
	IssuerID          string         `json:"issuer_id,omitempty"`
	Description       string         `json:"description,omitempty"`
	ExternalReference string         `json:"external_reference"`
	Payer             *PayerResource `json:"payer,omitempty"`
}

type refundRequest struct {
	Amount *float64 `json:"amount,omitempty"`
}

type searchResponse struct {
	Results []PaymentResource `json:"results"`
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercadopago: api status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return payment.ErrGateway }

// CreatePayment opens a charge. The call is idempotent under the generated
// X-Idempotency-Key, so a retried request cannot double charge.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (PaymentResource, error) {
	var out PaymentResource
	err := c.do(ctx, http.MethodPost, "/v1/payments", req, &out)
	return out, err
}

// GetPayment fetches one payment by id.
func (c *Client) GetPayment(ctx context.Context, id string) (PaymentResource, error) {
	var out PaymentResource
	err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &out)
	return out, err
}

// SearchByReference lists payments created with the given external reference,
// newest first per the API default.
func (c *Client) SearchByReference(ctx context.Context, reference string) ([]PaymentResource, error) {
	var out searchResponse
	q := url.Values{"external_reference": {reference}}
	err := c.do(ctx, http.MethodGet, "/v1/payments/search?"+q.Encode(), nil, &out)
	return out.Results, err
}

// CancelPayment voids a payment that has not settled.
func (c *Client) CancelPayment(ctx context.Context, id string) (PaymentResource, error) {
	var out PaymentResource
	body := map[string]string{"status": "cancelled"}
	err := c.do(ctx, http.MethodPut, "/v1/payments/"+url.PathEscape(id), body, &out)
	return out, err
}

// RefundPayment refunds a payment. A nil amount refunds in full.
func (c *Client) RefundPayment(ctx context.Context, id string, amount *float64) (RefundResource, error) {
	var out RefundResource
	err := c.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(id)+"/refunds", refundRequest{Amount: amount}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("mercadopago: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("mercadopago: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost || method == http.MethodPut {
		req.Header.Set("X-Idempotency-Key", uuid.NewString())
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", payment.ErrGateway, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", payment.ErrGateway, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: apiErrorMessage(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", payment.ErrGateway, err)
		}
	}
	return nil
}

func apiErrorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
