package payment

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// Data is the open mapping of provider-specific fields carried on a payment
// session (tokens, gateway order ids, response codes, signatures). It grows
// monotonically through merges; keys are only overwritten, never dropped.
type Data = map[string]any

// Action labels what the reconciler should do with a resolved notification.
type Action string

const (
	ActionProcessPayment Action = "PROCESS_PAYMENT"
	ActionProcessRefund  Action = "PROCESS_REFUND"
	ActionCancelPayment  Action = "CANCEL_PAYMENT"
	ActionIgnore         Action = "IGNORE"
)

// Notification is the raw inbound gateway callback. It is untrusted until the
// provider's signature verification approves it.
type Notification struct {
	Headers http.Header
	Body    []byte
	Form    url.Values
}

// WebhookActionResult is the single outcome of resolving one notification.
// All failure modes surface as ActionIgnore with a reason; resolving never
// panics and, for identical input, always produces the same result.
type WebhookActionResult struct {
	Action    Action
	SessionID string
	Data      Data
	Err       string
}

// OperationResult pairs the canonical status with the session data a provider
// operation produced or enriched.
type OperationResult struct {
	Status Status
	Data   Data
}

// InitiateRequest carries the session fields a provider needs to open a
// payment before any customer interaction.
type InitiateRequest struct {
	SessionID     string
	CorrelationID string
	Amount        int64
	CurrencyCode  string
	CustomerEmail string
}

// CardPaymentInput carries the tokenised card fields for a server-side
// charge. Amount is in minor units and must match the session's amount.
type CardPaymentInput struct {
	Token           string
	Amount          int64
	Installments    int
	PaymentMethodID string
	IssuerID        string
	PayerEmail      string
	Description     string
}

// CardCharger is the optional capability of providers that charge a
// tokenised card server side.
type CardCharger interface {
	CreateCardPayment(ctx context.Context, sessionID string, in CardPaymentInput) (OperationResult, error)
}

// Provider abstracts one upstream payment gateway. Implementations are
// constructed once per credential set and are safe for concurrent use.
type Provider interface {
	// ID identifies the gateway integration ("mercadopago", "redsys").
	ID() string

	// Initiate opens a payment attempt. For the redirect gateway this builds
	// the signed form parameters and redirect URL without a network call.
	Initiate(ctx context.Context, req InitiateRequest) (OperationResult, error)

	// Authorize reconciles the session against the gateway's view of the
	// charge and returns the authoritative data snapshot.
	Authorize(ctx context.Context, data Data) (OperationResult, error)

	// Capture concludes an authorized payment. Both supported gateways
	// auto-capture, so this is a local transition; capturing an already
	// captured payment is a no-op, not an error.
	Capture(ctx context.Context, data Data) (OperationResult, error)

	// Cancel voids a payment. When the gateway requires an out-of-band manual
	// action the returned data records that requirement instead of claiming
	// success.
	Cancel(ctx context.Context, data Data) (OperationResult, error)

	// Refund returns funds. amount == 0 requests a full refund; a positive
	// amount below the transaction amount requests a partial refund.
	Refund(ctx context.Context, data Data, amount int64) (OperationResult, error)

	// Retrieve fetches the gateway's current record for the payment, merged
	// over the supplied data.
	Retrieve(ctx context.Context, data Data) (Data, error)

	// Status derives the canonical status from session data. Pure and total:
	// unknown or absent gateway codes map to PENDING, never an error.
	Status(data Data) Status

	// ResolveWebhook verifies, decodes and classifies a raw notification.
	ResolveWebhook(ctx context.Context, n Notification) WebhookActionResult
}

// Merge copies patch into base key by key, last write wins, and returns base.
// A nil base allocates. Mirrors the JSONB || merge the session store performs.
func Merge(base Data, patch Data) Data {
	if base == nil {
		base = make(Data, len(patch))
	}
	for k, v := range patch {
		base[k] = v
	}
	return base
}

// CloneData returns a shallow copy so resolver results can be merged without
// aliasing the caller's map.
func CloneData(d Data) Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// StringField reads a string-ish field from session data. Gateways deliver
// numbers both as JSON strings and as numbers depending on the channel.
func StringField(d Data, key string) string {
	if d == nil {
		return ""
	}
	switch v := d[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}
