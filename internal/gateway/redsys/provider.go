package redsys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tienda-labs/pasarela/internal/payment"
)

const (
	liveRedirectURL = "https://sis.redsys.es/sis/realizarPago"
	testRedirectURL = "https://sis-t.redsys.es:25443/sis/realizarPago"

	transactionTypePayment = "0"
)

// Config carries the merchant credentials and URLs for one Redsys terminal.
type Config struct {
	MerchantCode string
	SecretKey    string
	Terminal     string
	Environment  string // "test" or "live"
	CurrencyCode string // ISO 4217 numeric, e.g. "978"
	MerchantName string
	MerchantURL  string // notification endpoint
	ReturnURL    string // customer redirect after payment
}

func (c Config) validate() error {
	if c.MerchantCode == "" {
		return errors.New("redsys: merchant code is required")
	}
	if c.SecretKey == "" {
		return errors.New("redsys: secret key is required")
	}
	if c.Terminal == "" {
		return errors.New("redsys: terminal is required")
	}
	if c.Environment != "test" && c.Environment != "live" {
		return errors.New("redsys: environment must be \"test\" or \"live\"")
	}
	return nil
}

// Provider implements the redirect-based Redsys integration. It never calls
// the gateway directly: the customer is redirected with a signed form and the
// outcome arrives through notifications.
type Provider struct {
	cfg    Config
	logger zerolog.Logger
}

// New validates the configuration and constructs the provider.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg, logger: logger.With().Str("provider", "redsys").Logger()}, nil
}

// ID implements payment.Provider.
func (p *Provider) ID() string { return "redsys" }

// RedirectURL returns the endpoint the signed form must be posted to.
func (p *Provider) RedirectURL() string {
	if p.cfg.Environment == "live" {
		return liveRedirectURL
	}
	return testRedirectURL
}

// Initiate builds the signed form parameters for the redirect flow. No
// network call happens; the transaction starts when the customer's browser
// posts the form to Redsys.
func (p *Provider) Initiate(_ context.Context, req payment.InitiateRequest) (payment.OperationResult, error) {
	if req.CorrelationID == "" {
		return payment.OperationResult{}, fmt.Errorf("%w: correlation id is required", payment.ErrValidation)
	}
	if req.Amount <= 0 {
		return payment.OperationResult{}, fmt.Errorf("%w: amount must be positive", payment.ErrValidation)
	}
	holder := req.CustomerEmail
	if holder == "" {
		holder = "N/A"
	}
	params := map[string]any{
		"DS_MERCHANT_AMOUNT":             strconv.FormatInt(req.Amount, 10),
		"DS_MERCHANT_ORDER":              req.CorrelationID,
		"DS_MERCHANT_MERCHANTCODE":       p.cfg.MerchantCode,
		"DS_MERCHANT_CURRENCY":           p.cfg.CurrencyCode,
		"DS_MERCHANT_TRANSACTIONTYPE":    transactionTypePayment,
		"DS_MERCHANT_TERMINAL":           p.cfg.Terminal,
		"DS_MERCHANT_MERCHANTNAME":       p.cfg.MerchantName,
		"DS_MERCHANT_PRODUCTDESCRIPTION": fmt.Sprintf("Payment for order %s", req.CorrelationID),
		"DS_MERCHANT_TITULAR":            holder,
		"DS_MERCHANT_MERCHANTURL":        p.cfg.MerchantURL,
		"DS_MERCHANT_URLOK":              p.cfg.ReturnURL,
		"DS_MERCHANT_URLKO":              p.cfg.ReturnURL,
	}
	blob, err := EncodeMerchantParameters(params)
	if err != nil {
		return payment.OperationResult{}, err
	}
	signature, err := Sign(blob, req.CorrelationID, p.cfg.SecretKey)
	if err != nil {
		return payment.OperationResult{}, fmt.Errorf("%w: %v", payment.ErrGateway, err)
	}
	return payment.OperationResult{
		Status: payment.StatusPending,
		Data: payment.Data{
			EnvelopeSignatureVersion: SignatureVersion,
			EnvelopeParameters:       blob,
			EnvelopeSignature:        signature,
			"url":                    p.RedirectURL(),
			FieldOrder:               req.CorrelationID,
		},
	}, nil
}

// Status derives the canonical status from session data. A locally recorded
// capture upgrades an authorised payment; everything else follows Ds_Response.
func (p *Provider) Status(data payment.Data) payment.Status {
	code := payment.StringField(data, FieldResponse)
	status := MapStatus(code)
	if code != "" && status == payment.StatusPending {
		p.logger.Warn().Str("code", code).Msg("unrecognised response code, defaulting to pending")
	}
	if status == payment.StatusAuthorized && payment.StringField(data, payment.CapturedAtKey) != "" {
		return payment.StatusCaptured
	}
	return status
}

// Authorize reports the outcome recorded by the redirect/notification flow.
// Redsys authorises during the customer redirect, so there is nothing to call
// here; the session data already holds the verdict when it exists.
func (p *Provider) Authorize(_ context.Context, data payment.Data) (payment.OperationResult, error) {
	return payment.OperationResult{Status: p.Status(data), Data: data}, nil
}

// Capture concludes an authorised payment. The terminal runs in implicit
// confirmation mode, so authorisation already moved the funds; capture is a
// local transition and repeating it is a no-op.
func (p *Provider) Capture(_ context.Context, data payment.Data) (payment.OperationResult, error) {
	switch status := p.Status(data); status {
	case payment.StatusCaptured:
		return payment.OperationResult{Status: payment.StatusCaptured, Data: data}, nil
	case payment.StatusAuthorized:
		out := payment.CloneData(data)
		out[payment.CapturedAtKey] = time.Now().UTC().Format(time.RFC3339)
		return payment.OperationResult{Status: payment.StatusCaptured, Data: out}, nil
	default:
		p.logger.Warn().Str("status", string(status)).Str("order", payment.StringField(data, FieldOrder)).
			Msg("capture requested but payment is not authorised")
		return payment.OperationResult{Status: status, Data: data}, nil
	}
}

// Cancel voids a payment where possible. A payment that never reached the
// gateway cancels locally; a settled one can only be voided from the Redsys
// dashboard, which the returned data records instead of claiming success.
func (p *Provider) Cancel(_ context.Context, data payment.Data) (payment.OperationResult, error) {
	switch status := p.Status(data); status {
	case payment.StatusPending:
		out := payment.CloneData(data)
		out["cancellation_reason"] = "canceled before gateway confirmation"
		return payment.OperationResult{Status: payment.StatusCanceled, Data: out}, nil
	case payment.StatusAuthorized, payment.StatusCaptured:
		out := payment.CloneData(data)
		out["cancellation_status"] = "manual void required via Redsys dashboard"
		p.logger.Warn().Str("order", payment.StringField(data, FieldOrder)).
			Msg("cancellation requires manual void on the Redsys dashboard")
		return payment.OperationResult{Status: status, Data: out}, nil
	default:
		return payment.OperationResult{Status: status, Data: data}, nil
	}
}

// Refund records the intent to refund. Redsys offers no merchant API for
// refunds on this integration; the operation is performed on the dashboard
// and later confirmed by a 900-coded notification.
func (p *Provider) Refund(_ context.Context, data payment.Data, amount int64) (payment.OperationResult, error) {
	out := payment.CloneData(data)
	if amount > 0 {
		out["last_refund_amount"] = strconv.FormatInt(amount, 10)
	} else if txn := payment.StringField(data, FieldAmount); txn != "" {
		out["last_refund_amount"] = txn
	}
	out["refund_status"] = "manual refund initiated; confirm via Redsys dashboard"
	p.logger.Info().Str("order", payment.StringField(data, FieldOrder)).Int64("amount", amount).
		Msg("refund recorded, requires manual action on the Redsys dashboard")
	return payment.OperationResult{Status: payment.StatusRefunded, Data: out}, nil
}

// Retrieve returns the last known session data. The gateway exposes no
// post-transaction query on this integration; state is driven by
// notifications.
func (p *Provider) Retrieve(_ context.Context, data payment.Data) (payment.Data, error) {
	p.logger.Debug().Str("order", payment.StringField(data, FieldOrder)).
		Msg("retrieve returns stored session data, gateway has no query API")
	return data, nil
}

// ResolveWebhook verifies, decodes and classifies a raw Redsys notification.
// Every failure mode is an IGNORE with a reason; nothing here panics and
// identical input always yields the identical result.
func (p *Provider) ResolveWebhook(_ context.Context, n payment.Notification) payment.WebhookActionResult {
	envelope := notificationEnvelope(n)
	blob := envelope[EnvelopeParameters]
	signature := envelope[EnvelopeSignature]
	version := envelope[EnvelopeSignatureVersion]
	if blob == "" || signature == "" || version == "" {
		return payment.WebhookActionResult{
			Action: payment.ActionIgnore,
			Err:    "missing notification parameters",
		}
	}
	// The secret is always present: the config rejects an empty one because
	// the outbound redirect form could not be signed without it.
	if !VerifyNotification(blob, signature, p.cfg.SecretKey) {
		// Deliberately generic: the reason a signature failed must not leak.
		return payment.WebhookActionResult{Action: payment.ActionIgnore, Err: "invalid signature"}
	}
	params, err := DecodeMerchantParameters(blob)
	if err != nil {
		return payment.WebhookActionResult{
			Action: payment.ActionIgnore,
			Data:   payment.Data{EnvelopeParameters: blob},
			Err:    err.Error(),
		}
	}
	order := paramString(params, FieldOrder)
	code := paramString(params, FieldResponse)
	if order == "" || code == "" {
		return payment.WebhookActionResult{
			Action: payment.ActionIgnore,
			Data:   params,
			Err:    "missing correlation id or result code",
		}
	}
	switch MapStatus(code) {
	case payment.StatusAuthorized, payment.StatusCaptured:
		return payment.WebhookActionResult{Action: payment.ActionProcessPayment, SessionID: order, Data: params}
	case payment.StatusCanceled:
		// The gateway overloads "canceled" for both refunds and voids; the
		// numeric code keeps them apart.
		if code == "900" {
			return payment.WebhookActionResult{Action: payment.ActionProcessRefund, SessionID: order, Data: params}
		}
		return payment.WebhookActionResult{Action: payment.ActionCancelPayment, SessionID: order, Data: params}
	default:
		return payment.WebhookActionResult{
			Action:    payment.ActionIgnore,
			SessionID: order,
			Data:      params,
			Err:       fmt.Sprintf("unhandled response code %s", code),
		}
	}
}

// notificationEnvelope extracts the three envelope fields from either a form
// post or a JSON body; Redsys terminals are configured for one or the other.
func notificationEnvelope(n payment.Notification) map[string]string {
	out := map[string]string{}
	for _, key := range []string{EnvelopeSignatureVersion, EnvelopeParameters, EnvelopeSignature} {
		if v := n.Form.Get(key); v != "" {
			out[key] = v
		}
	}
	if len(out) == 3 || len(n.Body) == 0 {
		return out
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(n.Body, &body); err != nil {
		return out
	}
	for _, key := range []string{EnvelopeSignatureVersion, EnvelopeParameters, EnvelopeSignature} {
		if out[key] != "" {
			continue
		}
		var v string
		if raw, ok := body[key]; ok {
			if err := json.Unmarshal(raw, &v); err == nil {
				out[key] = v
			}
		}
	}
	return out
}
