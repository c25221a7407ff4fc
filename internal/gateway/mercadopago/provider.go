package mercadopago

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tienda-labs/pasarela/internal/payment"
)

// Session data keys this provider maintains.
const (
	keyPaymentID         = "id"
	keyStatus            = "status"
	keyStatusDetail      = "status_detail"
	keyExternalReference = "external_reference"
	keyTransactionAmount = "transaction_amount"
	keySessionID         = "session_id"
	keyAmount            = "amount"
	keyDeclineReason     = "decline_reason"
	keyDeclineMessage    = "decline_message"
)

// Config carries the credentials for one Mercado Pago account.
type Config struct {
	AccessToken   string
	WebhookSecret string
	BaseURL       string // empty means production
}

// Provider implements the card/token Mercado Pago integration. Charges are
// created server side from a card token; webhooks and the payments API drive
// the rest of the lifecycle.
type Provider struct {
	client        *Client
	webhookSecret string
	logger        zerolog.Logger
}

// New validates the configuration and constructs the provider.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("mercadopago: access token is required")
	}
	return &Provider{
		client:        NewClient(cfg.AccessToken, cfg.BaseURL),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger.With().Str("provider", "mercadopago").Logger(),
	}, nil
}

// ID implements payment.Provider.
func (p *Provider) ID() string { return "mercadopago" }

// Initiate opens the payment attempt locally. The gateway is not called until
// the storefront submits a card token; until then the session only records
// what it expects to charge.
func (p *Provider) Initiate(_ context.Context, req payment.InitiateRequest) (payment.OperationResult, error) {
	if req.SessionID == "" {
		return payment.OperationResult{}, fmt.Errorf("%w: session id is required", payment.ErrValidation)
	}
	if req.Amount <= 0 {
		return payment.OperationResult{}, fmt.Errorf("%w: amount must be positive", payment.ErrValidation)
	}
	return payment.OperationResult{
		Status: payment.StatusPending,
		Data: payment.Data{
			keySessionID: req.SessionID,
			keyAmount:    strconv.FormatInt(req.Amount, 10),
		},
	}, nil
}

// CreateCardPayment charges a tokenised card against the session. The
// session id travels as the gateway's external reference so webhooks can find
// their way back. A rejected charge is not an error here: the decline reason
// lands in the returned data and the status says ERROR.
func (p *Provider) CreateCardPayment(ctx context.Context, sessionID string, in payment.CardPaymentInput) (payment.OperationResult, error) {
	if in.Token == "" {
		return payment.OperationResult{}, fmt.Errorf("%w: card token is required", payment.ErrValidation)
	}
	installments := in.Installments
	if installments <= 0 {
		installments = 1
	}
	req := CreatePaymentRequest{
		Token:             in.Token,
		TransactionAmount: minorToMajor(in.Amount),
		Installments:      installments,
		PaymentMethodID:   in.PaymentMethodID,
		IssuerID:          in.IssuerID,
		Description:       in.Description,
		ExternalReference: sessionID,
	}
	if in.PayerEmail != "" {
		req.Payer = &PayerResource{Email: in.PayerEmail}
	}
	res, err := p.client.CreatePayment(ctx, req)
	if err != nil {
		return payment.OperationResult{}, err
	}
	data := paymentToData(res)
	data[keySessionID] = sessionID
	if res.Status == "rejected" {
		reason := MapDecline(res.StatusDetail)
		data[keyDeclineReason] = string(reason)
		data[keyDeclineMessage] = reason.Message()
		p.logger.Info().Str("status_detail", res.StatusDetail).Str("decline_reason", string(reason)).
			Int64("payment_id", res.ID).Msg("card payment rejected")
	}
	return payment.OperationResult{Status: MapStatus(res.Status), Data: data}, nil
}

// Status derives the canonical status from session data.
func (p *Provider) Status(data payment.Data) payment.Status {
	raw := payment.StringField(data, keyStatus)
	status := MapStatus(raw)
	if raw != "" && status == payment.StatusPending {
		p.logger.Warn().Str("status", raw).Msg("unrecognised gateway status, defaulting to pending")
	}
	if status == payment.StatusAuthorized && payment.StringField(data, payment.CapturedAtKey) != "" {
		return payment.StatusCaptured
	}
	return status
}

// Authorize reconciles the session against the gateway by external reference.
// The charge may have been created moments ago; an empty search is logged and
// treated as still pending rather than failed, since gateway indexing lags.
func (p *Provider) Authorize(ctx context.Context, data payment.Data) (payment.OperationResult, error) {
	sessionID := payment.StringField(data, keySessionID)
	if sessionID == "" {
		return payment.OperationResult{}, fmt.Errorf("%w: no session id in payment data", payment.ErrValidation)
	}
	results, err := p.client.SearchByReference(ctx, sessionID)
	if err != nil {
		return payment.OperationResult{}, err
	}
	if len(results) == 0 {
		p.logger.Warn().Str("session_id", sessionID).
			Msg("no gateway payment found for session yet, treating as pending")
		return payment.OperationResult{Status: p.Status(data), Data: data}, nil
	}
	merged := payment.Merge(payment.CloneData(data), paymentToData(results[0]))
	return payment.OperationResult{Status: p.Status(merged), Data: merged}, nil
}

// Capture concludes an authorised payment. Card charges on this account
// auto-capture at authorisation, so this is a local transition; repeating it
// is a no-op.
func (p *Provider) Capture(_ context.Context, data payment.Data) (payment.OperationResult, error) {
	switch status := p.Status(data); status {
	case payment.StatusCaptured:
		return payment.OperationResult{Status: payment.StatusCaptured, Data: data}, nil
	case payment.StatusAuthorized:
		out := payment.CloneData(data)
		out[payment.CapturedAtKey] = time.Now().UTC().Format(time.RFC3339)
		return payment.OperationResult{Status: payment.StatusCaptured, Data: out}, nil
	default:
		p.logger.Warn().Str("status", string(status)).Msg("capture requested but payment is not authorised")
		return payment.OperationResult{Status: status, Data: data}, nil
	}
}

// Cancel voids the gateway payment when one exists; a session that never
// produced a charge cancels locally.
func (p *Provider) Cancel(ctx context.Context, data payment.Data) (payment.OperationResult, error) {
	id := payment.StringField(data, keyPaymentID)
	if id == "" {
		out := payment.CloneData(data)
		out["cancellation_reason"] = "canceled before gateway charge"
		return payment.OperationResult{Status: payment.StatusCanceled, Data: out}, nil
	}
	res, err := p.client.CancelPayment(ctx, id)
	if err != nil {
		return payment.OperationResult{}, err
	}
	merged := payment.Merge(payment.CloneData(data), paymentToData(res))
	return payment.OperationResult{Status: MapStatus(res.Status), Data: merged}, nil
}

// Refund returns funds through the gateway refund API. amount == 0 or an
// amount at or above the transaction amount refunds in full, in which case
// the request omits the amount entirely as the API requires.
func (p *Provider) Refund(ctx context.Context, data payment.Data, amount int64) (payment.OperationResult, error) {
	id := payment.StringField(data, keyPaymentID)
	if id == "" {
		return payment.OperationResult{}, fmt.Errorf("%w: no gateway payment id in data", payment.ErrValidation)
	}
	current, err := p.client.GetPayment(ctx, id)
	if err != nil {
		return payment.OperationResult{}, err
	}
	var refundAmount *float64
	if amount > 0 && minorToMajor(amount) < current.TransactionAmount {
		major := minorToMajor(amount)
		refundAmount = &major
	}
	refund, err := p.client.RefundPayment(ctx, id, refundAmount)
	if err != nil {
		return payment.OperationResult{}, err
	}
	out := payment.Merge(payment.CloneData(data), paymentToData(current))
	out["refund_id"] = strconv.FormatInt(refund.ID, 10)
	out["refund_status"] = refund.Status
	out["last_refund_amount"] = strconv.FormatInt(majorToMinor(refund.Amount), 10)
	return payment.OperationResult{Status: payment.StatusRefunded, Data: out}, nil
}

// Retrieve fetches the gateway's current record, merged over the session data.
func (p *Provider) Retrieve(ctx context.Context, data payment.Data) (payment.Data, error) {
	id := payment.StringField(data, keyPaymentID)
	if id == "" {
		return nil, fmt.Errorf("%w: no gateway payment id in data", payment.ErrValidation)
	}
	res, err := p.client.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	return payment.Merge(payment.CloneData(data), paymentToData(res)), nil
}

type webhookBody struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ResolveWebhook verifies and classifies a gateway notification. The payload
// only carries a payment id; the authoritative state is always fetched fresh
// from the API, which also defuses spoofed payloads that pass no signature.
func (p *Provider) ResolveWebhook(ctx context.Context, n payment.Notification) payment.WebhookActionResult {
	var body webhookBody
	if err := json.Unmarshal(n.Body, &body); err != nil {
		return payment.WebhookActionResult{Action: payment.ActionIgnore, Err: "malformed notification body"}
	}
	if p.webhookSecret == "" {
		p.logger.Warn().Msg("no webhook secret configured, accepting notification unverified")
	} else if err := VerifySignature(n.Headers, body.Data.ID, p.webhookSecret); err != nil {
		// Deliberately generic: the reason a signature failed must not leak.
		return payment.WebhookActionResult{Action: payment.ActionIgnore, Err: "invalid signature"}
	}
	switch body.Action {
	case "payment.created", "payment.updated":
	default:
		return payment.WebhookActionResult{
			Action: payment.ActionIgnore,
			Err:    fmt.Sprintf("unhandled event %q", body.Action),
		}
	}
	if body.Data.ID == "" {
		return payment.WebhookActionResult{Action: payment.ActionIgnore, Err: "notification carries no payment id"}
	}
	res, err := p.client.GetPayment(ctx, body.Data.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("payment_id", body.Data.ID).Msg("fetch payment for webhook")
		return payment.WebhookActionResult{Action: payment.ActionIgnore, Err: "gateway lookup failed"}
	}
	if res.ExternalReference == "" {
		return payment.WebhookActionResult{
			Action: payment.ActionIgnore,
			Data:   paymentToData(res),
			Err:    "gateway payment has no external reference",
		}
	}
	data := paymentToData(res)
	data[keySessionID] = res.ExternalReference
	switch res.Status {
	case "approved", "authorized", "in_mediation":
		return payment.WebhookActionResult{Action: payment.ActionProcessPayment, SessionID: res.ExternalReference, Data: data}
	case "refunded":
		return payment.WebhookActionResult{Action: payment.ActionProcessRefund, SessionID: res.ExternalReference, Data: data}
	case "cancelled":
		return payment.WebhookActionResult{Action: payment.ActionCancelPayment, SessionID: res.ExternalReference, Data: data}
	default:
		return payment.WebhookActionResult{
			Action:    payment.ActionIgnore,
			SessionID: res.ExternalReference,
			Data:      data,
			Err:       fmt.Sprintf("unhandled payment status %q", res.Status),
		}
	}
}

// paymentToData flattens the gateway resource into session data fields.
func paymentToData(res PaymentResource) payment.Data {
	data := payment.Data{
		keyPaymentID:         strconv.FormatInt(res.ID, 10),
		keyStatus:            res.Status,
		keyExternalReference: res.ExternalReference,
		keyTransactionAmount: strconv.FormatInt(majorToMinor(res.TransactionAmount), 10),
	}
	if res.StatusDetail != "" {
		data[keyStatusDetail] = res.StatusDetail
	}
	if res.CurrencyID != "" {
		data["currency_id"] = res.CurrencyID
	}
	if res.DateApproved != "" {
		data["date_approved"] = res.DateApproved
	}
	if res.Payer != nil && res.Payer.Email != "" {
		data["payer_email"] = res.Payer.Email
	}
	return data
}

// minorToMajor converts integer minor units to the decimal major units the
// gateway API speaks.
func minorToMajor(minor int64) float64 { return float64(minor) / 100 }

// majorToMinor converts back, rounding half away from zero.
func majorToMinor(major float64) int64 { return int64(math.Round(major * 100)) }
