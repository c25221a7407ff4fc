package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tienda-labs/pasarela/internal/common"
	"github.com/tienda-labs/pasarela/internal/session"
)

// Handler exposes the payment session and payment creation endpoints.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type registerSessionReq struct {
	ProviderID    string         `json:"providerId" validate:"required,oneof=mercadopago redsys"`
	CorrelationID string         `json:"correlationId" validate:"required,max=64"`
	Amount        int64          `json:"amount" validate:"required,gt=0"`
	CurrencyCode  string         `json:"currencyCode" validate:"required,len=3"`
	Data          map[string]any `json:"data"`
}

type sessionResp struct {
	SessionID     string         `json:"sessionId"`
	ProviderID    string         `json:"providerId"`
	CorrelationID string         `json:"correlationId"`
	Amount        int64          `json:"amount"`
	CurrencyCode  string         `json:"currencyCode"`
	Status        string         `json:"status"`
	Data          map[string]any `json:"data,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func toSessionResp(v SessionView) sessionResp {
	return sessionResp{
		SessionID:     v.Session.ID.String(),
		ProviderID:    v.Session.ProviderID,
		CorrelationID: v.Session.CorrelationID,
		Amount:        v.Session.Amount,
		CurrencyCode:  v.Session.CurrencyCode,
		Status:        string(v.Status),
		Data:          v.Session.Data,
		CreatedAt:     v.Session.CreatedAt,
		UpdatedAt:     v.Session.UpdatedAt,
	}
}

// RegisterSession opens a payment session for one checkout attempt.
func (h *Handler) RegisterSession(w http.ResponseWriter, r *http.Request) {
	var req registerSessionReq
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.Svc.RegisterSession(r.Context(), session.CreateParams{
		ProviderID:    strings.TrimSpace(req.ProviderID),
		CorrelationID: strings.TrimSpace(req.CorrelationID),
		Amount:        req.Amount,
		CurrencyCode:  strings.ToUpper(strings.TrimSpace(req.CurrencyCode)),
		Data:          req.Data,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, toSessionResp(view))
}

// SessionStatus reports the derived status for polling clients.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.SessionStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toSessionResp(view))
}

type cardPaymentReq struct {
	PaymentSessionID string          `json:"paymentSessionId" validate:"required,uuid4"`
	PaymentData      cardPaymentData `json:"paymentData" validate:"required"`
}

type cardPaymentData struct {
	Token           string `json:"token" validate:"required"`
	Amount          int64  `json:"amount" validate:"required,gt=0"`
	Installments    int    `json:"installments" validate:"omitempty,gte=1,lte=48"`
	PaymentMethodID string `json:"paymentMethodId"`
	IssuerID        string `json:"issuerId"`
	PayerEmail      string `json:"payerEmail" validate:"omitempty,email"`
}

type cardPaymentResp struct {
	SessionID      string `json:"sessionId"`
	Status         string `json:"status"`
	DeclineMessage string `json:"declineMessage,omitempty"`
}

// CreateCardPayment charges a tokenised card for a session.
func (h *Handler) CreateCardPayment(w http.ResponseWriter, r *http.Request) {
	var req cardPaymentReq
	if !h.decode(w, r, &req) {
		return
	}
	id, err := uuid.Parse(req.PaymentSessionID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid paymentSessionId", nil)
		return
	}
	view, err := h.Svc.CreateCardPayment(r.Context(), id, CardPaymentInput{
		Token:           req.PaymentData.Token,
		Amount:          req.PaymentData.Amount,
		Installments:    req.PaymentData.Installments,
		PaymentMethodID: req.PaymentData.PaymentMethodID,
		IssuerID:        req.PaymentData.IssuerID,
		PayerEmail:      req.PaymentData.PayerEmail,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := cardPaymentResp{SessionID: view.Session.ID.String(), Status: string(view.Status)}
	if msg := StringField(view.Session.Data, "decline_message"); msg != "" {
		resp.DeclineMessage = msg
	}
	common.JSON(w, http.StatusCreated, resp)
}

type redirectPaymentReq struct {
	PaymentSessionID string `json:"paymentSessionId" validate:"required,uuid4"`
}

type redirectPaymentResp struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// CreateRedirectPayment returns the signed form the storefront must
// auto-submit to the redirect gateway.
func (h *Handler) CreateRedirectPayment(w http.ResponseWriter, r *http.Request) {
	var req redirectPaymentReq
	if !h.decode(w, r, &req) {
		return
	}
	id, err := uuid.Parse(req.PaymentSessionID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid paymentSessionId", nil)
		return
	}
	form, err := h.Svc.CreateRedirectPayment(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, redirectPaymentResp{URL: form.URL, Fields: form.Fields})
}

// CancelSession voids a session's payment.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.CancelSession(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toSessionResp(view))
}

type refundReq struct {
	Amount int64 `json:"amount" validate:"gte=0"`
}

// RefundSession refunds a session, fully when no amount is given.
func (h *Handler) RefundSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req refundReq
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	view, err := h.Svc.RefundSession(r.Context(), id, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toSessionResp(view))
}

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid session id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return false
	}
	if h.Validate == nil {
		return true
	}
	if err := h.Validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		details := map[string]any{}
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", details)
		return false
	}
	return true
}

// writeError maps the payment error taxonomy onto HTTP statuses for the
// customer-facing endpoints. The webhook boundary has its own, laxer rules.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, session.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "payment session not found", nil)
	case errors.Is(err, ErrValidation):
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), nil)
	case errors.Is(err, session.ErrConflict):
		common.JSONError(w, http.StatusConflict, "SESSION_CONFLICT", "session already exists", nil)
	case errors.Is(err, ErrGateway):
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_ERROR", "payment gateway failure", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
