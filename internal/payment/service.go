package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tienda-labs/pasarela/internal/obs"
	"github.com/tienda-labs/pasarela/internal/session"
)

// ServiceStore is the session store surface the service needs: everything the
// reconciler uses plus session creation.
type ServiceStore interface {
	SessionStore
	Create(ctx context.Context, p session.CreateParams) (session.Session, error)
}

// Service coordinates payment sessions and provider operations for the HTTP
// surface and the background worker.
type Service struct {
	Store     ServiceStore
	Providers map[string]Provider
	Logger    zerolog.Logger
}

// SessionView is what the API reports about a session: the stored record plus
// the derived canonical status.
type SessionView struct {
	Session session.Session
	Status  Status
}

// RegisterSession creates a session for one payment attempt and runs the
// provider's initiate step, seeding the session data with whatever the
// provider needs for the flow ahead (signed redirect form, charge reference).
func (s *Service) RegisterSession(ctx context.Context, p session.CreateParams) (SessionView, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.RegisterSession")
	defer span.End()
	result := "error"
	defer s.countOp(p.ProviderID, "initiate", &result)

	provider, ok := s.Providers[p.ProviderID]
	if !ok {
		return SessionView{}, fmt.Errorf("%w: unknown provider %q", ErrValidation, p.ProviderID)
	}
	if p.Amount <= 0 {
		return SessionView{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if p.CorrelationID == "" {
		return SessionView{}, fmt.Errorf("%w: correlation id is required", ErrValidation)
	}
	sess, err := s.Store.Create(ctx, p)
	if err != nil {
		return SessionView{}, fmt.Errorf("create session: %w", err)
	}
	span.SetAttributes(attribute.String("session.id", sess.ID.String()))

	out, err := provider.Initiate(ctx, InitiateRequest{
		SessionID:     sess.ID.String(),
		CorrelationID: sess.CorrelationID,
		Amount:        sess.Amount,
		CurrencyCode:  sess.CurrencyCode,
	})
	if err != nil {
		return SessionView{}, err
	}
	if len(out.Data) > 0 {
		sess, err = s.Store.MergeData(ctx, sess.ID, out.Data)
		if err != nil {
			return SessionView{}, fmt.Errorf("persist initiate data: %w", err)
		}
	}
	result = "ok"
	return SessionView{Session: sess, Status: out.Status}, nil
}

// CreateCardPayment charges a tokenised card for the session. The requested
// amount must equal the session's authoritative amount; a mismatch is
// rejected before any gateway call.
func (s *Service) CreateCardPayment(ctx context.Context, sessionID uuid.UUID, in CardPaymentInput) (SessionView, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateCardPayment")
	defer span.End()

	sess, provider, err := s.load(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	result := "error"
	defer s.countOp(sess.ProviderID, "charge", &result)

	charger, ok := provider.(CardCharger)
	if !ok {
		return SessionView{}, fmt.Errorf("%w: provider %q does not support card charges", ErrValidation, sess.ProviderID)
	}
	if in.Amount != sess.Amount {
		return SessionView{}, &AmountMismatchError{Requested: in.Amount, Expected: sess.Amount}
	}
	out, err := charger.CreateCardPayment(ctx, sess.ID.String(), in)
	if err != nil {
		return SessionView{}, err
	}
	merged, err := s.Store.MergeData(ctx, sess.ID, out.Data)
	if err != nil {
		return SessionView{}, fmt.Errorf("persist charge data: %w", err)
	}
	s.recordEvent(ctx, sess.ID, "charge", out.Data)
	result = string(out.Status)
	return SessionView{Session: merged, Status: out.Status}, nil
}

// RedirectForm is what the storefront needs to hand the customer over to a
// redirect gateway: the signed form fields and the URL to post them to.
type RedirectForm struct {
	URL    string
	Fields map[string]string
}

// CreateRedirectPayment builds the signed redirect form for the session.
// Rebuilding is deterministic for the same session, so repeating the call is
// harmless.
func (s *Service) CreateRedirectPayment(ctx context.Context, sessionID uuid.UUID) (RedirectForm, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateRedirectPayment")
	defer span.End()

	sess, provider, err := s.load(ctx, sessionID)
	if err != nil {
		return RedirectForm{}, err
	}
	result := "error"
	defer s.countOp(sess.ProviderID, "redirect", &result)

	out, err := provider.Initiate(ctx, InitiateRequest{
		SessionID:     sess.ID.String(),
		CorrelationID: sess.CorrelationID,
		Amount:        sess.Amount,
		CurrencyCode:  sess.CurrencyCode,
	})
	if err != nil {
		return RedirectForm{}, err
	}
	if _, err := s.Store.MergeData(ctx, sess.ID, out.Data); err != nil {
		return RedirectForm{}, fmt.Errorf("persist redirect data: %w", err)
	}
	form := RedirectForm{Fields: map[string]string{}}
	for k, v := range out.Data {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if k == "url" {
			form.URL = str
			continue
		}
		form.Fields[k] = str
	}
	if form.URL == "" {
		return RedirectForm{}, fmt.Errorf("%w: provider %q is not redirect based", ErrValidation, sess.ProviderID)
	}
	result = "ok"
	return form, nil
}

// SessionStatus reports the session's derived status for polling clients.
func (s *Service) SessionStatus(ctx context.Context, sessionID uuid.UUID) (SessionView, error) {
	sess, provider, err := s.load(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{Session: sess, Status: provider.Status(sess.Data)}, nil
}

// CaptureSession concludes an authorised session. Safe to repeat; capturing a
// captured session reports CAPTURED without side effects.
func (s *Service) CaptureSession(ctx context.Context, sessionID uuid.UUID) (SessionView, error) {
	return s.runOp(ctx, sessionID, "capture", func(ctx context.Context, p Provider, data Data) (OperationResult, error) {
		return p.Capture(ctx, data)
	})
}

// CancelSession voids the session's payment where the gateway allows it.
func (s *Service) CancelSession(ctx context.Context, sessionID uuid.UUID) (SessionView, error) {
	return s.runOp(ctx, sessionID, "cancel", func(ctx context.Context, p Provider, data Data) (OperationResult, error) {
		return p.Cancel(ctx, data)
	})
}

// RefundSession refunds the session. amount == 0 requests a full refund.
func (s *Service) RefundSession(ctx context.Context, sessionID uuid.UUID, amount int64) (SessionView, error) {
	if amount < 0 {
		return SessionView{}, fmt.Errorf("%w: refund amount must not be negative", ErrValidation)
	}
	return s.runOp(ctx, sessionID, "refund", func(ctx context.Context, p Provider, data Data) (OperationResult, error) {
		return p.Refund(ctx, data, amount)
	})
}

// RetrieveSession returns the gateway's current record merged over the
// session, persisting anything new.
func (s *Service) RetrieveSession(ctx context.Context, sessionID uuid.UUID) (SessionView, error) {
	return s.runOp(ctx, sessionID, "retrieve", func(ctx context.Context, p Provider, data Data) (OperationResult, error) {
		fresh, err := p.Retrieve(ctx, data)
		if err != nil {
			return OperationResult{}, err
		}
		return OperationResult{Status: p.Status(fresh), Data: fresh}, nil
	})
}

func (s *Service) runOp(ctx context.Context, sessionID uuid.UUID, op string, fn func(context.Context, Provider, Data) (OperationResult, error)) (SessionView, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService."+op)
	defer span.End()

	sess, provider, err := s.load(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	result := "error"
	defer s.countOp(sess.ProviderID, op, &result)

	out, err := fn(ctx, provider, sess.Data)
	if err != nil {
		return SessionView{}, err
	}
	merged := sess
	if len(out.Data) > 0 {
		merged, err = s.Store.MergeData(ctx, sess.ID, out.Data)
		if err != nil {
			return SessionView{}, fmt.Errorf("persist %s data: %w", op, err)
		}
	}
	s.recordEvent(ctx, sess.ID, op, out.Data)
	result = string(out.Status)
	return SessionView{Session: merged, Status: out.Status}, nil
}

func (s *Service) load(ctx context.Context, sessionID uuid.UUID) (session.Session, Provider, error) {
	sess, err := s.Store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return session.Session{}, nil, ErrNotFound
		}
		return session.Session{}, nil, fmt.Errorf("load session: %w", err)
	}
	provider, ok := s.Providers[sess.ProviderID]
	if !ok {
		return session.Session{}, nil, fmt.Errorf("%w: session references unknown provider %q", ErrValidation, sess.ProviderID)
	}
	return sess, provider, nil
}

func (s *Service) countOp(providerID, op string, result *string) {
	if obs.PaymentOperationTotal != nil {
		obs.PaymentOperationTotal.WithLabelValues(providerID, op, *result).Inc()
	}
}

func (s *Service) recordEvent(ctx context.Context, sessionID uuid.UUID, op string, data Data) {
	var payload []byte
	if len(data) > 0 {
		payload, _ = json.Marshal(data)
	}
	if err := s.Store.InsertEvent(ctx, sessionID, op, payload); err != nil {
		s.Logger.Warn().Err(err).Stringer("session_id", sessionID).Str("op", op).Msg("record session event")
	}
}
