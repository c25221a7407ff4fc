package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tienda-labs/pasarela/internal/session"
)

// SessionStore is the slice of the session store reconciliation needs.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (session.Session, error)
	FindByCorrelation(ctx context.Context, correlationID, providerID string) ([]session.Session, error)
	MergeData(ctx context.Context, id uuid.UUID, patch map[string]any) (session.Session, error)
	InsertEvent(ctx context.Context, sessionID uuid.UUID, action string, payload []byte) error
}

// CaptureEnqueuer schedules an asynchronous capture follow-up for a session.
type CaptureEnqueuer interface {
	EnqueueCapture(ctx context.Context, sessionID uuid.UUID) error
}

// Outcome summarises what reconciliation did with a resolved notification.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeNotFound Outcome = "not_found"
)

// ReconcileResult reports the reconciliation outcome alongside the session's
// post-merge state.
type ReconcileResult struct {
	Outcome Outcome
	Session session.Session
	Status  Status
}

// Reconciler applies resolved webhook actions to local payment sessions. It
// is safe to run twice for the same notification: merges are last-write-wins
// per key and capture on a captured session is a no-op.
type Reconciler struct {
	store     SessionStore
	providers map[string]Provider
	enqueuer  CaptureEnqueuer
	// autoCapture captures immediately on webhook-confirmed authorisation
	// instead of deferring to the follow-up queue.
	autoCapture bool
	logger      zerolog.Logger
}

// NewReconciler wires the reconciler. enqueuer may be nil, in which case a
// deferred capture is simply skipped and left to the next notification.
func NewReconciler(store SessionStore, providers map[string]Provider, enqueuer CaptureEnqueuer, autoCapture bool, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		providers:   providers,
		enqueuer:    enqueuer,
		autoCapture: autoCapture,
		logger:      logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile locates the session a resolved notification refers to, merges the
// decoded gateway data into it and runs the follow-up the action calls for.
// An unmatched or ignored notification is not an error; the webhook boundary
// acknowledges those to stop gateway redelivery.
func (r *Reconciler) Reconcile(ctx context.Context, providerID string, res WebhookActionResult) (ReconcileResult, error) {
	provider, ok := r.providers[providerID]
	if !ok {
		return ReconcileResult{}, fmt.Errorf("%w: unknown provider %q", ErrValidation, providerID)
	}
	if res.Action == ActionIgnore || res.SessionID == "" {
		r.logger.Info().Str("provider", providerID).Str("reason", res.Err).Msg("notification ignored")
		return ReconcileResult{Outcome: OutcomeIgnored}, nil
	}

	sess, found, err := r.lookup(ctx, providerID, res.SessionID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if !found {
		r.logger.Warn().Str("provider", providerID).Str("session_ref", res.SessionID).
			Str("action", string(res.Action)).Msg("no local session for notification")
		return ReconcileResult{Outcome: OutcomeNotFound}, nil
	}

	merged := sess
	if len(res.Data) > 0 {
		merged, err = r.store.MergeData(ctx, sess.ID, res.Data)
		if err != nil {
			return ReconcileResult{}, fmt.Errorf("merge notification data: %w", err)
		}
	}
	r.recordEvent(ctx, sess.ID, res)

	status := provider.Status(merged.Data)
	if res.Action == ActionProcessPayment && status == StatusAuthorized {
		merged, status = r.followUpCapture(ctx, provider, merged)
	}

	r.logger.Info().Str("provider", providerID).Stringer("session_id", merged.ID).
		Str("action", string(res.Action)).Str("status", string(status)).Msg("notification reconciled")
	return ReconcileResult{Outcome: OutcomeApplied, Session: merged, Status: status}, nil
}

// lookup resolves the notification's session reference, which is a local
// session id for the card gateway and a gateway correlation id for the
// redirect gateway. Duplicate correlation matches break the tie on the most
// recently created session.
func (r *Reconciler) lookup(ctx context.Context, providerID, ref string) (session.Session, bool, error) {
	if id, err := uuid.Parse(ref); err == nil {
		sess, err := r.store.GetByID(ctx, id)
		switch {
		case err == nil:
			return sess, true, nil
		case errors.Is(err, session.ErrNotFound):
		default:
			return session.Session{}, false, fmt.Errorf("lookup session: %w", err)
		}
	}
	matches, err := r.store.FindByCorrelation(ctx, ref, providerID)
	if err != nil {
		return session.Session{}, false, fmt.Errorf("lookup session by correlation: %w", err)
	}
	if len(matches) == 0 {
		return session.Session{}, false, nil
	}
	if len(matches) > 1 {
		r.logger.Warn().Str("correlation_id", ref).Str("provider", providerID).Int("matches", len(matches)).
			Msg("multiple sessions share a correlation id, using the most recent")
	}
	return matches[0], true, nil
}

// followUpCapture concludes an authorised payment, either inline or through
// the follow-up queue. Capture failures are logged, never fatal: the gateway
// already confirmed the payment and losing the acknowledgment would only
// cause redelivery.
func (r *Reconciler) followUpCapture(ctx context.Context, provider Provider, sess session.Session) (session.Session, Status) {
	if !r.autoCapture {
		if r.enqueuer != nil {
			if err := r.enqueuer.EnqueueCapture(ctx, sess.ID); err != nil {
				r.logger.Error().Err(err).Stringer("session_id", sess.ID).Msg("enqueue capture follow-up")
			}
		}
		return sess, StatusAuthorized
	}
	out, err := provider.Capture(ctx, sess.Data)
	if err != nil {
		r.logger.Error().Err(err).Stringer("session_id", sess.ID).Msg("capture after authorization")
		return sess, StatusAuthorized
	}
	merged, err := r.store.MergeData(ctx, sess.ID, out.Data)
	if err != nil {
		r.logger.Error().Err(err).Stringer("session_id", sess.ID).Msg("persist capture data")
		return sess, StatusAuthorized
	}
	return merged, out.Status
}

func (r *Reconciler) recordEvent(ctx context.Context, sessionID uuid.UUID, res WebhookActionResult) {
	payload, err := json.Marshal(res.Data)
	if err != nil {
		payload = nil
	}
	if err := r.store.InsertEvent(ctx, sessionID, string(res.Action), payload); err != nil {
		r.logger.Warn().Err(err).Stringer("session_id", sessionID).Msg("record session event")
	}
}
