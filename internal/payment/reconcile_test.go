package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tienda-labs/pasarela/internal/session"
)

// stubStore keeps sessions in memory and mirrors the JSONB merge semantics of
// the real store.
type stubStore struct {
	sessions map[uuid.UUID]*session.Session
	// ordered lists returned per correlation id, most recent first
	correlations map[string][]uuid.UUID
	events       []string
	failFind     error
	mergeCalls   int
}

func newStubStore() *stubStore {
	return &stubStore{
		sessions:     map[uuid.UUID]*session.Session{},
		correlations: map[string][]uuid.UUID{},
	}
}

func (s *stubStore) add(sess session.Session) {
	cp := sess
	if cp.Data == nil {
		cp.Data = map[string]any{}
	}
	s.sessions[cp.ID] = &cp
	s.correlations[cp.CorrelationID] = append([]uuid.UUID{cp.ID}, s.correlations[cp.CorrelationID]...)
}

func (s *stubStore) GetByID(_ context.Context, id uuid.UUID) (session.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return *sess, nil
}

func (s *stubStore) FindByCorrelation(_ context.Context, correlationID, providerID string) ([]session.Session, error) {
	if s.failFind != nil {
		return nil, s.failFind
	}
	var out []session.Session
	for _, id := range s.correlations[correlationID] {
		if sess := s.sessions[id]; sess != nil && sess.ProviderID == providerID {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *stubStore) MergeData(_ context.Context, id uuid.UUID, patch map[string]any) (session.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	for k, v := range patch {
		sess.Data[k] = v
	}
	sess.UpdatedAt = time.Now()
	s.mergeCalls++
	return *sess, nil
}

func (s *stubStore) InsertEvent(_ context.Context, _ uuid.UUID, action string, _ []byte) error {
	s.events = append(s.events, action)
	return nil
}

func (s *stubStore) Create(_ context.Context, p session.CreateParams) (session.Session, error) {
	sess := session.Session{
		ID:            uuid.New(),
		ProviderID:    p.ProviderID,
		CorrelationID: p.CorrelationID,
		Amount:        p.Amount,
		CurrencyCode:  p.CurrencyCode,
		Data:          map[string]any{},
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	for k, v := range p.Data {
		sess.Data[k] = v
	}
	s.add(sess)
	return sess, nil
}

// stubProvider derives status from the "status" data key and counts capture
// calls. Capture flips the status to CAPTURED the way the real providers do.
type stubProvider struct {
	id           string
	captureCalls int
	initiateData Data
	initiateErr  error
	resolve      WebhookActionResult
}

func (p *stubProvider) ID() string { return p.id }

func (p *stubProvider) Initiate(_ context.Context, _ InitiateRequest) (OperationResult, error) {
	if p.initiateErr != nil {
		return OperationResult{}, p.initiateErr
	}
	return OperationResult{Status: StatusPending, Data: CloneData(p.initiateData)}, nil
}

func (p *stubProvider) Authorize(_ context.Context, data Data) (OperationResult, error) {
	return OperationResult{Status: p.Status(data)}, nil
}

func (p *stubProvider) Capture(_ context.Context, data Data) (OperationResult, error) {
	p.captureCalls++
	return OperationResult{Status: StatusCaptured, Data: Data{"status": string(StatusCaptured)}}, nil
}

func (p *stubProvider) Cancel(_ context.Context, data Data) (OperationResult, error) {
	return OperationResult{Status: StatusCanceled, Data: Data{"status": string(StatusCanceled)}}, nil
}

func (p *stubProvider) Refund(_ context.Context, data Data, amount int64) (OperationResult, error) {
	return OperationResult{Status: StatusRefunded, Data: Data{"status": string(StatusRefunded)}}, nil
}

func (p *stubProvider) Retrieve(_ context.Context, data Data) (Data, error) {
	return CloneData(data), nil
}

func (p *stubProvider) Status(data Data) Status {
	if s := Status(StringField(data, "status")); s.Valid() {
		return s
	}
	return StatusPending
}

func (p *stubProvider) ResolveWebhook(_ context.Context, _ Notification) WebhookActionResult {
	return p.resolve
}

type stubEnqueuer struct {
	enqueued []uuid.UUID
	err      error
}

func (e *stubEnqueuer) EnqueueCapture(_ context.Context, id uuid.UUID) error {
	if e.err != nil {
		return e.err
	}
	e.enqueued = append(e.enqueued, id)
	return nil
}

func reconcilerFixture(autoCapture bool) (*Reconciler, *stubStore, *stubProvider, *stubEnqueuer) {
	store := newStubStore()
	provider := &stubProvider{id: "stub"}
	enq := &stubEnqueuer{}
	rec := NewReconciler(store, map[string]Provider{"stub": provider}, enq, autoCapture, zerolog.Nop())
	return rec, store, provider, enq
}

func TestReconcileCapturesConfirmedPayment(t *testing.T) {
	rec, store, provider, _ := reconcilerFixture(true)
	sess := session.Session{ID: uuid.New(), ProviderID: "stub", CorrelationID: "order-1", Amount: 2500, CurrencyCode: "EUR"}
	store.add(sess)

	res, err := rec.Reconcile(context.Background(), "stub", WebhookActionResult{
		Action:    ActionProcessPayment,
		SessionID: sess.ID.String(),
		Data:      Data{"status": string(StatusAuthorized), "gateway_ref": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, StatusCaptured, res.Status)
	assert.Equal(t, 1, provider.captureCalls)
	assert.Equal(t, "abc", res.Session.Data["gateway_ref"])
	assert.Equal(t, []string{string(ActionProcessPayment)}, store.events)
}

func TestReconcileIsIdempotentOnCapturedSession(t *testing.T) {
	rec, store, provider, _ := reconcilerFixture(true)
	sess := session.Session{ID: uuid.New(), ProviderID: "stub", CorrelationID: "order-2",
		Data: map[string]any{"status": string(StatusCaptured)}}
	store.add(sess)

	res, err := rec.Reconcile(context.Background(), "stub", WebhookActionResult{
		Action:    ActionProcessPayment,
		SessionID: sess.ID.String(),
		Data:      Data{"status": string(StatusCaptured)},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, StatusCaptured, res.Status)
	assert.Zero(t, provider.captureCalls)
}

func TestReconcileDefersCaptureToQueue(t *testing.T) {
	rec, store, provider, enq := reconcilerFixture(false)
	sess := session.Session{ID: uuid.New(), ProviderID: "stub", CorrelationID: "order-3"}
	store.add(sess)

	res, err := rec.Reconcile(context.Background(), "stub", WebhookActionResult{
		Action:    ActionProcessPayment,
		SessionID: sess.ID.String(),
		Data:      Data{"status": string(StatusAuthorized)},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, res.Status)
	assert.Zero(t, provider.captureCalls)
	require.Len(t, enq.enqueued, 1)
	assert.Equal(t, sess.ID, enq.enqueued[0])
}

func TestReconcileIgnoresNonActionable(t *testing.T) {
	rec, _, _, _ := reconcilerFixture(true)

	res, err := rec.Reconcile(context.Background(), "stub", WebhookActionResult{
		Action: ActionIgnore,
		Err:    "unhandled response code 9915",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = rec.Reconcile(context.Background(), "stub", WebhookActionResult{
		Action: ActionProcessPayment,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome, "empty session reference is not actionable")
}

func TestReconcileUnknownProvider(t *testing.T) {
	rec, _, _, _ := reconcilerFixture(true)
	_, err := rec.Reconcile(context.Background(), "nope", WebhookActionResult{Action: ActionProcessPayment, SessionID: "x"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestReconcileUnmatchedNotification(t *testing.T) {
	rec, _, _, _ := reconcilerFixture(true)
	res, err := rec.Reconcile(context.Background(), "stub", WebhookActionResult{
		Action:    ActionProcessPayment,
		SessionID: "000000000123",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

func TestReconcileCorrelationTieBreak(t *testing.T) {
	rec, store, _, _ := reconcilerFixture(true)
	older := session.Session{ID: uuid.New(), ProviderID: "stub", CorrelationID: "000000000777", CreatedAt: time.Now().Add(-time.Hour)}
	newer := session.Session{ID: uuid.New(), ProviderID: "stub", CorrelationID: "000000000777", CreatedAt: time.Now()}
	store.add(older)
	store.add(newer)

	res, err := rec.Reconcile(context.Background(), "stub", WebhookActionResult{
		Action:    ActionProcessRefund,
		SessionID: "000000000777",
		Data:      Data{"status": string(StatusCanceled)},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, newer.ID, res.Session.ID, "most recent session wins the tie")
}

func TestReconcileStoreFailureIsAnError(t *testing.T) {
	rec, store, _, _ := reconcilerFixture(true)
	store.failFind = errors.New("connection reset")

	_, err := rec.Reconcile(context.Background(), "stub", WebhookActionResult{
		Action:    ActionProcessPayment,
		SessionID: "000000000555",
	})
	require.Error(t, err)
}
