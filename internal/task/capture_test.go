package task

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tienda-labs/pasarela/internal/payment"
	"github.com/tienda-labs/pasarela/internal/session"
)

type memStore struct {
	sessions map[uuid.UUID]*session.Session
	failGet  error
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (session.Session, error) {
	if s.failGet != nil {
		return session.Session{}, s.failGet
	}
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return *sess, nil
}

func (s *memStore) FindByCorrelation(_ context.Context, _, _ string) ([]session.Session, error) {
	return nil, nil
}

func (s *memStore) MergeData(_ context.Context, id uuid.UUID, patch map[string]any) (session.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	for k, v := range patch {
		sess.Data[k] = v
	}
	return *sess, nil
}

func (s *memStore) InsertEvent(_ context.Context, _ uuid.UUID, _ string, _ []byte) error {
	return nil
}

func (s *memStore) Create(_ context.Context, _ session.CreateParams) (session.Session, error) {
	return session.Session{}, errors.New("not used")
}

type captureProvider struct {
	captures int
}

func (p *captureProvider) ID() string { return "stub" }

func (p *captureProvider) Initiate(_ context.Context, _ payment.InitiateRequest) (payment.OperationResult, error) {
	return payment.OperationResult{Status: payment.StatusPending}, nil
}

func (p *captureProvider) Authorize(_ context.Context, data payment.Data) (payment.OperationResult, error) {
	return payment.OperationResult{Status: p.Status(data)}, nil
}

func (p *captureProvider) Capture(_ context.Context, _ payment.Data) (payment.OperationResult, error) {
	p.captures++
	return payment.OperationResult{Status: payment.StatusCaptured, Data: payment.Data{"status": "CAPTURED"}}, nil
}

func (p *captureProvider) Cancel(_ context.Context, _ payment.Data) (payment.OperationResult, error) {
	return payment.OperationResult{Status: payment.StatusCanceled}, nil
}

func (p *captureProvider) Refund(_ context.Context, _ payment.Data, _ int64) (payment.OperationResult, error) {
	return payment.OperationResult{Status: payment.StatusRefunded}, nil
}

func (p *captureProvider) Retrieve(_ context.Context, data payment.Data) (payment.Data, error) {
	return data, nil
}

func (p *captureProvider) Status(data payment.Data) payment.Status {
	if s, _ := data["status"].(string); s != "" {
		return payment.Status(s)
	}
	return payment.StatusPending
}

func (p *captureProvider) ResolveWebhook(_ context.Context, _ payment.Notification) payment.WebhookActionResult {
	return payment.WebhookActionResult{Action: payment.ActionIgnore}
}

func captureFixture() (CaptureHandler, *memStore, *captureProvider) {
	store := &memStore{sessions: map[uuid.UUID]*session.Session{}}
	provider := &captureProvider{}
	svc := &payment.Service{
		Store:     store,
		Providers: map[string]payment.Provider{"stub": provider},
		Logger:    zerolog.Nop(),
	}
	return CaptureHandler{Svc: svc, Logger: zerolog.Nop()}, store, provider
}

func TestCaptureHandlerCapturesSession(t *testing.T) {
	h, store, provider := captureFixture()
	id := uuid.New()
	store.sessions[id] = &session.Session{ID: id, ProviderID: "stub", Data: map[string]any{"status": "AUTHORIZED"}}

	task := asynq.NewTask(TypeCaptureFollowUp, []byte(`{"session_id":"`+id.String()+`"}`))
	require.NoError(t, h.Handle(context.Background(), task))
	assert.Equal(t, 1, provider.captures)
	assert.Equal(t, "CAPTURED", store.sessions[id].Data["status"])
}

func TestCaptureHandlerSkipsBadPayload(t *testing.T) {
	h, _, _ := captureFixture()

	err := h.Handle(context.Background(), asynq.NewTask(TypeCaptureFollowUp, []byte(`{`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = h.Handle(context.Background(), asynq.NewTask(TypeCaptureFollowUp, []byte(`{"session_id":"nope"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestCaptureHandlerMissingSessionCompletes(t *testing.T) {
	h, _, _ := captureFixture()
	task := asynq.NewTask(TypeCaptureFollowUp, []byte(`{"session_id":"`+uuid.NewString()+`"}`))
	require.NoError(t, h.Handle(context.Background(), task))
}

func TestCaptureHandlerStoreFailureRetries(t *testing.T) {
	h, store, _ := captureFixture()
	store.failGet = errors.New("connection reset")
	task := asynq.NewTask(TypeCaptureFollowUp, []byte(`{"session_id":"`+uuid.NewString()+`"}`))
	err := h.Handle(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}
