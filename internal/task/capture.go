package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/tienda-labs/pasarela/internal/obs"
	"github.com/tienda-labs/pasarela/internal/payment"
)

// TypeCaptureFollowUp concludes an authorised payment out of band, after a
// webhook confirmed the authorisation but policy deferred the capture.
const TypeCaptureFollowUp = "payment:capture_follow_up"

type captureFollowUpPayload struct {
	SessionID string `json:"session_id"`
}

// Enqueuer schedules payment follow-up tasks on the asynq queue.
type Enqueuer struct {
	Client *asynq.Client
}

// EnqueueCapture implements payment.CaptureEnqueuer. The session id doubles
// as the task id, so a notification delivered twice enqueues one capture.
func (e Enqueuer) EnqueueCapture(ctx context.Context, sessionID uuid.UUID) error {
	payload, err := json.Marshal(captureFollowUpPayload{SessionID: sessionID.String()})
	if err != nil {
		return fmt.Errorf("encode capture task: %w", err)
	}
	_, err = e.Client.EnqueueContext(ctx, asynq.NewTask(TypeCaptureFollowUp, payload),
		asynq.TaskID("capture:"+sessionID.String()),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue capture task: %w", err)
	}
	return nil
}

// CaptureHandler processes capture follow-up tasks in the worker.
type CaptureHandler struct {
	Svc    *payment.Service
	Logger zerolog.Logger
}

// Handle runs one capture follow-up. A session that is no longer authorised
// (already captured, canceled in the meantime) completes without retry.
func (h CaptureHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var p captureFollowUpPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.count("bad_payload")
		return fmt.Errorf("decode capture payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(p.SessionID)
	if err != nil {
		h.count("bad_payload")
		return fmt.Errorf("invalid session id %q: %w", p.SessionID, asynq.SkipRetry)
	}
	view, err := h.Svc.CaptureSession(ctx, id)
	switch {
	case errors.Is(err, payment.ErrNotFound):
		h.count("not_found")
		h.Logger.Warn().Str("session_id", p.SessionID).Msg("capture follow-up for missing session")
		return nil
	case err != nil:
		h.count("error")
		return fmt.Errorf("capture session %s: %w", p.SessionID, err)
	}
	h.count(string(view.Status))
	h.Logger.Info().Str("session_id", p.SessionID).Str("status", string(view.Status)).
		Msg("capture follow-up complete")
	return nil
}

func (h CaptureHandler) count(result string) {
	if obs.CaptureFollowUpTotal != nil {
		obs.CaptureFollowUpTotal.WithLabelValues(result).Inc()
	}
}
