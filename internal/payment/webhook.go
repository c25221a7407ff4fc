package payment

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tienda-labs/pasarela/internal/common"
	"github.com/tienda-labs/pasarela/internal/obs"
)

const maxNotificationBytes = 1 << 20

// Webhook receives gateway notifications, guards against replays and hands
// the resolved action to the reconciler.
//
// Response contract: 200 for anything structurally processed, including
// ignored actions, duplicates and sessions we cannot find; gateways treat
// non-2xx as an invitation to redeliver, and a redelivery storm helps nobody.
// 4xx is reserved for unreadable requests and 5xx for internal faults where
// redelivery is genuinely wanted.
type Webhook struct {
	Reconciler *Reconciler
	Providers  map[string]Provider
	Replay     *redis.Client
	ReplayTTL  time.Duration
	Logger     zerolog.Logger
}

// Handle processes one gateway notification.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	provider, ok := h.Providers[providerKey]
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	n := Notification{Headers: r.Header, Body: body, Form: formValues(r.Header.Get("Content-Type"), body)}

	if h.seenBefore(r.Context(), providerKey, body) {
		h.count(providerKey, "duplicate")
		common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	result := provider.ResolveWebhook(r.Context(), n)
	if result.Err != "" {
		h.Logger.Info().Str("provider", providerKey).Str("reason", result.Err).Msg("notification not actionable")
	}
	outcome, err := h.Reconciler.Reconcile(r.Context(), providerKey, result)
	if err != nil {
		h.count(providerKey, "error")
		h.Logger.Error().Err(err).Str("provider", providerKey).Msg("reconcile notification")
		common.JSONError(w, http.StatusInternalServerError, "RECONCILE_ERROR", "internal failure, safe to redeliver", nil)
		return
	}
	// Mark the body as seen only after it was actually processed, and never
	// for ignored deliveries: a failed delivery must stay eligible for
	// redelivery, and an unauthenticated guess of the body (the signature
	// travels in headers) must not block the genuine signed notification.
	if outcome.Outcome != OutcomeIgnored {
		h.markSeen(r.Context(), providerKey, body)
	}
	h.count(providerKey, string(outcome.Outcome))
	common.JSON(w, http.StatusOK, map[string]string{"status": string(outcome.Outcome)})
}

// seenBefore reports whether an identical body was already processed. A redis
// outage fails open: reconciliation is idempotent, so processing a duplicate
// is safer than rejecting a first delivery.
func (h Webhook) seenBefore(ctx context.Context, providerKey string, body []byte) bool {
	if h.Replay == nil || h.ReplayTTL <= 0 {
		return false
	}
	seen, err := h.Replay.Exists(ctx, h.replayKey(providerKey, body)).Result()
	if err != nil {
		h.Logger.Warn().Err(err).Str("provider", providerKey).Msg("replay guard unavailable, processing anyway")
		return false
	}
	return seen > 0
}

func (h Webhook) markSeen(ctx context.Context, providerKey string, body []byte) {
	if h.Replay == nil || h.ReplayTTL <= 0 {
		return
	}
	if err := h.Replay.SetNX(ctx, h.replayKey(providerKey, body), "1", h.ReplayTTL).Err(); err != nil {
		h.Logger.Warn().Err(err).Str("provider", providerKey).Msg("record replay key")
	}
}

func (h Webhook) replayKey(providerKey string, body []byte) string {
	return fmt.Sprintf("wh:%s:%s", providerKey, common.Sha256Hex(string(body)))
}

func (h Webhook) count(providerKey, result string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(providerKey, result).Inc()
	}
}

// formValues parses a form-encoded notification body without consuming the
// request body, so the raw bytes stay available for hashing and forensics.
func formValues(contentType string, body []byte) url.Values {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || mt != "application/x-www-form-urlencoded" {
		return url.Values{}
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return url.Values{}
	}
	return values
}
