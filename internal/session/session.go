package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is the local record of one attempt to pay for one order/cart. The
// host commerce framework owns the lifecycle; this service only merges
// gateway data into it. Canonical status is always derived from Data by the
// owning provider's status mapper and never persisted, so it cannot drift.
type Session struct {
	ID            uuid.UUID
	ProviderID    string
	CorrelationID string
	Amount        int64
	CurrencyCode  string
	Data          map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateParams registers a new payment session.
type CreateParams struct {
	ProviderID    string
	CorrelationID string
	Amount        int64
	CurrencyCode  string
	Data          map[string]any
}
