package payment

// Status is the canonical payment status used across providers. Gateways speak
// their own vocabulary; everything is translated into this enum exactly once,
// by the provider's status mapper, and never stored redundantly.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusCaptured   Status = "CAPTURED"
	StatusCanceled   Status = "CANCELED"
	StatusError      Status = "ERROR"
	StatusRefunded   Status = "REFUNDED"
)

// Terminal reports whether the status ends the common payment path.
func (s Status) Terminal() bool {
	switch s {
	case StatusCaptured, StatusCanceled, StatusError, StatusRefunded:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAuthorized, StatusCaptured, StatusCanceled, StatusError, StatusRefunded:
		return true
	default:
		return false
	}
}

// CapturedAtKey marks a locally concluded capture inside session data. Both
// supported gateways auto-capture on authorization, so capture is a local
// transition; the marker lets the status mapper upgrade AUTHORIZED to
// CAPTURED without fabricating gateway response fields.
const CapturedAtKey = "captured_at"
