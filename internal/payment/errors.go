package payment

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying payment failures. Handlers translate these to
// HTTP statuses; the webhook boundary acknowledges most of them with 200 to
// stop gateway redelivery.
var (
	// ErrValidation covers malformed input and amount mismatches, rejected
	// before any gateway call.
	ErrValidation = errors.New("validation failed")
	// ErrAuthenticity marks a notification whose signature check failed.
	ErrAuthenticity = errors.New("signature verification failed")
	// ErrNotFound marks a missing local payment session.
	ErrNotFound = errors.New("payment session not found")
	// ErrGateway marks a provider API failure or unexpected response shape.
	ErrGateway = errors.New("gateway error")
)

// DecodeError reports a malformed provider parameter blob. The raw payload is
// kept for forensic logging, never for further processing.
type DecodeError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: decode notification: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: decode notification: %s", e.Provider, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError checks whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}

// AmountMismatchError rejects a charge whose requested amount differs from
// the session's authoritative amount.
type AmountMismatchError struct {
	Requested int64
	Expected  int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch: got %d expected %d", e.Requested, e.Expected)
}

func (e *AmountMismatchError) Unwrap() error { return ErrValidation }
