package redsys

import (
	"strconv"

	"github.com/tienda-labs/pasarela/internal/payment"
)

// Response code semantics: 0-99 authorised, 900 refund confirmed, 400 void
// confirmed, anything else at or above 100 is a rejection. The mapper is
// total; an absent or unparseable code is PENDING, since treating unknown as
// terminal risks dropping a legitimate payment.

// MapStatus translates a raw Ds_Response value into the canonical status.
func MapStatus(code string) payment.Status {
	if code == "" {
		return payment.StatusPending
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 0 {
		return payment.StatusPending
	}
	switch {
	case n <= 99:
		return payment.StatusAuthorized
	case n == 900, n == 400:
		return payment.StatusCanceled
	default:
		return payment.StatusError
	}
}
