package mercadopago

import "github.com/tienda-labs/pasarela/internal/payment"

// Gateway status vocabulary: approved and in_mediation both mean the money
// moved; a mediation dispute does not un-capture a payment. A refunded charge
// maps to CANCELED here because the gateway reports it as the payment's end
// state; the REFUNDED canonical status is set by the refund operation itself.

// MapStatus translates a gateway payment status into the canonical status.
func MapStatus(status string) payment.Status {
	switch status {
	case "approved", "in_mediation":
		return payment.StatusCaptured
	case "authorized":
		return payment.StatusAuthorized
	case "cancelled", "refunded":
		return payment.StatusCanceled
	case "rejected":
		return payment.StatusError
	default:
		return payment.StatusPending
	}
}
