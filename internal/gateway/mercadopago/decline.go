package mercadopago

import "github.com/tienda-labs/pasarela/internal/payment"

// status_detail values a rejected payment can carry. The raw detail is logged
// but never surfaced; customers only ever see the small decline vocabulary.
var declineByDetail = map[string]payment.DeclineReason{
	"cc_rejected_bad_filled_card_number":   payment.DeclineBadCardNumber,
	"cc_rejected_bad_filled_date":          payment.DeclineBadExpiry,
	"cc_rejected_bad_filled_security_code": payment.DeclineBadSecurityCode,
	"cc_rejected_bad_filled_other":         payment.DeclineGeneric,
	"cc_rejected_insufficient_amount":      payment.DeclineInsufficientFunds,
	"cc_rejected_max_attempts":             payment.DeclineTooManyAttempts,
	"cc_rejected_call_for_authorize":       payment.DeclineBankRejection,
	"cc_rejected_card_disabled":            payment.DeclineBankRejection,
	"cc_rejected_blacklist":                payment.DeclineBankRejection,
	"cc_rejected_high_risk":                payment.DeclineBankRejection,
	"cc_rejected_duplicated_payment":       payment.DeclineGeneric,
	"cc_rejected_other_reason":             payment.DeclineGeneric,
}

// MapDecline folds a gateway status_detail into the decline vocabulary.
func MapDecline(statusDetail string) payment.DeclineReason {
	if reason, ok := declineByDetail[statusDetail]; ok {
		return reason
	}
	return payment.DeclineGeneric
}
