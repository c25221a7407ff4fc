package payment

// DeclineReason is the small user-facing vocabulary for gateway rejections.
// Raw gateway internals are never shown to the customer; unmapped reasons
// collapse into DeclineGeneric.
type DeclineReason string

const (
	DeclineBadCardNumber     DeclineReason = "bad_card_number"
	DeclineBadExpiry         DeclineReason = "bad_expiry"
	DeclineBadSecurityCode   DeclineReason = "bad_security_code"
	DeclineInsufficientFunds DeclineReason = "insufficient_funds"
	DeclineTooManyAttempts   DeclineReason = "too_many_attempts"
	DeclineBankRejection     DeclineReason = "bank_rejection"
	DeclineGeneric           DeclineReason = "generic_decline"
)

var declineMessages = map[DeclineReason]string{
	DeclineBadCardNumber:     "The card number looks wrong. Please check it and try again.",
	DeclineBadExpiry:         "The card expiry date looks wrong. Please check it and try again.",
	DeclineBadSecurityCode:   "The card security code looks wrong. Please check it and try again.",
	DeclineInsufficientFunds: "The card has insufficient funds for this payment.",
	DeclineTooManyAttempts:   "Too many attempts. Please wait a moment before trying again.",
	DeclineBankRejection:     "Your bank declined the payment. Contact your bank or try another card.",
	DeclineGeneric:           "The payment was declined. Please try again or use another payment method.",
}

// Message returns the customer-facing text for the reason.
func (r DeclineReason) Message() string {
	if msg, ok := declineMessages[r]; ok {
		return msg
	}
	return declineMessages[DeclineGeneric]
}
