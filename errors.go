package settlex

import "fmt"

// Machine-readable reason codes surfaced to callers. Authorization and ledger
// reasons are terminal for the presented authorization; a caller must obtain
// a fresh one. ReasonTimedOut is ambiguous: confirmation may still land, so
// callers must disambiguate by nonce state rather than assume failure.
const (
	// Authorization reasons (verifier, short-circuit order).
	ReasonNotYetValid      = "not-yet-valid"
	ReasonExpired          = "expired"
	ReasonAlreadyUsed      = "already-used"
	ReasonInvalidSignature = "invalid-signature"

	// Request validation reasons (rejected before the verifier or ledger).
	ReasonInvalidPayload     = "invalid-payload"
	ReasonUnsupportedScheme  = "unsupported-scheme"
	ReasonUnsupportedNetwork = "unsupported-network"
	ReasonNetworkMismatch    = "network-mismatch"
	ReasonRecipientMismatch  = "recipient-mismatch"
	ReasonInsufficientAmount = "insufficient-amount"
	ReasonInsufficientFunds  = "insufficient-funds"

	// Ledger reasons.
	ReasonRejected = "rejected"
	ReasonTimedOut = "timed-out"
)

// PaymentError is a payment-specific error with a machine-readable code.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{Code: code, Message: message, Details: details}
}
