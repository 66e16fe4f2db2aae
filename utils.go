package settlex

import "fmt"

// ValidatePaymentPayload performs basic structural validation on a payment
// payload. Anything failing here is a validation error and is rejected
// before the verifier or ledger is touched.
func ValidatePaymentPayload(p *PaymentPayload) error {
	if p == nil {
		return fmt.Errorf("payment payload is required")
	}
	if p.X402Version != 1 && p.X402Version != 2 {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	auth := p.Payload.Authorization
	if auth.From == "" || auth.To == "" {
		return fmt.Errorf("authorization from and to are required")
	}
	if auth.Value == "" {
		return fmt.Errorf("authorization value is required")
	}
	if auth.Nonce == "" {
		return fmt.Errorf("authorization nonce is required")
	}
	if p.Payload.Signature.IsZero() {
		return fmt.Errorf("authorization signature is required")
	}
	return nil
}

// ValidatePaymentRequirements performs basic structural validation on payment
// requirements.
func ValidatePaymentRequirements(r *PaymentRequirements) error {
	if r == nil {
		return fmt.Errorf("payment requirements are required")
	}
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	if r.MaxAmountRequired == "" {
		return fmt.Errorf("payment amount is required")
	}
	return nil
}
