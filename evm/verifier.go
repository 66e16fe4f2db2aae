package evm

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/x402-foundation/settlex"
)

// NonceReader is the read-only slice of the ledger the verifier needs: the
// replay registry and spendable balances. Reads never mutate ledger state, so
// verification stays pure and idempotent.
type NonceReader interface {
	AuthorizationState(ctx context.Context, authorizer, nonce string) (bool, error)
	Balance(ctx context.Context, account string) (*big.Int, error)
}

// Verifier validates signed transfer authorizations against time-window,
// replay, and signature rules without side effects.
type Verifier struct {
	ledger NonceReader
}

// NewVerifier creates a verifier backed by the given ledger reads.
func NewVerifier(ledger NonceReader) *Verifier {
	return &Verifier{ledger: ledger}
}

// Verify checks the authorization in order: requirements consistency, time
// window, nonce state, signature, then payer balance. The first failing rule
// short-circuits with its reason. Rule failures are reported in-band; an
// error return means the check itself could not be performed.
func (v *Verifier) Verify(
	ctx context.Context,
	payload *settlex.PaymentPayload,
	requirements *settlex.PaymentRequirements,
	now time.Time,
) (settlex.VerifyResponse, error) {
	if reason, ok := checkRequirements(payload, requirements); !ok {
		return invalid(reason), nil
	}

	auth := payload.Payload.Authorization

	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return invalid(settlex.ReasonInvalidPayload), nil
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return invalid(settlex.ReasonInvalidPayload), nil
	}
	if now.Unix() < validAfter {
		return invalid(settlex.ReasonNotYetValid), nil
	}
	if now.Unix() > validBefore {
		return invalid(settlex.ReasonExpired), nil
	}

	used, err := v.ledger.AuthorizationState(ctx, auth.From, auth.Nonce)
	if err != nil {
		return settlex.VerifyResponse{}, fmt.Errorf("failed to check nonce state: %w", err)
	}
	if used {
		return invalid(settlex.ReasonAlreadyUsed), nil
	}

	domain, style, err := DomainFor(requirements)
	if err != nil {
		return invalid(settlex.ReasonUnsupportedNetwork), nil
	}
	digest, err := HashAuthorization(auth, domain, style)
	if err != nil {
		return invalid(settlex.ReasonInvalidPayload), nil
	}
	signer, err := RecoverSigner(digest, payload.Payload.Signature)
	if err != nil {
		return invalid(settlex.ReasonInvalidSignature), nil
	}
	if !strings.EqualFold(signer, auth.From) {
		return invalid(settlex.ReasonInvalidSignature), nil
	}

	authValue, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid(settlex.ReasonInvalidPayload), nil
	}
	balance, err := v.ledger.Balance(ctx, auth.From)
	if err != nil {
		return settlex.VerifyResponse{}, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.Cmp(authValue) < 0 {
		return invalid(settlex.ReasonInsufficientFunds), nil
	}

	return settlex.VerifyResponse{IsValid: true, Payer: auth.From}, nil
}

// checkRequirements validates that the payload satisfies the payment
// requirements it claims to pay for.
func checkRequirements(payload *settlex.PaymentPayload, requirements *settlex.PaymentRequirements) (string, bool) {
	if payload.Scheme != settlex.SchemeExact || requirements.Scheme != settlex.SchemeExact {
		return settlex.ReasonUnsupportedScheme, false
	}
	if payload.Network != requirements.Network {
		return settlex.ReasonNetworkMismatch, false
	}
	if !IsValidNetwork(requirements.Network) {
		return settlex.ReasonUnsupportedNetwork, false
	}

	auth := payload.Payload.Authorization
	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return settlex.ReasonRecipientMismatch, false
	}

	authValue, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return settlex.ReasonInvalidPayload, false
	}
	requiredValue, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return settlex.ReasonInvalidPayload, false
	}
	if authValue.Cmp(requiredValue) < 0 {
		return settlex.ReasonInsufficientAmount, false
	}

	return "", true
}

// DomainFor resolves the EIP-712 domain and submit style for a set of
// requirements. Token name and version default from the network config and
// may be overridden via requirements extra.
func DomainFor(requirements *settlex.PaymentRequirements) (Domain, settlex.SubmitStyle, error) {
	config, ok := GetNetworkConfig(requirements.Network)
	if !ok {
		return Domain{}, "", fmt.Errorf("unsupported network: %s", requirements.Network)
	}

	name := config.DefaultAsset.Name
	version := config.DefaultAsset.Version
	style := settlex.SubmitStyleTransfer
	if requirements.Extra != nil {
		if requirements.Extra.Name != "" {
			name = requirements.Extra.Name
		}
		if requirements.Extra.Version != "" {
			version = requirements.Extra.Version
		}
		if requirements.Extra.TransferMode == string(settlex.SubmitStyleReceive) {
			style = settlex.SubmitStyleReceive
		}
	}

	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           config.ChainID,
		VerifyingContract: requirements.Asset,
	}, style, nil
}

func invalid(reason string) settlex.VerifyResponse {
	return settlex.VerifyResponse{IsValid: false, InvalidReason: reason}
}
