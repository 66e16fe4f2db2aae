package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/x402-foundation/settlex"
)

// EIP-712 primary types for the three authorization messages.
const (
	PrimaryTypeTransfer = "TransferWithAuthorization"
	PrimaryTypeReceive  = "ReceiveWithAuthorization"
	PrimaryTypeCancel   = "CancelAuthorization"
)

// Domain is the EIP-712 domain separator: contract name, version, and target
// network identity.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// PrimaryTypeFor maps a submit style to the EIP-712 message type the signer
// must have used.
func PrimaryTypeFor(style settlex.SubmitStyle) string {
	if style == settlex.SubmitStyleReceive {
		return PrimaryTypeReceive
	}
	return PrimaryTypeTransfer
}

func authorizationFields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	}
}

func domainFields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
}

// hashTypedData computes keccak256("\x19\x01" || domainSeparator || structHash).
func hashTypedData(domain Domain, types apitypes.Types, primaryType string, message map[string]interface{}) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       types,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// HashAuthorization recomputes the canonical signing digest for a transfer
// authorization under the given domain and style.
func HashAuthorization(auth settlex.Authorization, domain Domain, style settlex.SubmitStyle) ([]byte, error) {
	primaryType := PrimaryTypeFor(style)
	types := apitypes.Types{
		"EIP712Domain": domainFields(),
		primaryType:    authorizationFields(),
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := HexToBytes32(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	message := map[string]interface{}{
		"from":        common.HexToAddress(auth.From).Hex(),
		"to":          common.HexToAddress(auth.To).Hex(),
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes[:],
	}

	return hashTypedData(domain, types, primaryType, message)
}

// HashCancelAuthorization recomputes the signing digest for a cancellation.
func HashCancelAuthorization(authorizer, nonce string, domain Domain) ([]byte, error) {
	types := apitypes.Types{
		"EIP712Domain": domainFields(),
		PrimaryTypeCancel: []apitypes.Type{
			{Name: "authorizer", Type: "address"},
			{Name: "nonce", Type: "bytes32"},
		},
	}

	nonceBytes, err := HexToBytes32(nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	message := map[string]interface{}{
		"authorizer": common.HexToAddress(authorizer).Hex(),
		"nonce":      nonceBytes[:],
	}

	return hashTypedData(domain, types, PrimaryTypeCancel, message)
}

// RecoverSigner recovers the signing address from a digest and a canonical
// 65-byte signature. Accepts both 0/1 and 27/28 recovery ids.
func RecoverSigner(digest []byte, sig settlex.Signature) (string, error) {
	raw := make([]byte, 65)
	copy(raw, sig[:])
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pubKey, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return "", fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}

func addressArg(s string) common.Address {
	return common.HexToAddress(s)
}

// HexToBytes32 parses a 32-byte hex string, with or without 0x prefix.
func HexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
