// Package storage durably publishes compliance receipts to a
// content-addressed storage network with erasure-coded redundancy.
package storage

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-foundation/settlex"
)

// MarshalReceipt serializes a receipt deterministically: fixed field order,
// no HTML escaping, no trailing newline. The same receipt always produces
// the same bytes, so the content digest is stable.
func MarshalReceipt(receipt *settlex.Receipt) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(receipt); err != nil {
		return nil, fmt.Errorf("failed to serialize receipt: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ContentDigest computes the keccak-256 integrity digest of serialized
// receipt bytes as a 0x-prefixed hex string.
func ContentDigest(data []byte) string {
	return "0x" + hex.EncodeToString(crypto.Keccak256(data))
}
