// Package settlex implements a facilitator for a pull-based HTTP payment
// protocol: it verifies signed EIP-3009 transfer authorizations, settles them
// against an on-chain ledger, and optionally produces durable compliance
// receipts without adding a second round trip.
package settlex

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SchemeExact is the only payment scheme this facilitator settles.
const SchemeExact = "exact"

// Authorization is a signed, time-bounded, single-use instruction permitting
// a value transfer without the signer submitting a transaction themselves.
// All numeric fields are decimal strings; Nonce is a 32-byte hex string.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Signature is the canonical 65-byte (r || s || v) authorization signature.
// On the wire it appears either as a packed hex string or as a structured
// {v, r, s} object; both decode to this one internal form.
type Signature [65]byte

type vrsSignature struct {
	V json.Number `json:"v"`
	R string      `json:"r"`
	S string      `json:"s"`
}

// UnmarshalJSON accepts both signature encodings.
func (sig *Signature) UnmarshalJSON(data []byte) error {
	var packed string
	if err := json.Unmarshal(data, &packed); err == nil {
		raw, err := hex.DecodeString(strings.TrimPrefix(packed, "0x"))
		if err != nil {
			return fmt.Errorf("invalid packed signature: %w", err)
		}
		if len(raw) != 65 {
			return fmt.Errorf("invalid signature length: %d", len(raw))
		}
		copy(sig[:], raw)
		return nil
	}

	var parts vrsSignature
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("signature must be a hex string or a {v,r,s} object")
	}
	v, err := parts.V.Int64()
	if err != nil {
		return fmt.Errorf("invalid signature v: %w", err)
	}
	r, err := hex.DecodeString(strings.TrimPrefix(parts.R, "0x"))
	if err != nil || len(r) != 32 {
		return fmt.Errorf("invalid signature r")
	}
	s, err := hex.DecodeString(strings.TrimPrefix(parts.S, "0x"))
	if err != nil || len(s) != 32 {
		return fmt.Errorf("invalid signature s")
	}
	copy(sig[0:32], r)
	copy(sig[32:64], s)
	sig[64] = byte(v)
	return nil
}

// MarshalJSON always emits the packed hex form.
func (sig Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(sig[:]))
}

// VRS splits the signature into its on-chain calldata components.
func (sig Signature) VRS() (v byte, r [32]byte, s [32]byte) {
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	return sig[64], r, s
}

// IsZero reports whether no signature was supplied.
func (sig Signature) IsZero() bool {
	return sig == Signature{}
}

// ExactPayload is the scheme payload carried inside a PaymentPayload.
type ExactPayload struct {
	Signature     Signature     `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the client's payment message.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// PaymentExtra carries the token EIP-712 domain info needed to recompute the
// signing digest.
type PaymentExtra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	// TransferMode selects the ledger entry point: "transfer" (default, any
	// submitter may relay) or "receive" (only the declared recipient may
	// submit).
	TransferMode string `json:"transferMode,omitempty"`
}

// PaymentRequirements describes what the resource server demands in exchange
// for access to a resource.
type PaymentRequirements struct {
	Scheme            string        `json:"scheme"`
	Network           string        `json:"network"`
	MaxAmountRequired string        `json:"maxAmountRequired"`
	Resource          string        `json:"resource"`
	Description       string        `json:"description,omitempty"`
	MimeType          string        `json:"mimeType,omitempty"`
	PayTo             string        `json:"payTo"`
	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds,omitempty"`
	Asset             string        `json:"asset"`
	Extra             *PaymentExtra `json:"extra,omitempty"`
}

// CompliancePayer identifies the paying entity for regulatory purposes.
type CompliancePayer struct {
	Jurisdiction string `json:"jurisdiction"`
	EntityType   string `json:"entityType"`
	EntityName   string `json:"entityName"`
	TaxID        string `json:"taxId,omitempty"`
	Email        string `json:"email"`
}

// ComplianceMerchant identifies the receiving merchant.
type ComplianceMerchant struct {
	Name    string `json:"name"`
	TaxID   string `json:"taxId"`
	Address string `json:"address"`
}

// LineItem is a single purchased item. Totals are caller-supplied and carried
// verbatim onto the receipt.
type LineItem struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	Total       string `json:"total"`
}

// CompliancePreferences selects receipt presentation options.
type CompliancePreferences struct {
	Currency string `json:"currency"`
	Language string `json:"language,omitempty"`
}

// ComplianceInput is the optional regulatory metadata attached to a settle
// request. Its presence triggers receipt generation.
type ComplianceInput struct {
	Payer       CompliancePayer       `json:"payer"`
	Merchant    ComplianceMerchant    `json:"merchant"`
	Items       []LineItem            `json:"items"`
	Preferences CompliancePreferences `json:"preferences"`
}

// VerifyRequest is the body of a facilitator /verify call.
type VerifyRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of a facilitator /settle call. Compliance is
// optional; callers that omit it get the unextended protocol behavior.
type SettleRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
	Compliance          *ComplianceInput     `json:"compliance,omitempty"`
}

// VerifyResponse is the result of a read-only authorization check.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// ReceiptSummary is the caller-facing slice of a published receipt.
type ReceiptSummary struct {
	ReceiptID     string    `json:"receiptId"`
	ReceiptNumber string    `json:"receiptNumber"`
	DownloadURL   string    `json:"downloadUrl"`
	ViewURL       string    `json:"viewUrl"`
	GeneratedAt   time.Time `json:"generatedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// SettleResponse is the terminal result of a settle request. Receipt is
// present only when compliance input was supplied and publication succeeded;
// a payment is never reported failed solely because publication failed.
type SettleResponse struct {
	Success     bool            `json:"success"`
	ErrorReason string          `json:"errorReason,omitempty"`
	Transaction string          `json:"transaction"`
	Network     string          `json:"network"`
	Payer       string          `json:"payer,omitempty"`
	Receipt     *ReceiptSummary `json:"receipt,omitempty"`
}

// paymentResponseHeader is the summary carried in the X-PAYMENT-RESPONSE
// header so callers can verify the outcome independent of body parsing.
type paymentResponseHeader struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// EncodeToBase64String encodes the settlement summary for the
// X-PAYMENT-RESPONSE header. The receipt never rides in the header.
func (s *SettleResponse) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(paymentResponseHeader{
		Success:     s.Success,
		Transaction: s.Transaction,
		Network:     s.Network,
		Payer:       s.Payer,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode settle response header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentResponseHeader decodes an X-PAYMENT-RESPONSE header value.
func DecodePaymentResponseHeader(encoded string) (*SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payment response header: %w", err)
	}
	var hdr paymentResponseHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment response header: %w", err)
	}
	return &SettleResponse{
		Success:     hdr.Success,
		Transaction: hdr.Transaction,
		Network:     hdr.Network,
		Payer:       hdr.Payer,
	}, nil
}

// ComplianceDetails is the regulatory block embedded in a stored receipt.
type ComplianceDetails struct {
	Payer    CompliancePayer    `json:"payer"`
	Merchant ComplianceMerchant `json:"merchant"`
}

// Receipt is the immutable compliance record binding a settlement to
// regulatory metadata. Created once, persisted once, never mutated.
type Receipt struct {
	ReceiptID      string             `json:"receiptId"`
	ReceiptNumber  string             `json:"receiptNumber"`
	TransactionRef string             `json:"transactionRef"`
	Network        string             `json:"network"`
	From           string             `json:"from"`
	To             string             `json:"to"`
	Amount         string             `json:"amount"`
	Currency       string             `json:"currency"`
	GeneratedAt    time.Time          `json:"generatedAt"`
	ExpiresAt      time.Time          `json:"expiresAt"`
	Compliance     *ComplianceDetails `json:"compliance,omitempty"`
	Items          []LineItem         `json:"items"`
}

// Summary projects the receipt fields a settle caller gets back.
func (r *Receipt) Summary(obj *StoredObject) *ReceiptSummary {
	return &ReceiptSummary{
		ReceiptID:     r.ReceiptID,
		ReceiptNumber: r.ReceiptNumber,
		DownloadURL:   obj.DownloadURL,
		ViewURL:       obj.ViewURL,
		GeneratedAt:   r.GeneratedAt,
		ExpiresAt:     r.ExpiresAt,
	}
}

// StoredObject describes a durably published receipt: where it lives and how
// to check its integrity. Retention past ExpiresAt is advisory; nothing is
// physically deleted by this system.
type StoredObject struct {
	Digest      string `json:"digest"`
	Size        int    `json:"size"`
	TotalShards int    `json:"totalShards"`
	DataShards  int    `json:"dataShards"`
	DownloadURL string `json:"downloadUrl"`
	ViewURL     string `json:"viewUrl"`
}

// SupportedKind is one (scheme, network) pair the facilitator can settle.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse is the /supported endpoint body. Extensions advertises
// backward-compatible protocol extensions such as compliance receipts.
type SupportedResponse struct {
	Kinds      []SupportedKind `json:"kinds"`
	Extensions []string        `json:"extensions,omitempty"`
}

// ExtensionComplianceReceipts is advertised via /supported when the
// facilitator accepts the optional compliance block on /settle.
const ExtensionComplianceReceipts = "compliance-receipts"
