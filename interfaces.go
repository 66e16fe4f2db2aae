package settlex

import (
	"context"
	"math/big"
	"time"
)

// SubmitStyle selects which on-ledger entry point a settlement uses.
type SubmitStyle string

const (
	// SubmitStyleTransfer lets any submitter relay on behalf of the signer
	// (transferWithAuthorization).
	SubmitStyleTransfer SubmitStyle = "transfer"
	// SubmitStyleReceive restricts submission to the declared recipient
	// (receiveWithAuthorization).
	SubmitStyleReceive SubmitStyle = "receive"
)

// OutcomeStatus is the terminal state of a ledger submission.
type OutcomeStatus int

const (
	OutcomeConfirmed OutcomeStatus = iota
	OutcomeRejected
	OutcomeTimedOut
)

// SettlementOutcome is what the ledger reports for one submitted transfer.
// TxRef may be set even when Status is OutcomeTimedOut: the transaction was
// broadcast and confirmation may still land later.
type SettlementOutcome struct {
	Status OutcomeStatus
	TxRef  string
	Reason string
}

// Verifier checks a signed transfer authorization against time-window,
// replay, and signature rules. Verification is read-only and safe to call
// repeatedly and concurrently.
type Verifier interface {
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements, now time.Time) (VerifyResponse, error)
}

// Ledger abstracts the settlement network. It owns the per-(authorizer,
// nonce) replay registry; the orchestrator only observes outcomes. The
// ledger serializes per-nonce, so transfer and cancel are mutually exclusive
// for a given nonce and whichever reaches it first wins.
type Ledger interface {
	// SubmitTransfer marks the nonce used and moves value, atomically as a
	// unit, then blocks until confirmation or ctx deadline.
	SubmitTransfer(ctx context.Context, auth Authorization, sig Signature, style SubmitStyle) (SettlementOutcome, error)

	// Cancel marks an unused nonce canceled without transferring value.
	Cancel(ctx context.Context, authorizer, nonce string, sig Signature) (string, error)

	// AuthorizationState reports whether (authorizer, nonce) has left the
	// unused state.
	AuthorizationState(ctx context.Context, authorizer, nonce string) (bool, error)

	// Deposit locks external funds 1:1 and credits wrapped balance.
	Deposit(ctx context.Context, amount *big.Int) (string, error)

	// Redeem burns wrapped balance 1:1 and releases external funds.
	Redeem(ctx context.Context, amount *big.Int) (string, error)

	// Reserves returns the total wrapped supply backing the ledger.
	Reserves(ctx context.Context) (*big.Int, error)

	// Balance returns an account's spendable wrapped balance.
	Balance(ctx context.Context, account string) (*big.Int, error)
}

// SettlementSummary is the slice of a confirmed settlement the receipt
// builder needs.
type SettlementSummary struct {
	TransactionRef string
	Network        string
	From           string
	To             string
	Amount         string
}

// ReceiptBuilder assembles an immutable compliance record from settlement,
// merchant, and line-item data.
type ReceiptBuilder interface {
	Build(settlement SettlementSummary, compliance *ComplianceInput, now time.Time) (*Receipt, error)
}

// ReceiptPublisher durably stores a receipt with integrity verification and
// redundancy, returning public retrieval locations. Implementations write a
// local backup before any remote attempt so a failed publish is recoverable
// out-of-band without re-settling.
type ReceiptPublisher interface {
	Publish(ctx context.Context, receipt *Receipt) (*StoredObject, error)
}

// SettlementRecord is one terminal settlement outcome for the audit trail.
type SettlementRecord struct {
	Network     string
	Authorizer  string
	Nonce       string
	Payer       string
	TxRef       string
	Success     bool
	ErrorReason string
	ReceiptID   string
	// PublishState is one of "none", "published", "failed".
	PublishState string
	CreatedAt    time.Time
}

// AuditLog retains settlement outcomes and swallowed storage failures for
// manual reconciliation.
type AuditLog interface {
	RecordSettlement(ctx context.Context, rec SettlementRecord) error
	RecordPublishFailure(ctx context.Context, receiptID, txRef, reason string) error
}
