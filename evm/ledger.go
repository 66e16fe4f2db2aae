package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/x402-foundation/settlex"
)

// TxReceipt is the confirmation record for a mined transaction.
type TxReceipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
}

// ContractBackend abstracts the signing node connection the ledger adapter
// runs on. Implemented by signer.Signer.
type ContractBackend interface {
	Address() string
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)
	WriteContractValue(ctx context.Context, address string, abi []byte, functionName string, value *big.Int, args ...interface{}) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (*TxReceipt, error)
}

// TokenLedger adapts an EIP-3009 wrapped token contract to the Ledger
// interface. The contract owns the per-(authorizer, nonce) replay registry
// and serializes transfer/cancel per nonce; this adapter only submits and
// observes outcomes.
type TokenLedger struct {
	backend ContractBackend
	token   string
	logger  *zap.Logger
}

// NewTokenLedger creates a ledger adapter for the given token contract.
func NewTokenLedger(backend ContractBackend, tokenAddress string, logger *zap.Logger) *TokenLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenLedger{backend: backend, token: tokenAddress, logger: logger}
}

// SubmitTransfer executes the authorized transfer on-chain and blocks until
// confirmation or the context deadline. The nonce is marked used and value
// moved atomically as a unit by the contract. On timeout the transaction
// reference is still reported: confirmation may land later and callers must
// disambiguate by nonce state.
func (l *TokenLedger) SubmitTransfer(
	ctx context.Context,
	auth settlex.Authorization,
	sig settlex.Signature,
	style settlex.SubmitStyle,
) (settlex.SettlementOutcome, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return rejected("", fmt.Sprintf("invalid value: %s", auth.Value)), nil
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return rejected("", fmt.Sprintf("invalid validAfter: %s", auth.ValidAfter)), nil
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return rejected("", fmt.Sprintf("invalid validBefore: %s", auth.ValidBefore)), nil
	}
	nonce, err := HexToBytes32(auth.Nonce)
	if err != nil {
		return rejected("", fmt.Sprintf("invalid nonce: %v", err)), nil
	}

	function := FunctionTransferWithAuthorization
	if style == settlex.SubmitStyleReceive {
		function = FunctionReceiveWithAuthorization
	}

	sv, r, s := sig.VRS()
	txHash, err := l.backend.WriteContract(
		ctx,
		l.token,
		AuthorizationVRSABI,
		function,
		addressArg(auth.From),
		addressArg(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		sv,
		r,
		s,
	)
	if err != nil {
		l.logger.Warn("transfer submission rejected",
			zap.String("function", function),
			zap.String("from", auth.From),
			zap.Error(err))
		return rejected("", fmt.Sprintf("failed to execute transfer: %v", err)), nil
	}

	receipt, err := l.backend.WaitForReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			l.logger.Warn("transfer confirmation timed out",
				zap.String("tx", txHash),
				zap.String("from", auth.From))
			return settlex.SettlementOutcome{
				Status: settlex.OutcomeTimedOut,
				TxRef:  txHash,
				Reason: settlex.ReasonTimedOut,
			}, nil
		}
		return settlex.SettlementOutcome{}, fmt.Errorf("failed to get receipt for %s: %w", txHash, err)
	}
	if receipt.Status != TxStatusSuccess {
		return rejected(txHash, "transaction reverted"), nil
	}

	return settlex.SettlementOutcome{Status: settlex.OutcomeConfirmed, TxRef: txHash}, nil
}

// Cancel marks an unused nonce canceled without transferring value.
func (l *TokenLedger) Cancel(ctx context.Context, authorizer, nonce string, sig settlex.Signature) (string, error) {
	nonceBytes, err := HexToBytes32(nonce)
	if err != nil {
		return "", fmt.Errorf("invalid nonce: %w", err)
	}

	sv, r, s := sig.VRS()
	txHash, err := l.backend.WriteContract(
		ctx,
		l.token,
		AuthorizationVRSABI,
		FunctionCancelAuthorization,
		addressArg(authorizer),
		nonceBytes,
		sv,
		r,
		s,
	)
	if err != nil {
		return "", fmt.Errorf("failed to cancel authorization: %w", err)
	}

	receipt, err := l.backend.WaitForReceipt(ctx, txHash)
	if err != nil {
		return txHash, fmt.Errorf("failed to get cancel receipt: %w", err)
	}
	if receipt.Status != TxStatusSuccess {
		return txHash, fmt.Errorf("cancel transaction reverted")
	}
	return txHash, nil
}

// AuthorizationState reads the replay registry for (authorizer, nonce).
func (l *TokenLedger) AuthorizationState(ctx context.Context, authorizer, nonce string) (bool, error) {
	nonceBytes, err := HexToBytes32(nonce)
	if err != nil {
		return false, fmt.Errorf("invalid nonce: %w", err)
	}

	result, err := l.backend.ReadContract(
		ctx,
		l.token,
		AuthorizationStateABI,
		FunctionAuthorizationState,
		addressArg(authorizer),
		nonceBytes,
	)
	if err != nil {
		return false, fmt.Errorf("failed to read authorization state: %w", err)
	}

	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from authorizationState")
	}
	return used, nil
}

// Deposit locks external funds 1:1 and credits the facilitator's wrapped
// balance. The contract performs balance accounting before any external
// release, so the operation is atomic and reentrancy-safe.
func (l *TokenLedger) Deposit(ctx context.Context, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("deposit amount must be positive")
	}

	txHash, err := l.backend.WriteContractValue(ctx, l.token, WrappedAssetABI, FunctionDeposit, amount)
	if err != nil {
		return "", fmt.Errorf("failed to deposit: %w", err)
	}
	if err := l.awaitSuccess(ctx, txHash); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// Redeem burns wrapped balance 1:1 and releases external funds.
func (l *TokenLedger) Redeem(ctx context.Context, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("redeem amount must be positive")
	}

	txHash, err := l.backend.WriteContract(ctx, l.token, WrappedAssetABI, FunctionWithdraw, amount)
	if err != nil {
		return "", fmt.Errorf("failed to redeem: %w", err)
	}
	if err := l.awaitSuccess(ctx, txHash); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// Reserves returns the total wrapped supply backing the ledger.
func (l *TokenLedger) Reserves(ctx context.Context) (*big.Int, error) {
	result, err := l.backend.ReadContract(ctx, l.token, WrappedAssetABI, FunctionTotalSupply)
	if err != nil {
		return nil, fmt.Errorf("failed to read reserves: %w", err)
	}
	supply, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from totalSupply")
	}
	return supply, nil
}

// Balance returns an account's spendable wrapped balance.
func (l *TokenLedger) Balance(ctx context.Context, account string) (*big.Int, error) {
	result, err := l.backend.ReadContract(ctx, l.token, ERC20BalanceOfABI, FunctionBalanceOf, addressArg(account))
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from balanceOf")
	}
	return balance, nil
}

func (l *TokenLedger) awaitSuccess(ctx context.Context, txHash string) error {
	receipt, err := l.backend.WaitForReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("failed to get receipt for %s: %w", txHash, err)
	}
	if receipt.Status != TxStatusSuccess {
		return fmt.Errorf("transaction %s reverted", txHash)
	}
	return nil
}

func rejected(txRef, reason string) settlex.SettlementOutcome {
	return settlex.SettlementOutcome{
		Status: settlex.OutcomeRejected,
		TxRef:  txRef,
		Reason: reason,
	}
}
