package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/settlex"
)

// fakeBackend simulates the wrapped token contract in memory: it tracks the
// replay registry, balances, and total supply, and lets tests script
// reverts and confirmation timeouts.
type fakeBackend struct {
	usedNonces  map[string]bool
	balances    map[string]*big.Int
	totalSupply *big.Int
	txCounter   int

	writeErr   error
	revertNext bool
	waitErr    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		usedNonces:  make(map[string]bool),
		balances:    make(map[string]*big.Int),
		totalSupply: big.NewInt(0),
	}
}

func (b *fakeBackend) Address() string {
	return "0xfacffacffacffacffacffacffacffacffacffacf"
}

func (b *fakeBackend) nextTx() string {
	b.txCounter++
	return fmt.Sprintf("0xtx%04d", b.txCounter)
}

func (b *fakeBackend) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	switch functionName {
	case FunctionAuthorizationState:
		authorizer := fmt.Sprintf("%v", args[0])
		nonce := fmt.Sprintf("%x", args[1])
		return b.usedNonces[strings.ToLower(authorizer)+"|"+nonce], nil
	case FunctionTotalSupply:
		return new(big.Int).Set(b.totalSupply), nil
	case FunctionBalanceOf:
		account := strings.ToLower(fmt.Sprintf("%v", args[0]))
		if bal, ok := b.balances[account]; ok {
			return new(big.Int).Set(bal), nil
		}
		return big.NewInt(0), nil
	}
	return nil, fmt.Errorf("unexpected read: %s", functionName)
}

func (b *fakeBackend) WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	if b.writeErr != nil {
		return "", b.writeErr
	}
	switch functionName {
	case FunctionTransferWithAuthorization, FunctionReceiveWithAuthorization:
		from := strings.ToLower(fmt.Sprintf("%v", args[0]))
		nonce := fmt.Sprintf("%x", args[5])
		key := from + "|" + nonce
		if b.usedNonces[key] {
			return "", errors.New("authorization is used or canceled")
		}
		b.usedNonces[key] = true
	case FunctionCancelAuthorization:
		authorizer := strings.ToLower(fmt.Sprintf("%v", args[0]))
		nonce := fmt.Sprintf("%x", args[1])
		key := authorizer + "|" + nonce
		if b.usedNonces[key] {
			return "", errors.New("authorization is used or canceled")
		}
		b.usedNonces[key] = true
	case FunctionWithdraw:
		amount := args[0].(*big.Int)
		if b.totalSupply.Cmp(amount) < 0 {
			return "", errors.New("insufficient reserves")
		}
		b.totalSupply.Sub(b.totalSupply, amount)
	}
	return b.nextTx(), nil
}

func (b *fakeBackend) WriteContractValue(ctx context.Context, address string, abi []byte, functionName string, value *big.Int, args ...interface{}) (string, error) {
	if b.writeErr != nil {
		return "", b.writeErr
	}
	if functionName == FunctionDeposit {
		b.totalSupply.Add(b.totalSupply, value)
	}
	return b.nextTx(), nil
}

func (b *fakeBackend) WaitForReceipt(ctx context.Context, txHash string) (*TxReceipt, error) {
	if b.waitErr != nil {
		return nil, b.waitErr
	}
	status := uint64(TxStatusSuccess)
	if b.revertNext {
		b.revertNext = false
		status = TxStatusFailed
	}
	return &TxReceipt{Status: status, BlockNumber: 1, TxHash: txHash}, nil
}

func ledgerAuth() settlex.Authorization {
	return testAuthorization("0x1111111111111111111111111111111111111111")
}

func TestSubmitTransferConfirmed(t *testing.T) {
	backend := newFakeBackend()
	ledger := NewTokenLedger(backend, "0xtoken", nil)

	outcome, err := ledger.SubmitTransfer(context.Background(), ledgerAuth(), settlex.Signature{}, settlex.SubmitStyleTransfer)
	require.NoError(t, err)
	assert.Equal(t, settlex.OutcomeConfirmed, outcome.Status)
	assert.NotEmpty(t, outcome.TxRef)
}

func TestSubmitTransferMarksNonceUsed(t *testing.T) {
	backend := newFakeBackend()
	ledger := NewTokenLedger(backend, "0xtoken", nil)
	auth := ledgerAuth()

	used, err := ledger.AuthorizationState(context.Background(), auth.From, auth.Nonce)
	require.NoError(t, err)
	assert.False(t, used)

	_, err = ledger.SubmitTransfer(context.Background(), auth, settlex.Signature{}, settlex.SubmitStyleTransfer)
	require.NoError(t, err)

	used, err = ledger.AuthorizationState(context.Background(), auth.From, auth.Nonce)
	require.NoError(t, err)
	assert.True(t, used)
}

func TestSubmitTransferReplayRejected(t *testing.T) {
	backend := newFakeBackend()
	ledger := NewTokenLedger(backend, "0xtoken", nil)
	auth := ledgerAuth()

	first, err := ledger.SubmitTransfer(context.Background(), auth, settlex.Signature{}, settlex.SubmitStyleTransfer)
	require.NoError(t, err)
	require.Equal(t, settlex.OutcomeConfirmed, first.Status)

	second, err := ledger.SubmitTransfer(context.Background(), auth, settlex.Signature{}, settlex.SubmitStyleTransfer)
	require.NoError(t, err)
	assert.Equal(t, settlex.OutcomeRejected, second.Status)
	assert.Contains(t, second.Reason, "used or canceled")
}

func TestSubmitTransferRevertedIsRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.revertNext = true
	ledger := NewTokenLedger(backend, "0xtoken", nil)

	outcome, err := ledger.SubmitTransfer(context.Background(), ledgerAuth(), settlex.Signature{}, settlex.SubmitStyleTransfer)
	require.NoError(t, err)
	assert.Equal(t, settlex.OutcomeRejected, outcome.Status)
}

func TestSubmitTransferTimeoutKeepsTxRef(t *testing.T) {
	backend := newFakeBackend()
	backend.waitErr = context.DeadlineExceeded
	ledger := NewTokenLedger(backend, "0xtoken", nil)

	outcome, err := ledger.SubmitTransfer(context.Background(), ledgerAuth(), settlex.Signature{}, settlex.SubmitStyleTransfer)
	require.NoError(t, err)
	assert.Equal(t, settlex.OutcomeTimedOut, outcome.Status)
	assert.NotEmpty(t, outcome.TxRef, "the broadcast tx ref must survive a confirmation timeout")
}

func TestSubmitTransferInvalidNonceRejected(t *testing.T) {
	ledger := NewTokenLedger(newFakeBackend(), "0xtoken", nil)
	auth := ledgerAuth()
	auth.Nonce = "0xshort"

	outcome, err := ledger.SubmitTransfer(context.Background(), auth, settlex.Signature{}, settlex.SubmitStyleTransfer)
	require.NoError(t, err)
	assert.Equal(t, settlex.OutcomeRejected, outcome.Status)
}

func TestCancelMarksNonceUsed(t *testing.T) {
	backend := newFakeBackend()
	ledger := NewTokenLedger(backend, "0xtoken", nil)
	auth := ledgerAuth()

	tx, err := ledger.Cancel(context.Background(), auth.From, auth.Nonce, settlex.Signature{})
	require.NoError(t, err)
	assert.NotEmpty(t, tx)

	used, err := ledger.AuthorizationState(context.Background(), auth.From, auth.Nonce)
	require.NoError(t, err)
	assert.True(t, used)

	// Canceled nonce can never be settled.
	outcome, err := ledger.SubmitTransfer(context.Background(), auth, settlex.Signature{}, settlex.SubmitStyleTransfer)
	require.NoError(t, err)
	assert.Equal(t, settlex.OutcomeRejected, outcome.Status)
}

func TestDepositRedeemRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	ledger := NewTokenLedger(backend, "0xtoken", nil)
	ctx := context.Background()

	before, err := ledger.Reserves(ctx)
	require.NoError(t, err)

	_, err = ledger.Deposit(ctx, big.NewInt(500))
	require.NoError(t, err)

	afterDeposit, err := ledger.Reserves(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), new(big.Int).Sub(afterDeposit, before).Int64())

	_, err = ledger.Redeem(ctx, big.NewInt(500))
	require.NoError(t, err)

	afterRedeem, err := ledger.Reserves(ctx)
	require.NoError(t, err)
	assert.Zero(t, afterRedeem.Cmp(before), "deposit then redeem must restore reserves")
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	ledger := NewTokenLedger(newFakeBackend(), "0xtoken", nil)

	_, err := ledger.Deposit(context.Background(), big.NewInt(0))
	assert.Error(t, err)
	_, err = ledger.Deposit(context.Background(), big.NewInt(-5))
	assert.Error(t, err)
	_, err = ledger.Redeem(context.Background(), nil)
	assert.Error(t, err)
}

func TestRedeemBeyondReservesFails(t *testing.T) {
	backend := newFakeBackend()
	ledger := NewTokenLedger(backend, "0xtoken", nil)
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, big.NewInt(100))
	require.NoError(t, err)

	_, err = ledger.Redeem(ctx, big.NewInt(200))
	assert.Error(t, err)

	reserves, err := ledger.Reserves(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), reserves.Int64(), "failed redeem must not change reserves")
}
