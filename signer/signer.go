// Package signer provides an ECDSA signing backend over go-ethereum for the
// facilitator: contract reads, signed transaction submission, confirmation
// waits, and raw digest signing for storage authentication.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/x402-foundation/settlex/evm"
)

const receiptPollInterval = 500 * time.Millisecond

// Signer holds an ECDSA private key and an optional node connection. It
// implements evm.ContractBackend. Without a node connection, only Address
// and SignDigest work; contract operations return an error.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	ethClient  *ethclient.Client
	chainID    *big.Int

	// Serializes account-nonce assignment across concurrent submissions.
	txMu sync.Mutex
}

// NewFromPrivateKey creates a signer from a hex-encoded private key with no
// node connection.
func NewFromPrivateKey(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Dial creates a signer connected to an RPC endpoint.
func Dial(ctx context.Context, privateKeyHex, rpcURL string) (*Signer, error) {
	s, err := NewFromPrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	s.ethClient = client
	s.chainID = chainID
	return s, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignDigest signs a 32-byte digest, returning a 65-byte (r || s || v)
// signature with v in {27, 28}.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	signature[64] += 27
	return signature, nil
}

// ReadContract calls a view function and unpacks the result.
func (s *Signer) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	if s.ethClient == nil {
		return nil, fmt.Errorf("ReadContract requires a node connection")
	}

	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	msg := ethereum.CallMsg{To: &addr, Data: data}

	result, err := s.ethClient.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}

	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// WriteContract submits a state-changing transaction and returns its hash.
func (s *Signer) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	return s.WriteContractValue(ctx, contractAddress, abiBytes, functionName, nil, args...)
}

// WriteContractValue submits a state-changing transaction carrying native
// value (for payable functions) and returns its hash.
func (s *Signer) WriteContractValue(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	value *big.Int,
	args ...interface{},
) (string, error) {
	if s.ethClient == nil {
		return "", fmt.Errorf("WriteContract requires a node connection")
	}

	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	if value == nil {
		value = new(big.Int)
	}
	to := common.HexToAddress(contractAddress)

	s.txMu.Lock()
	defer s.txMu.Unlock()

	nonce, err := s.ethClient.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get account nonce: %w", err)
	}
	gasPrice, err := s.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest gas price: %w", err)
	}
	gasLimit, err := s.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// WaitForReceipt polls until the transaction is mined or ctx expires.
func (s *Signer) WaitForReceipt(ctx context.Context, txHash string) (*evm.TxReceipt, error) {
	if s.ethClient == nil {
		return nil, fmt.Errorf("WaitForReceipt requires a node connection")
	}

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.ethClient.TransactionReceipt(ctx, hash)
		if err == nil {
			return &evm.TxReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		if err != ethereum.NotFound {
			return nil, fmt.Errorf("failed to fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
