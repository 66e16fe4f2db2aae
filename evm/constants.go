// Package evm implements the authorization verifier and ledger adapter for
// EVM settlement networks using EIP-3009 transfer authorizations.
package evm

import (
	"math/big"
)

const (
	// EIP-3009 entry points on the wrapped token contract.
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionReceiveWithAuthorization  = "receiveWithAuthorization"
	FunctionCancelAuthorization       = "cancelAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// Wrapped-asset bookkeeping entry points.
	FunctionDeposit     = "deposit"
	FunctionWithdraw    = "withdraw"
	FunctionTotalSupply = "totalSupply"
	FunctionBalanceOf   = "balanceOf"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// NetworkConfigs maps supported network identifiers to their chain ID and
	// default settlement asset. Both CAIP-2 and legacy short names are
	// accepted on the wire.
	NetworkConfigs = map[string]NetworkConfig{
		"eip155:8453": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Name:    "USD Coin",
				Version: "2",
			},
		},
		"base": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Name:    "USD Coin",
				Version: "2",
			},
		},
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Name:    "USDC",
				Version: "2",
			},
		},
		"base-sepolia": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Name:    "USDC",
				Version: "2",
			},
		},
	}

	// AuthorizationVRSABI covers the EIP-3009 calls that take split v,r,s
	// signature components (EOA signatures).
	AuthorizationVRSABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "receiveWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "cancelAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// AuthorizationStateABI reads the per-(authorizer, nonce) replay registry.
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// WrappedAssetABI covers deposit/redeem bookkeeping and reserve reads on
	// the wrapped token. Deposit is payable; the locked external amount rides
	// as transaction value.
	WrappedAssetABI = []byte(`[
		{
			"inputs": [],
			"name": "deposit",
			"outputs": [],
			"stateMutability": "payable",
			"type": "function"
		},
		{
			"inputs": [{"name": "amount", "type": "uint256"}],
			"name": "withdraw",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [],
			"name": "totalSupply",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)

// AssetInfo contains information about a settlement token.
type AssetInfo struct {
	Address string
	Name    string
	Version string
}

// NetworkConfig contains network-specific configuration.
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// GetNetworkConfig returns the configuration for a network identifier.
func GetNetworkConfig(network string) (NetworkConfig, bool) {
	cfg, ok := NetworkConfigs[network]
	return cfg, ok
}

// IsValidNetwork reports whether the network identifier is supported.
func IsValidNetwork(network string) bool {
	_, ok := NetworkConfigs[network]
	return ok
}

// SupportedNetworks lists every accepted network identifier.
func SupportedNetworks() []string {
	networks := make([]string, 0, len(NetworkConfigs))
	for network := range NetworkConfigs {
		networks = append(networks, network)
	}
	return networks
}
