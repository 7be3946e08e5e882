package evm

import "math/big"

const (
	SchemeExact = "exact"

	// USDC uses 6 decimals on every supported chain.
	DefaultDecimals = 6

	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"
	FunctionBalanceOf                 = "balanceOf"

	TxStatusSuccess = 1

	// DefaultValidityPeriod bounds how long a signed authorization stays
	// usable.
	DefaultValidityPeriod = 3600 // seconds

	// SettleTimingBuffer accounts for block propagation when checking
	// validBefore at settlement time.
	SettleTimingBuffer = 6 // seconds
)

// NetworkConfigs maps CAIP-2 network identifiers to chain configuration.
// Legacy network names are normalized before lookup, so only CAIP-2 keys
// appear here. Each default asset must support EIP-3009.
var NetworkConfigs = map[string]NetworkConfig{
	// Base
	"eip155:8453": {
		ChainID: big.NewInt(8453),
		DefaultAsset: AssetInfo{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	// Base Sepolia
	"eip155:84532": {
		ChainID: big.NewInt(84532),
		DefaultAsset: AssetInfo{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:     "USDC",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	// Avalanche C-Chain
	"eip155:43114": {
		ChainID: big.NewInt(43114),
		DefaultAsset: AssetInfo{
			Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	// Avalanche Fuji
	"eip155:43113": {
		ChainID: big.NewInt(43113),
		DefaultAsset: AssetInfo{
			Address:  "0x5425890298aed601595a70AB815c96711a31Bc65",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	// Polygon
	"eip155:137": {
		ChainID: big.NewInt(137),
		DefaultAsset: AssetInfo{
			Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	// Polygon Amoy
	"eip155:80002": {
		ChainID: big.NewInt(80002),
		DefaultAsset: AssetInfo{
			Address:  "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
			Name:     "USDC",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
}

// TransferWithAuthorizationABI is the EIP-3009 transfer entrypoint with the
// signature split into v, r, s (EOA signatures).
var TransferWithAuthorizationABI = []byte(`[
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
	}
]`)

// AuthorizationStateABI queries whether an EIP-3009 nonce was consumed.
var AuthorizationStateABI = []byte(`[
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

// ERC20BalanceOfABI is the minimal balance query.
var ERC20BalanceOfABI = []byte(`[
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
