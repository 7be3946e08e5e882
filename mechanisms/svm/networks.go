// Package svm implements the exact payment scheme for Solana networks
// using fee-payer-sponsored SPL TransferChecked instructions.
package svm

const (
	SchemeExact = "exact"

	// CAIP-2 identifiers: "solana:" plus the first 32 characters of the
	// network's genesis hash.
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	SolanaTestnetCAIP2 = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"

	// DefaultComputeUnitPrice is the priority fee in micro-lamports per
	// compute unit attached to payment transactions.
	DefaultComputeUnitPrice uint64 = 1000

	// PaymentComputeUnits covers compute limit, compute price and one
	// TransferChecked instruction.
	PaymentComputeUnits uint32 = 6500
)

// AssetInfo describes an SPL token mint.
type AssetInfo struct {
	Address  string
	Symbol   string
	Decimals int
}

// NetworkConfig is the per-cluster configuration.
type NetworkConfig struct {
	CAIP2        string
	RPCURL       string
	DefaultAsset AssetInfo
}

// NetworkConfigs maps CAIP-2 identifiers to cluster configuration. The
// default asset on every cluster is USDC.
var NetworkConfigs = map[string]NetworkConfig{
	SolanaMainnetCAIP2: {
		CAIP2:  SolanaMainnetCAIP2,
		RPCURL: "https://api.mainnet-beta.solana.com",
		DefaultAsset: AssetInfo{
			Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Symbol:   "USDC",
			Decimals: 6,
		},
	},
	SolanaDevnetCAIP2: {
		CAIP2:  SolanaDevnetCAIP2,
		RPCURL: "https://api.devnet.solana.com",
		DefaultAsset: AssetInfo{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Symbol:   "USDC",
			Decimals: 6,
		},
	},
	SolanaTestnetCAIP2: {
		CAIP2:  SolanaTestnetCAIP2,
		RPCURL: "https://api.testnet.solana.com",
		DefaultAsset: AssetInfo{
			Address:  "CpMah17kQEL2wqyMKt3mZBdTnZbkbfx4nqmQMFDP5vwp",
			Symbol:   "USDC",
			Decimals: 6,
		},
	},
}
