package svm

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	solana "github.com/gagliardetto/solana-go"
)

// ParseAmount converts a decimal amount string into the token's smallest
// unit as uint64. "0.001" with 6 decimals becomes 1000.
func ParseAmount(amount string, decimals int) (uint64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole, frac := amount, ""
	if i := strings.Index(amount, "."); i >= 0 {
		whole, frac = amount[:i], amount[i+1:]
	}
	if len(frac) > decimals {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))
	if whole == "" {
		whole = "0"
	}

	value, err := strconv.ParseUint(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %s", amount)
	}
	return value, nil
}

// EncodeTransaction serializes a transaction to base64.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a base64-encoded transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction bytes: %w", err)
	}
	return tx, nil
}

// IsValidNetwork reports whether the CAIP-2 identifier is a configured
// Solana cluster.
func IsValidNetwork(network string) bool {
	_, ok := NetworkConfigs[network]
	return ok
}

// GetNetworkConfig looks up the configuration for a Solana cluster.
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	if config, ok := NetworkConfigs[network]; ok {
		return &config, nil
	}
	return nil, fmt.Errorf("unsupported network: %s", network)
}

// GetAssetInfo resolves a mint address (or empty string for the cluster
// default) into asset metadata.
func GetAssetInfo(network string, asset string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	if asset == "" || asset == config.DefaultAsset.Address {
		return &config.DefaultAsset, nil
	}
	if _, err := solana.PublicKeyFromBase58(asset); err != nil {
		return nil, fmt.Errorf("invalid asset address: %s", asset)
	}
	// Unknown mints default to USDC-style decimals; callers that need
	// exact decimals must put them in requirements.extra.
	return &AssetInfo{Address: asset, Symbol: "SPL", Decimals: 6}, nil
}
