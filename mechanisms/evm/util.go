package evm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CreateNonce returns a random 32-byte EIP-3009 nonce as 0x-prefixed hex.
func CreateNonce() (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(nonce[:]), nil
}

// CreateValidityWindow returns [now, now+duration] as unix timestamps.
func CreateValidityWindow(duration time.Duration) (validAfter, validBefore *big.Int) {
	now := time.Now().Unix()
	return big.NewInt(now), big.NewInt(now + int64(duration.Seconds()))
}

// ParseAmount converts a decimal amount string into the token's smallest
// unit. "0.001" with 6 decimals becomes 1000.
func ParseAmount(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	whole, frac := amount, ""
	if i := strings.Index(amount, "."); i >= 0 {
		whole, frac = amount[:i], amount[i+1:]
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	if whole == "" {
		whole = "0"
	}
	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}
	if result.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %s", amount)
	}
	return result, nil
}

// FormatAmount renders a smallest-unit amount as a decimal string.
func FormatAmount(amount *big.Int, decimals int) string {
	s := amount.String()
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}
	for len(s) <= decimals {
		s = "0" + s
	}
	whole := s[:len(s)-decimals]
	frac := strings.TrimRight(s[len(s)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if negative {
		out = "-" + out
	}
	return out
}

// HexToBytes decodes a 0x-prefixed hex string.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// BytesToHex encodes bytes as 0x-prefixed hex.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// IsValidAddress reports whether s is a well-formed EVM address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress returns the EIP-55 checksummed form.
func NormalizeAddress(s string) string {
	return common.HexToAddress(s).Hex()
}

// IsValidNetwork reports whether the CAIP-2 identifier is configured.
func IsValidNetwork(network string) bool {
	_, ok := NetworkConfigs[network]
	return ok
}

// GetNetworkConfig looks up the configuration for a CAIP-2 network.
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	if config, ok := NetworkConfigs[network]; ok {
		return &config, nil
	}
	return nil, fmt.Errorf("unsupported network: %s", network)
}

// GetAssetInfo resolves a token address (or empty string for the network
// default) into asset metadata. Unknown addresses are accepted with
// conservative defaults so custom EIP-3009 tokens still work.
func GetAssetInfo(network string, asset string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}

	if asset == "" {
		return &config.DefaultAsset, nil
	}
	if !IsValidAddress(asset) {
		return nil, fmt.Errorf("invalid asset address: %s", asset)
	}
	if NormalizeAddress(asset) == NormalizeAddress(config.DefaultAsset.Address) {
		return &config.DefaultAsset, nil
	}
	return &AssetInfo{
		Address:  NormalizeAddress(asset),
		Name:     "Unknown Token",
		Version:  "1",
		Decimals: 18,
	}, nil
}
