package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	x402 "github.com/x402labs/x402-go"
)

// Service implements the resource-server side of the exact scheme for EVM
// networks: price resolution and requirement enhancement.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

func (s *Service) Scheme() string {
	return SchemeExact
}

// ParsePrice resolves a route price into a token amount on the network's
// default asset. Accepted forms: "$0.001", "0.001", "0.001 USD", a
// smallest-unit integer string, or an explicit AssetAmount.
func (s *Service) ParsePrice(price x402.Price, network x402.Network) (*x402.AssetAmount, error) {
	switch v := price.(type) {
	case x402.AssetAmount:
		return &v, nil
	case *x402.AssetAmount:
		return v, nil
	case string:
		return s.parsePriceString(v, network)
	case float64:
		return s.parsePriceString(fmt.Sprintf("%g", v), network)
	case int:
		return s.parsePriceString(fmt.Sprintf("%d", v), network)
	default:
		return nil, nil
	}
}

func (s *Service) parsePriceString(price string, network x402.Network) (*x402.AssetAmount, error) {
	config, err := GetNetworkConfig(string(network))
	if err != nil {
		return nil, err
	}

	price = strings.TrimSpace(price)
	price = strings.TrimPrefix(price, "$")
	price = strings.TrimSuffix(price, " USD")
	price = strings.TrimSuffix(price, " USDC")
	price = strings.TrimSpace(price)

	if strings.Contains(price, ".") {
		amount, err := ParseAmount(price, config.DefaultAsset.Decimals)
		if err != nil {
			return nil, fmt.Errorf("failed to parse decimal price: %w", err)
		}
		return &x402.AssetAmount{
			Asset:  config.DefaultAsset.Address,
			Amount: amount.String(),
		}, nil
	}

	amount, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return nil, fmt.Errorf("invalid price format: %s", price)
	}

	// Integers at or above one whole token are taken as smallest-unit
	// values; small integers are dollar amounts.
	oneUnit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(config.DefaultAsset.Decimals)), nil)
	if amount.Cmp(oneUnit) < 0 {
		amount.Mul(amount, oneUnit)
	}
	return &x402.AssetAmount{
		Asset:  config.DefaultAsset.Address,
		Amount: amount.String(),
	}, nil
}

// EnhanceRequirements fills in the default asset, normalizes decimal
// amounts to the smallest unit, and attaches the EIP-712 domain parameters
// clients need to sign.
func (s *Service) EnhanceRequirements(ctx context.Context, requirements x402.PaymentRequirements, kind x402.SupportedKind) (x402.PaymentRequirements, error) {
	if kind.X402Version != x402.X402Version {
		return requirements, fmt.Errorf("unsupported x402 version: %d", kind.X402Version)
	}

	network := string(requirements.Network)
	var assetInfo *AssetInfo
	var err error
	if requirements.Asset != "" {
		assetInfo, err = GetAssetInfo(network, requirements.Asset)
	} else {
		var config *NetworkConfig
		config, err = GetNetworkConfig(network)
		if err == nil {
			assetInfo = &config.DefaultAsset
			requirements.Asset = assetInfo.Address
		}
	}
	if err != nil {
		return requirements, err
	}

	if strings.Contains(requirements.Amount, ".") {
		amount, err := ParseAmount(requirements.Amount, assetInfo.Decimals)
		if err != nil {
			return requirements, fmt.Errorf("failed to parse amount: %w", err)
		}
		requirements.Amount = amount.String()
	}

	if requirements.Extra == nil {
		requirements.Extra = make(map[string]interface{})
	}
	if _, ok := requirements.Extra["name"]; !ok {
		requirements.Extra["name"] = assetInfo.Name
	}
	if _, ok := requirements.Extra["version"]; !ok {
		requirements.Extra["version"] = assetInfo.Version
	}
	for key, value := range kind.Extra {
		if _, ok := requirements.Extra[key]; !ok {
			requirements.Extra[key] = value
		}
	}

	return requirements, nil
}

// Matches reports whether the payload's accepted requirement satisfies the
// offered one.
func (s *Service) Matches(requirements x402.PaymentRequirements, payload x402.PaymentPayload) bool {
	if requirements.Scheme != SchemeExact {
		return false
	}
	return x402.RequirementsEqual(requirements, payload.Accepted)
}
