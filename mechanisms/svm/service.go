package svm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	x402 "github.com/x402labs/x402-go"
)

// Service implements the resource-server side of the exact scheme for
// Solana networks.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

func (s *Service) Scheme() string {
	return SchemeExact
}

// ParsePrice resolves a route price on the cluster's default asset.
// Accepted forms: "$0.10", "0.10", "0.10 USDC", a number, an explicit
// AssetAmount, or a map with amount/asset/extra keys.
func (s *Service) ParsePrice(price x402.Price, network x402.Network) (*x402.AssetAmount, error) {
	config, err := GetNetworkConfig(string(network))
	if err != nil {
		return nil, err
	}

	switch v := price.(type) {
	case x402.AssetAmount:
		return &v, nil
	case *x402.AssetAmount:
		return v, nil
	case map[string]interface{}:
		return parsePriceMap(v, config)
	case string:
		return parsePriceString(v, config)
	case float64:
		amount, err := ParseAmount(strconv.FormatFloat(v, 'f', -1, 64), config.DefaultAsset.Decimals)
		if err != nil {
			return nil, err
		}
		return &x402.AssetAmount{
			Amount: strconv.FormatUint(amount, 10),
			Asset:  config.DefaultAsset.Address,
		}, nil
	case int:
		amount, err := ParseAmount(strconv.Itoa(v), config.DefaultAsset.Decimals)
		if err != nil {
			return nil, err
		}
		return &x402.AssetAmount{
			Amount: strconv.FormatUint(amount, 10),
			Asset:  config.DefaultAsset.Address,
		}, nil
	default:
		return nil, nil
	}
}

func parsePriceMap(price map[string]interface{}, config *NetworkConfig) (*x402.AssetAmount, error) {
	amountVal, ok := price["amount"]
	if !ok {
		return nil, fmt.Errorf("price map missing amount")
	}
	amount, ok := amountVal.(string)
	if !ok {
		return nil, fmt.Errorf("amount must be a string")
	}

	asset := config.DefaultAsset.Address
	if assetVal, ok := price["asset"].(string); ok {
		asset = assetVal
	}
	var extra map[string]interface{}
	if extraVal, ok := price["extra"].(map[string]interface{}); ok {
		extra = extraVal
	}
	return &x402.AssetAmount{Amount: amount, Asset: asset, Extra: extra}, nil
}

func parsePriceString(price string, config *NetworkConfig) (*x402.AssetAmount, error) {
	clean := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(price), "$"))
	parts := strings.Fields(clean)

	switch len(parts) {
	case 1:
		amount, err := ParseAmount(parts[0], config.DefaultAsset.Decimals)
		if err != nil {
			return nil, err
		}
		return &x402.AssetAmount{
			Amount: strconv.FormatUint(amount, 10),
			Asset:  config.DefaultAsset.Address,
		}, nil
	case 2:
		symbol := strings.ToUpper(parts[1])
		if symbol != "USDC" && symbol != "USD" {
			return nil, fmt.Errorf("unsupported asset symbol %s on %s", symbol, config.CAIP2)
		}
		amount, err := ParseAmount(parts[0], config.DefaultAsset.Decimals)
		if err != nil {
			return nil, err
		}
		return &x402.AssetAmount{
			Amount: strconv.FormatUint(amount, 10),
			Asset:  config.DefaultAsset.Address,
		}, nil
	default:
		return nil, fmt.Errorf("invalid price format: %s", price)
	}
}

// EnhanceRequirements fills in the default asset, normalizes decimal
// amounts, and copies the facilitator's feePayer so clients can build a
// sponsored transaction.
func (s *Service) EnhanceRequirements(ctx context.Context, requirements x402.PaymentRequirements, kind x402.SupportedKind) (x402.PaymentRequirements, error) {
	if kind.X402Version != x402.X402Version {
		return requirements, fmt.Errorf("unsupported x402 version: %d", kind.X402Version)
	}

	network := string(requirements.Network)
	config, err := GetNetworkConfig(network)
	if err != nil {
		return requirements, err
	}

	var assetInfo *AssetInfo
	if requirements.Asset != "" {
		assetInfo, err = GetAssetInfo(network, requirements.Asset)
		if err != nil {
			return requirements, err
		}
	} else {
		assetInfo = &config.DefaultAsset
		requirements.Asset = assetInfo.Address
	}

	if strings.Contains(requirements.Amount, ".") {
		amount, err := ParseAmount(requirements.Amount, assetInfo.Decimals)
		if err != nil {
			return requirements, fmt.Errorf("failed to parse amount: %w", err)
		}
		requirements.Amount = strconv.FormatUint(amount, 10)
	}

	if requirements.Extra == nil {
		requirements.Extra = make(map[string]interface{})
	}
	if kind.Extra != nil {
		if feePayer, ok := kind.Extra["feePayer"]; ok {
			requirements.Extra["feePayer"] = feePayer
		}
	}

	return requirements, nil
}

func (s *Service) Matches(requirements x402.PaymentRequirements, payload x402.PaymentPayload) bool {
	if requirements.Scheme != SchemeExact {
		return false
	}
	return x402.RequirementsEqual(requirements, payload.Accepted)
}
