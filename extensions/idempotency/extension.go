package idempotency

import (
	"context"
	"fmt"

	x402 "github.com/x402labs/x402-go"
)

// NewServiceExtension validates idempotency values on incoming payment
// payloads. When the route declares the extension as required, a payload
// without a key is rejected before the handler runs.
func NewServiceExtension() x402.ServiceExtension {
	return x402.ServiceExtension{
		Key: ExtensionKey,
		EnrichChallenge: func(ctx context.Context, decl interface{}, requirements []x402.PaymentRequirements) (interface{}, error) {
			if decl == nil {
				return map[string]interface{}{"supported": true}, nil
			}
			return decl, nil
		},
		ValidatePayload: func(ctx context.Context, decl interface{}, value interface{}) error {
			required := false
			if declMap, ok := decl.(map[string]interface{}); ok {
				required, _ = declMap["required"].(bool)
			}
			if value == nil {
				if required {
					return fmt.Errorf("idempotency key is required on this route")
				}
				return nil
			}
			entry, ok := value.(map[string]interface{})
			if !ok {
				return fmt.Errorf("idempotency extension must be an object")
			}
			key, ok := entry["key"].(string)
			if !ok || key == "" {
				return fmt.Errorf("idempotency extension missing key")
			}
			return ValidateKey(key)
		},
	}
}

// NewClientExtension attaches a fixed idempotency key to outgoing
// payloads. Keys should be unique per logical payment; reusing a key with
// a different payload is refused at settlement.
func NewClientExtension(key string) (x402.ClientExtension, error) {
	if err := ValidateKey(key); err != nil {
		return x402.ClientExtension{}, err
	}
	return x402.ClientExtension{
		Key: ExtensionKey,
		EnrichPaymentPayload: func(ctx context.Context, payload x402.PaymentPayload) (interface{}, error) {
			return map[string]interface{}{"key": key}, nil
		},
	}, nil
}
