package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	x402 "github.com/x402labs/x402-go"
)

// ExtensionKey is the name under which the extension travels in challenge
// extensions and payment payload extensions.
const ExtensionKey = "idempotency"

const (
	minKeyLength = 16
	maxKeyLength = 128
)

// ValidateKey checks the client-chosen idempotency key: 16 to 128
// characters from [A-Za-z0-9_-].
func ValidateKey(key string) error {
	if len(key) < minKeyLength || len(key) > maxKeyLength {
		return fmt.Errorf("idempotency key length must be between %d and %d characters", minKeyLength, maxKeyLength)
	}
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return fmt.Errorf("idempotency key contains invalid character %q", c)
		}
	}
	return nil
}

// KeyFromPayload extracts the client-chosen key from
// payload.extensions["idempotency"].key. The second return reports whether
// the extension was present at all.
func KeyFromPayload(payload x402.PaymentPayload) (string, bool, error) {
	if payload.Extensions == nil {
		return "", false, nil
	}
	value, ok := payload.Extensions[ExtensionKey]
	if !ok {
		return "", false, nil
	}
	entry, ok := value.(map[string]interface{})
	if !ok {
		return "", true, fmt.Errorf("idempotency extension must be an object")
	}
	key, ok := entry["key"].(string)
	if !ok || key == "" {
		return "", true, fmt.Errorf("idempotency extension missing key")
	}
	if err := ValidateKey(key); err != nil {
		return "", true, err
	}
	return key, true, nil
}

// Fingerprint hashes the protocol-critical parts of a payment payload.
// Two payloads with the same idempotency key but different fingerprints
// are a key reuse, not a retry.
func Fingerprint(payload x402.PaymentPayload) string {
	raw, err := json.Marshal(struct {
		Accepted x402.PaymentRequirements `json:"accepted"`
		Payload  map[string]interface{}   `json:"payload"`
	}{payload.Accepted, payload.Payload})
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", payload))
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:])
}

// KeyGenerator derives the deduplication key for a settlement attempt.
type KeyGenerator func(payload x402.PaymentPayload) string

// DefaultKeyGenerator uses the client-chosen key when present and valid,
// and falls back to the payload fingerprint so settlement stays
// deduplicated even for clients that do not speak the extension.
func DefaultKeyGenerator(payload x402.PaymentPayload) string {
	if key, present, err := KeyFromPayload(payload); present && err == nil {
		return key
	}
	return Fingerprint(payload)
}
