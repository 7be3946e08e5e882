package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Wire envelope: each header value is the base64 of the entity's UTF-8 JSON.
// We emit standard base64 and accept either the standard or the URL-safe
// alphabet on decode, with or without padding.

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/_-]+={0,2}$`)

// EncodePaymentRequired renders a challenge for the PAYMENT-REQUIRED header.
func EncodePaymentRequired(pr PaymentRequired) (string, error) {
	return encodeWire(pr)
}

// EncodePaymentPayload renders a payload for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload PaymentPayload) (string, error) {
	return encodeWire(payload)
}

// EncodeSettleResponse renders a receipt for the PAYMENT-RESPONSE header.
func EncodeSettleResponse(resp SettleResponse) (string, error) {
	return encodeWire(resp)
}

func encodeWire(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal wire value: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentPayload decodes and validates a PAYMENT-SIGNATURE header
// value. Validation happens on the raw JSON object before the typed
// unmarshal so malformed field types surface as invalid_header rather than
// partial zero-valued structs. Unknown top-level fields are tolerated;
// unknown fields inside payload pass through to the mechanism untouched.
func DecodePaymentPayload(header string) (PaymentPayload, error) {
	var payload PaymentPayload

	raw, err := decodeWire(header)
	if err != nil {
		return payload, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return payload, NewPaymentError(ReasonInvalidHeader, "payment header is not a JSON object", err)
	}

	version, err := requireNumber(fields, "x402Version")
	if err != nil {
		return payload, err
	}
	if int(version) != X402Version {
		return payload, NewPaymentError(ReasonUnsupportedVersion,
			fmt.Sprintf("x402Version %d is not supported", int(version)), nil)
	}
	if err := requireObject(fields, "accepted"); err != nil {
		return payload, err
	}
	if err := requireObject(fields, "payload"); err != nil {
		return payload, err
	}

	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, NewPaymentError(ReasonInvalidHeader, "payment header does not decode to a payment payload", err)
	}
	payload.Accepted.Network = NormalizeNetwork(payload.Accepted.Network)
	return payload, nil
}

// DecodePaymentRequired decodes a PAYMENT-REQUIRED header or a 402 body.
func DecodePaymentRequired(encoded string) (PaymentRequired, error) {
	var pr PaymentRequired
	raw, err := decodeWire(encoded)
	if err != nil {
		return pr, err
	}
	if err := json.Unmarshal(raw, &pr); err != nil {
		return pr, NewPaymentError(ReasonInvalidHeader, "value does not decode to a payment challenge", err)
	}
	for i := range pr.Accepts {
		pr.Accepts[i].Network = NormalizeNetwork(pr.Accepts[i].Network)
	}
	return pr, nil
}

// DecodeSettleResponse decodes a PAYMENT-RESPONSE header value.
func DecodeSettleResponse(encoded string) (SettleResponse, error) {
	var resp SettleResponse
	raw, err := decodeWire(encoded)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, NewPaymentError(ReasonInvalidHeader, "value does not decode to a settle response", err)
	}
	resp.Network = NormalizeNetwork(resp.Network)
	return resp, nil
}

func decodeWire(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, NewPaymentError(ReasonInvalidHeader, "payment header is empty", nil)
	}
	if !base64Pattern.MatchString(encoded) {
		return nil, NewPaymentError(ReasonInvalidHeader, "payment header is not valid base64", nil)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	}
	if err != nil {
		return nil, NewPaymentError(ReasonInvalidHeader, "payment header is not valid base64", err)
	}
	return data, nil
}

func requireNumber(fields map[string]json.RawMessage, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, NewPaymentError(ReasonInvalidHeader, fmt.Sprintf("missing field %q", name), nil)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, NewPaymentError(ReasonInvalidHeader, fmt.Sprintf("field %q must be a number", name), err)
	}
	return n, nil
}

func requireObject(fields map[string]json.RawMessage, name string) error {
	raw, ok := fields[name]
	if !ok {
		return NewPaymentError(ReasonInvalidHeader, fmt.Sprintf("missing field %q", name), nil)
	}
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return NewPaymentError(ReasonInvalidHeader, fmt.Sprintf("field %q must be an object", name), nil)
	}
	return nil
}
