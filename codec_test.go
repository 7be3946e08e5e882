package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func samplePayload() PaymentPayload {
	return PaymentPayload{
		X402Version: 2,
		Accepted: PaymentRequirements{
			Scheme:            "exact",
			Network:           "eip155:84532",
			Amount:            "1000",
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			MaxTimeoutSeconds: 300,
		},
		Payload: map[string]interface{}{
			"signature": "0xdeadbeef",
			"authorization": map[string]interface{}{
				"from": "0xabc",
			},
		},
	}
}

func TestPaymentPayloadRoundTrip(t *testing.T) {
	payload := samplePayload()

	encoded, err := EncodePaymentPayload(payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodePaymentPayload(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if !DeepEqual(payload, decoded) {
		t.Fatalf("round trip mismatch:\n  in:  %+v\n  out: %+v", payload, decoded)
	}
}

func TestDecodePaymentPayloadErrors(t *testing.T) {
	valid := func(mutate func(map[string]interface{})) string {
		obj := map[string]interface{}{
			"x402Version": 2,
			"accepted":    map[string]interface{}{"scheme": "exact"},
			"payload":     map[string]interface{}{"signature": "0x1"},
		}
		mutate(obj)
		data, _ := json.Marshal(obj)
		return base64.StdEncoding.EncodeToString(data)
	}

	tests := []struct {
		name       string
		header     string
		wantReason string
	}{
		{name: "empty", header: "", wantReason: ReasonInvalidHeader},
		{name: "not base64", header: "!!not base64!!", wantReason: ReasonInvalidHeader},
		{name: "base64 of garbage", header: base64.StdEncoding.EncodeToString([]byte("{invalid")), wantReason: ReasonInvalidHeader},
		{
			name:       "wrong version",
			header:     valid(func(o map[string]interface{}) { o["x402Version"] = 1 }),
			wantReason: ReasonUnsupportedVersion,
		},
		{
			name:       "version not a number",
			header:     valid(func(o map[string]interface{}) { o["x402Version"] = "2" }),
			wantReason: ReasonInvalidHeader,
		},
		{
			name:       "accepted not an object",
			header:     valid(func(o map[string]interface{}) { o["accepted"] = "exact" }),
			wantReason: ReasonInvalidHeader,
		},
		{
			name:       "missing payload",
			header:     valid(func(o map[string]interface{}) { delete(o, "payload") }),
			wantReason: ReasonInvalidHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePaymentPayload(tt.header)
			if err == nil {
				t.Fatal("expected error")
			}
			var pe *PaymentError
			if !errors.As(err, &pe) {
				t.Fatalf("expected PaymentError, got %T", err)
			}
			if pe.Code != tt.wantReason {
				t.Fatalf("expected reason %q, got %q", tt.wantReason, pe.Code)
			}
		})
	}
}

func TestDecodeAcceptsURLSafeAlphabet(t *testing.T) {
	payload := samplePayload()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(data)

	decoded, err := DecodePaymentPayload(encoded)
	if err != nil {
		t.Fatalf("decode of url-safe base64 failed: %v", err)
	}
	if decoded.Accepted.Amount != "1000" {
		t.Fatalf("unexpected amount %q", decoded.Accepted.Amount)
	}
}

func TestDecodeNormalizesLegacyNetworks(t *testing.T) {
	payload := samplePayload()
	payload.Accepted.Network = "base-sepolia"
	encoded, err := EncodePaymentPayload(payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodePaymentPayload(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Accepted.Network != "eip155:84532" {
		t.Fatalf("expected normalized network, got %q", decoded.Accepted.Network)
	}
}

func TestSettleResponseRoundTrip(t *testing.T) {
	receipt := SettleResponse{
		Success:     true,
		Transaction: "0xabc123",
		Network:     "eip155:84532",
		Payer:       "0xpayer",
	}
	encoded, err := EncodeSettleResponse(receipt)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeSettleResponse(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != receipt {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, receipt)
	}
}
