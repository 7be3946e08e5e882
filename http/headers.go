// Package http is the framework-neutral HTTP layer of the protocol: header
// codecs, the route table, the request processing core that framework
// adapters (gin, echo, net/http) delegate to, the payer round tripper, and
// the HTTP facilitator client.
package http

import (
	x402 "github.com/x402labs/x402-go"
)

// Protocol header names. Matching is case-insensitive per HTTP; these are
// the canonical spellings emitted on the wire.
const (
	PaymentRequiredHeader  = "PAYMENT-REQUIRED"
	PaymentSignatureHeader = "PAYMENT-SIGNATURE"
	PaymentResponseHeader  = "PAYMENT-RESPONSE"
)

// EncodePaymentRequiredHeader renders a challenge for the PAYMENT-REQUIRED
// header. The header value and the 402 body decode to identical JSON.
func EncodePaymentRequiredHeader(pr x402.PaymentRequired) (string, error) {
	return x402.EncodePaymentRequired(pr)
}

// EncodePaymentSignatureHeader renders a payment payload for the
// PAYMENT-SIGNATURE request header.
func EncodePaymentSignatureHeader(payload x402.PaymentPayload) (string, error) {
	return x402.EncodePaymentPayload(payload)
}

// EncodePaymentResponseHeader renders a settlement receipt for the
// PAYMENT-RESPONSE header.
func EncodePaymentResponseHeader(resp x402.SettleResponse) (string, error) {
	return x402.EncodeSettleResponse(resp)
}

// DecodePaymentSignatureHeader decodes and validates an incoming
// PAYMENT-SIGNATURE header.
func DecodePaymentSignatureHeader(header string) (x402.PaymentPayload, error) {
	return x402.DecodePaymentPayload(header)
}

// DecodePaymentRequiredHeader decodes a PAYMENT-REQUIRED header value.
func DecodePaymentRequiredHeader(header string) (x402.PaymentRequired, error) {
	return x402.DecodePaymentRequired(header)
}

// DecodePaymentResponseHeader decodes a PAYMENT-RESPONSE header value.
func DecodePaymentResponseHeader(header string) (x402.SettleResponse, error) {
	return x402.DecodeSettleResponse(header)
}
