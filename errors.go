package x402

import (
	"errors"
	"fmt"
)

// Stable error reason strings. These cross the wire in errorReason and
// invalidReason fields and must never change once published.
const (
	// Framing
	ReasonInvalidHeader      = "invalid_header"
	ReasonInvalidPayload     = "invalid_payload"
	ReasonUnsupportedVersion = "unsupported_version"

	// Matching
	ReasonUnsupportedScheme       = "unsupported_scheme"
	ReasonUnsupportedNetwork      = "unsupported_network"
	ReasonNoMatchingRequirements  = "no_matching_requirements"
	ReasonRequirementsMismatch    = "requirements_mismatch"

	// Verification
	ReasonInvalidSignature  = "invalid_signature"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonRecipientMismatch = "recipient_mismatch"
	ReasonAssetMismatch     = "asset_mismatch"
	ReasonExpired           = "expired"
	ReasonReplay            = "replay"

	// Extensions
	ReasonExtensionValidationFailed = "extension_validation_failed"
	ReasonExecutionBlocked          = "execution_blocked"
	ReasonIdempotencyKeyReuse       = "idempotency_key_reuse"

	// Settlement
	ReasonSettlementSubmissionFailed = "settlement_submission_failed"
	ReasonSettlementTimeout          = "settlement_timeout"
	ReasonNetworkError               = "network_error"

	// Infrastructure
	ReasonFacilitatorUnreachable = "facilitator_unreachable"
	ReasonInternalError          = "internal_error"
)

// PaymentError is a structured protocol error. Code is one of the stable
// reason strings above; Details carries diagnostic context that never
// crosses the wire.
type PaymentError struct {
	Code    string
	Message string
	Details map[string]interface{}
	cause   error
}

// NewPaymentError creates a PaymentError wrapping an optional cause.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{Code: code, Message: message, cause: cause}
}

func (e *PaymentError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *PaymentError) Unwrap() error {
	return e.cause
}

// WithDetail attaches a diagnostic key/value and returns the error for
// chaining.
func (e *PaymentError) WithDetail(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ReasonOf extracts the stable reason string from an error chain. Unknown
// errors map to internal_error.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ReasonInternalError
}
