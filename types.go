// Package x402 implements the core of the x402 payment protocol: wire types,
// the scheme registry, the resource-server and facilitator engines, and the
// client-side payer. HTTP framework adapters live under the http subpackages;
// concrete payment mechanisms live under mechanisms.
package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
)

// X402Version is the wire protocol version this module speaks.
const X402Version = 2

// DefaultMaxTimeoutSeconds bounds how long a facilitator is expected to keep
// an offer live when a route does not override it.
const DefaultMaxTimeoutSeconds = 300

// Price is an abstract price a route is configured with. It may be a money
// string ("$0.001"), a float amount of the default asset, or an AssetAmount
// naming the asset explicitly. Mechanisms resolve it via ParsePrice.
type Price interface{}

// AssetAmount is a fully resolved price: an atomic amount of a specific asset.
type AssetAmount struct {
	Asset  string                 `json:"asset"`
	Amount string                 `json:"amount"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// ResourceInfo identifies the protected resource to a client. URL is the
// canonical resource URL, not necessarily the request URL.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirements is one acceptable way to pay for one resource.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Amount            string                 `json:"amount"`
	Asset             string                 `json:"asset"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the 402 challenge body. The same JSON, base64-encoded,
// is carried in the PAYMENT-REQUIRED header.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// PartialPaymentPayload is what a mechanism produces: the scheme-specific
// cryptographic artifact plus any extension values the mechanism attaches.
// The client core wraps it into a full PaymentPayload.
type PartialPaymentPayload struct {
	Payload    map[string]interface{} `json:"payload"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// PaymentPayload is the client's signed proof-of-intent-to-pay, carried
// base64-encoded in the PAYMENT-SIGNATURE header. Accepted records which of
// the offered requirements the client is satisfying.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     map[string]interface{} `json:"payload"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// VerifyResponse is the facilitator's answer to a verification request.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the settlement receipt. On success it is attached
// base64-encoded as the PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction,omitempty"`
	Network     Network `json:"network,omitempty"`
	Payer       string  `json:"payer,omitempty"`
}

// SupportedKind is one (version, scheme, network) capability a facilitator
// advertises, with scheme-specific extra such as a fee payer address.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is the body of the facilitator's GET /supported.
type SupportedResponse struct {
	Kinds      []SupportedKind `json:"kinds"`
	Extensions []string        `json:"extensions"`
}

// ResourceConfig is what a route supplies to build one acceptor.
type ResourceConfig struct {
	Scheme            string
	Network           Network
	PayTo             string
	Price             Price
	Resource          *ResourceInfo
	MaxTimeoutSeconds int
	Extra             map[string]interface{}
	Extensions        map[string]interface{}
}

// RequirementsEqual compares two requirements on the protocol-critical
// fields: scheme, network (after normalization), asset, amount and payTo.
// Extra is deliberately excluded; scheme-required extra is checked by the
// mechanism.
func RequirementsEqual(a, b PaymentRequirements) bool {
	return a.Scheme == b.Scheme &&
		NormalizeNetwork(a.Network) == NormalizeNetwork(b.Network) &&
		a.Asset == b.Asset &&
		a.Amount == b.Amount &&
		a.PayTo == b.PayTo
}

// DeepEqual compares two JSON-serializable values by normalized structure.
func DeepEqual(a, b interface{}) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var av, bv interface{}
	if err := json.Unmarshal(aj, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(bj, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// ValidatePaymentRequirements checks the structural invariants of a single
// acceptor: positive integer amount, CAIP-2 network, and the mandatory
// identity fields.
func ValidatePaymentRequirements(req PaymentRequirements) error {
	if req.Scheme == "" {
		return NewPaymentError(ReasonInvalidPayload, "requirements: scheme is required", nil)
	}
	if !NormalizeNetwork(req.Network).Valid() {
		return NewPaymentError(ReasonUnsupportedNetwork, fmt.Sprintf("requirements: network %q is not CAIP-2", req.Network), nil)
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return NewPaymentError(ReasonInvalidPayload, fmt.Sprintf("requirements: amount %q is not a positive integer", req.Amount), nil)
	}
	if req.Asset == "" {
		return NewPaymentError(ReasonInvalidPayload, "requirements: asset is required", nil)
	}
	if req.PayTo == "" {
		return NewPaymentError(ReasonInvalidPayload, "requirements: payTo is required", nil)
	}
	return nil
}

// ValidatePaymentPayload checks the envelope of a client payment payload.
// The scheme-specific payload body is validated by the mechanism.
func ValidatePaymentPayload(payload PaymentPayload) error {
	if payload.X402Version != X402Version {
		return NewPaymentError(ReasonUnsupportedVersion,
			fmt.Sprintf("payload: x402Version %d is not supported", payload.X402Version), nil)
	}
	if payload.Payload == nil {
		return NewPaymentError(ReasonInvalidPayload, "payload: payload body is required", nil)
	}
	return ValidatePaymentRequirements(payload.Accepted)
}

// ValidatePaymentRequired checks a challenge before it is emitted or after
// it is decoded: the accepts disjunction must be non-empty and well formed.
func ValidatePaymentRequired(pr PaymentRequired) error {
	if pr.X402Version != X402Version {
		return NewPaymentError(ReasonUnsupportedVersion,
			fmt.Sprintf("challenge: x402Version %d is not supported", pr.X402Version), nil)
	}
	if len(pr.Accepts) == 0 {
		return NewPaymentError(ReasonInvalidPayload, "challenge: accepts must not be empty", nil)
	}
	for i, req := range pr.Accepts {
		if err := ValidatePaymentRequirements(req); err != nil {
			return fmt.Errorf("challenge: accepts[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateSettleResponse checks the structural consistency of a receipt.
func ValidateSettleResponse(resp SettleResponse) error {
	if resp.Success && resp.Transaction == "" {
		return NewPaymentError(ReasonInvalidPayload, "receipt: successful settlement must carry a transaction id", nil)
	}
	if !resp.Success && resp.ErrorReason == "" {
		return NewPaymentError(ReasonInvalidPayload, "receipt: failed settlement must carry an errorReason", nil)
	}
	return nil
}
