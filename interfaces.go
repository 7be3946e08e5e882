package x402

import "context"

// SchemeNetworkClient is the client-side capability of a mechanism: given a
// requirement the payer agreed to, produce the scheme-specific cryptographic
// payload. Implementations talk to whatever wallet or signer they need.
type SchemeNetworkClient interface {
	Scheme() string
	CreatePaymentPayload(ctx context.Context, requirements PaymentRequirements) (PartialPaymentPayload, error)
}

// SchemeNetworkService is the resource-server-side capability of a mechanism.
type SchemeNetworkService interface {
	Scheme() string

	// ParsePrice resolves an abstract route price into an atomic asset
	// amount for the given network. A nil result with nil error means the
	// mechanism does not understand this price form.
	ParsePrice(price Price, network Network) (*AssetAmount, error)

	// EnhanceRequirements merges facilitator-advertised extra (fee payer,
	// EIP-712 domain parameters) into a base requirement.
	EnhanceRequirements(ctx context.Context, requirements PaymentRequirements, kind SupportedKind) (PaymentRequirements, error)

	// Matches reports whether a payload's accepted requirement satisfies
	// the offered requirement for this scheme.
	Matches(requirements PaymentRequirements, payload PaymentPayload) bool
}

// SchemeNetworkFacilitator is the facilitator-side capability of a mechanism:
// cryptographic and on-chain verification plus settlement.
type SchemeNetworkFacilitator interface {
	Scheme() string
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
}

// FacilitatorClient is how a resource server reaches a facilitator, whether
// in-process or over HTTP. Implementations own their timeouts.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
}

// ServiceExtension hooks a named extension into the resource server.
// EnrichChallenge runs at challenge build time and returns the declaration
// placed under the extension's key. ValidatePayload runs between verify and
// handler dispatch; a non-nil error rejects the request with
// extension_validation_failed. Extensions never change the billing decision.
type ServiceExtension struct {
	Key             string
	EnrichChallenge func(ctx context.Context, decl interface{}, requirements []PaymentRequirements) (interface{}, error)
	ValidatePayload func(ctx context.Context, decl interface{}, value interface{}) error
}

// ClientExtension hooks a named extension into the client-side payer.
// EnrichPaymentPayload may attach a value under the extension's key before
// the payload is sent.
type ClientExtension struct {
	Key                  string
	EnrichPaymentPayload func(ctx context.Context, payload PaymentPayload) (interface{}, error)
}

// PaymentRequirementsSelector picks one acceptor from a challenge. The
// supported slice only contains acceptors the client has a registered
// mechanism and passing policy for.
type PaymentRequirementsSelector func(supported []PaymentRequirements) (PaymentRequirements, error)
