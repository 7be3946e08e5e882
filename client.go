package x402

import (
	"context"
	"fmt"
	"math/big"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPaymentSelector overrides how the client picks among acceptors it
// can satisfy.
func WithPaymentSelector(selector PaymentRequirementsSelector) ClientOption {
	return func(c *Client) {
		c.selector = selector
	}
}

// WithClientExtension registers an extension that may enrich outgoing
// payment payloads.
func WithClientExtension(ext ClientExtension) ClientOption {
	return func(c *Client) {
		c.extensions = append(c.extensions, ext)
	}
}

// WithMaxAmount caps, in atomic units, what the client will pay for a given
// asset on a given network. Acceptors above cap are filtered out before
// selection, so a challenge can never bind the wallet past its policy.
func WithMaxAmount(network Network, asset string, max *big.Int) ClientOption {
	return func(c *Client) {
		c.caps = append(c.caps, amountCap{
			network: NormalizeNetwork(network),
			asset:   asset,
			max:     new(big.Int).Set(max),
		})
	}
}

type amountCap struct {
	network Network
	asset   string
	max     *big.Int
}

// defaultPaymentSelector picks the first acceptor, preserving the server's
// preference order.
func defaultPaymentSelector(supported []PaymentRequirements) (PaymentRequirements, error) {
	if len(supported) == 0 {
		return PaymentRequirements{}, NewPaymentError(ReasonNoMatchingRequirements,
			"no supported payment requirements", nil)
	}
	return supported[0], nil
}

// Client is the payer side of the protocol: it reads a 402 challenge,
// selects an acceptor it can satisfy within policy, and builds the signed
// payment payload.
type Client struct {
	schemes    *schemeRegistry[SchemeNetworkClient]
	selector   PaymentRequirementsSelector
	extensions []ClientExtension
	caps       []amountCap
}

// NewClient creates a payer client. Register mechanisms before use.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		schemes:  newSchemeRegistry[SchemeNetworkClient](),
		selector: defaultPaymentSelector,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterScheme registers a mechanism's client capability for a network.
// Wildcards such as "eip155:*" register the mechanism for a whole namespace.
func (c *Client) RegisterScheme(network Network, impl SchemeNetworkClient) *Client {
	c.schemes.register(network, impl.Scheme(), impl)
	return c
}

// CanPay reports whether any acceptor in the challenge has a registered
// mechanism and passes the amount policy.
func (c *Client) CanPay(required PaymentRequired) bool {
	return len(c.supportedRequirements(required.Accepts)) > 0
}

// SelectPaymentRequirements filters the challenge down to acceptors the
// client can satisfy and applies the configured selector.
func (c *Client) SelectPaymentRequirements(required PaymentRequired) (PaymentRequirements, error) {
	supported := c.supportedRequirements(required.Accepts)
	if len(supported) == 0 {
		return PaymentRequirements{}, NewPaymentError(ReasonNoMatchingRequirements,
			"no acceptor matches a registered scheme within policy", nil)
	}
	return c.selector(supported)
}

// CreatePaymentPayload builds the full signed payload for one selected
// requirement and runs client extensions over it.
func (c *Client) CreatePaymentPayload(ctx context.Context, requirements PaymentRequirements, resource *ResourceInfo) (PaymentPayload, error) {
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return PaymentPayload{}, err
	}

	impl, ok := c.schemes.find(requirements.Network, requirements.Scheme)
	if !ok {
		return PaymentPayload{}, NewPaymentError(ReasonUnsupportedScheme,
			fmt.Sprintf("no client mechanism for %s on %s", requirements.Scheme, requirements.Network), nil)
	}

	partial, err := impl.CreatePaymentPayload(ctx, requirements)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("failed to create payment payload: %w", err)
	}

	payload := PaymentPayload{
		X402Version: X402Version,
		Resource:    resource,
		Accepted:    requirements,
		Payload:     partial.Payload,
		Extensions:  partial.Extensions,
	}

	for _, ext := range c.extensions {
		if ext.EnrichPaymentPayload == nil {
			continue
		}
		value, err := ext.EnrichPaymentPayload(ctx, payload)
		if err != nil {
			return PaymentPayload{}, fmt.Errorf("extension %q failed: %w", ext.Key, err)
		}
		if value != nil {
			if payload.Extensions == nil {
				payload.Extensions = make(map[string]interface{})
			}
			payload.Extensions[ext.Key] = value
		}
	}

	if err := ValidatePaymentPayload(payload); err != nil {
		return PaymentPayload{}, err
	}
	return payload, nil
}

// CreatePaymentForRequired is the one-shot path: select then build.
func (c *Client) CreatePaymentForRequired(ctx context.Context, required PaymentRequired) (PaymentPayload, error) {
	requirements, err := c.SelectPaymentRequirements(required)
	if err != nil {
		return PaymentPayload{}, err
	}
	return c.CreatePaymentPayload(ctx, requirements, required.Resource)
}

func (c *Client) supportedRequirements(accepts []PaymentRequirements) []PaymentRequirements {
	var supported []PaymentRequirements
	for _, req := range accepts {
		if _, ok := c.schemes.find(req.Network, req.Scheme); !ok {
			continue
		}
		if !c.withinPolicy(req) {
			continue
		}
		supported = append(supported, req)
	}
	return supported
}

func (c *Client) withinPolicy(req PaymentRequirements) bool {
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return false
	}
	network := NormalizeNetwork(req.Network)
	for _, limit := range c.caps {
		if limit.network == network && limit.asset == req.Asset && amount.Cmp(limit.max) > 0 {
			return false
		}
	}
	return true
}
