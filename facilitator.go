package x402

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FacilitatorVerifyContext is passed to facilitator verify hooks.
type FacilitatorVerifyContext struct {
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Response     *VerifyResponse
	Err          error
}

// FacilitatorSettleContext is passed to facilitator settle hooks.
type FacilitatorSettleContext struct {
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Response     *SettleResponse
	Err          error
}

// FacilitatorBeforeHook may abort the operation by returning false. Errors
// from hooks are swallowed; hooks are observability surfaces only.
type (
	FacilitatorBeforeVerifyHook  func(ctx context.Context, vc *FacilitatorVerifyContext) bool
	FacilitatorAfterVerifyHook   func(ctx context.Context, vc *FacilitatorVerifyContext)
	FacilitatorVerifyFailureHook func(ctx context.Context, vc *FacilitatorVerifyContext)
	FacilitatorBeforeSettleHook  func(ctx context.Context, sc *FacilitatorSettleContext) bool
	FacilitatorAfterSettleHook   func(ctx context.Context, sc *FacilitatorSettleContext)
	FacilitatorSettleFailureHook func(ctx context.Context, sc *FacilitatorSettleContext)
)

// Facilitator dispatches verify and settle calls to registered mechanisms
// and aggregates their advertised capabilities. It is safe for concurrent
// use once registration is complete.
type Facilitator struct {
	schemes *schemeRegistry[SchemeNetworkFacilitator]

	mu         sync.RWMutex
	extras     map[Network]map[string]map[string]interface{}
	extensions []string

	beforeVerify  []FacilitatorBeforeVerifyHook
	afterVerify   []FacilitatorAfterVerifyHook
	verifyFailure []FacilitatorVerifyFailureHook
	beforeSettle  []FacilitatorBeforeSettleHook
	afterSettle   []FacilitatorAfterSettleHook
	settleFailure []FacilitatorSettleFailureHook
}

// NewFacilitator creates an empty facilitator. Register mechanisms before
// serving traffic; the registry is frozen by convention afterwards.
func NewFacilitator() *Facilitator {
	return &Facilitator{
		schemes: newSchemeRegistry[SchemeNetworkFacilitator](),
		extras:  make(map[Network]map[string]map[string]interface{}),
	}
}

// Register registers a mechanism for the given networks. The optional extra
// map is advertised verbatim in GetSupported for each (scheme, network),
// which is how fee-payer sponsorship reaches resource servers.
func (f *Facilitator) Register(networks []Network, impl SchemeNetworkFacilitator, extra ...map[string]interface{}) *Facilitator {
	for _, network := range networks {
		network = NormalizeNetwork(network)
		f.schemes.register(network, impl.Scheme(), impl)
		if len(extra) > 0 && extra[0] != nil {
			f.mu.Lock()
			if f.extras[network] == nil {
				f.extras[network] = make(map[string]map[string]interface{})
			}
			f.extras[network][impl.Scheme()] = extra[0]
			f.mu.Unlock()
		}
	}
	return f
}

// RegisterExtension advertises a protocol extension key in GetSupported.
// Duplicate keys are ignored.
func (f *Facilitator) RegisterExtension(key string) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.extensions {
		if existing == key {
			return f
		}
	}
	f.extensions = append(f.extensions, key)
	return f
}

// OnBeforeVerify adds a hook that runs before verification.
func (f *Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *Facilitator {
	f.beforeVerify = append(f.beforeVerify, hook)
	return f
}

// OnAfterVerify adds a hook that runs after successful verification.
func (f *Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *Facilitator {
	f.afterVerify = append(f.afterVerify, hook)
	return f
}

// OnVerifyFailure adds a hook that runs when verification fails or errors.
func (f *Facilitator) OnVerifyFailure(hook FacilitatorVerifyFailureHook) *Facilitator {
	f.verifyFailure = append(f.verifyFailure, hook)
	return f
}

// OnBeforeSettle adds a hook that runs before settlement.
func (f *Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *Facilitator {
	f.beforeSettle = append(f.beforeSettle, hook)
	return f
}

// OnAfterSettle adds a hook that runs after successful settlement.
func (f *Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *Facilitator {
	f.afterSettle = append(f.afterSettle, hook)
	return f
}

// OnSettleFailure adds a hook that runs when settlement fails or errors.
func (f *Facilitator) OnSettleFailure(hook FacilitatorSettleFailureHook) *Facilitator {
	f.settleFailure = append(f.settleFailure, hook)
	return f
}

// Verify checks a payment payload against the requirements it claims to
// satisfy. Unsupported (scheme, network) and requirement mismatches are
// reported as invalid rather than as errors; errors are reserved for
// infrastructure failures.
func (f *Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	vc := &FacilitatorVerifyContext{Payload: payload, Requirements: requirements}
	for _, hook := range f.beforeVerify {
		if !hook(ctx, vc) {
			return VerifyResponse{IsValid: false, InvalidReason: ReasonExecutionBlocked}, nil
		}
	}

	resp, err := f.verify(ctx, payload, requirements)
	vc.Response = &resp
	vc.Err = err
	if err != nil || !resp.IsValid {
		for _, hook := range f.verifyFailure {
			hook(ctx, vc)
		}
		return resp, err
	}
	for _, hook := range f.afterVerify {
		hook(ctx, vc)
	}
	return resp, nil
}

func (f *Facilitator) verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonOf(err)}, nil
	}

	impl, ok := f.schemes.find(payload.Accepted.Network, payload.Accepted.Scheme)
	if !ok {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonUnsupportedScheme}, nil
	}

	// The client's accepted copy must agree with the server's offered
	// requirement on every protocol-critical field before any
	// cryptographic work happens.
	if !RequirementsEqual(payload.Accepted, requirements) {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonRequirementsMismatch}, nil
	}

	return impl.Verify(ctx, payload, requirements)
}

// Settle executes the transfer for a previously verified payment. It
// re-verifies first so a stale verify cannot be replayed into a settlement.
func (f *Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	sc := &FacilitatorSettleContext{Payload: payload, Requirements: requirements}
	for _, hook := range f.beforeSettle {
		if !hook(ctx, sc) {
			return SettleResponse{
				Success:     false,
				ErrorReason: ReasonExecutionBlocked,
				Network:     payload.Accepted.Network,
			}, nil
		}
	}

	resp, err := f.settle(ctx, payload, requirements)
	sc.Response = &resp
	sc.Err = err
	if err != nil || !resp.Success {
		for _, hook := range f.settleFailure {
			hook(ctx, sc)
		}
		return resp, err
	}
	for _, hook := range f.afterSettle {
		hook(ctx, sc)
	}
	return resp, nil
}

func (f *Facilitator) settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	verifyResp, err := f.verify(ctx, payload, requirements)
	if err != nil {
		return SettleResponse{}, fmt.Errorf("pre-settle verification failed: %w", err)
	}
	if !verifyResp.IsValid {
		return SettleResponse{
			Success:     false,
			ErrorReason: verifyResp.InvalidReason,
			Network:     payload.Accepted.Network,
		}, nil
	}

	impl, _ := f.schemes.find(payload.Accepted.Network, payload.Accepted.Scheme)
	return impl.Settle(ctx, payload, requirements)
}

// GetSupported returns the union of capabilities across registered
// mechanisms, each kind carrying the extra supplied at registration. The
// result is sorted for stable output.
func (f *Facilitator) GetSupported() SupportedResponse {
	var kinds []SupportedKind
	f.schemes.each(func(network Network, scheme string, _ SchemeNetworkFacilitator) {
		kind := SupportedKind{
			X402Version: X402Version,
			Scheme:      scheme,
			Network:     network,
		}
		f.mu.RLock()
		if byScheme, ok := f.extras[network]; ok {
			if extra, ok := byScheme[scheme]; ok {
				kind.Extra = extra
			}
		}
		f.mu.RUnlock()
		kinds = append(kinds, kind)
	})

	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Network != kinds[j].Network {
			return kinds[i].Network < kinds[j].Network
		}
		return kinds[i].Scheme < kinds[j].Scheme
	})

	// make keeps Extensions non-nil so it serializes as [] when empty.
	f.mu.RLock()
	extensions := make([]string, len(f.extensions))
	copy(extensions, f.extensions)
	f.mu.RUnlock()

	return SupportedResponse{Kinds: kinds, Extensions: extensions}
}

// LocalFacilitatorClient adapts an in-process Facilitator to the
// FacilitatorClient interface used by resource servers.
type LocalFacilitatorClient struct {
	facilitator *Facilitator
}

// NewLocalFacilitatorClient wraps an in-process facilitator.
func NewLocalFacilitatorClient(f *Facilitator) *LocalFacilitatorClient {
	return &LocalFacilitatorClient{facilitator: f}
}

func (c *LocalFacilitatorClient) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	return c.facilitator.Verify(ctx, payload, requirements)
}

func (c *LocalFacilitatorClient) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	return c.facilitator.Settle(ctx, payload, requirements)
}

func (c *LocalFacilitatorClient) GetSupported(ctx context.Context) (SupportedResponse, error) {
	return c.facilitator.GetSupported(), nil
}

var _ FacilitatorClient = (*LocalFacilitatorClient)(nil)
