package x402

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PaymentContext is the per-request state handed to resource-server hooks.
// It is immutable from a hook's point of view apart from the documented
// abort signal of OnBeforeExecution.
type PaymentContext struct {
	Payload      *PaymentPayload
	Requirements *PaymentRequirements
	VerifyResult *VerifyResponse
	SettleResult *SettleResponse
	HandlerCode  int
}

type (
	// BeforeExecutionHook runs after verification, before the handler.
	// Returning false aborts the request with execution_blocked.
	BeforeExecutionHook func(ctx context.Context, pc *PaymentContext) bool
	// AfterExecutionHook runs after the handler, before settlement.
	AfterExecutionHook func(ctx context.Context, pc *PaymentContext)
	// AfterSettlementHook runs after settlement regardless of outcome.
	AfterSettlementHook func(ctx context.Context, pc *PaymentContext)
)

// ResourceServerOption configures a ResourceServer.
type ResourceServerOption func(*ResourceServer)

// WithFacilitatorClient adds a facilitator the server can route to.
func WithFacilitatorClient(client FacilitatorClient) ResourceServerOption {
	return func(s *ResourceServer) {
		s.facilitators = append(s.facilitators, client)
	}
}

// WithSchemeService registers a mechanism's server-side capability for a
// network. Wildcard networks such as "eip155:*" are accepted.
func WithSchemeService(network Network, service SchemeNetworkService) ResourceServerOption {
	return func(s *ResourceServer) {
		s.services.register(network, service.Scheme(), service)
	}
}

// WithServiceExtension registers an extension on the server.
func WithServiceExtension(ext ServiceExtension) ResourceServerOption {
	return func(s *ResourceServer) {
		s.extensions = append(s.extensions, ext)
	}
}

// WithSupportedTTL overrides how long cached supported kinds stay fresh.
func WithSupportedTTL(ttl time.Duration) ResourceServerOption {
	return func(s *ResourceServer) {
		s.supported.ttl = ttl
	}
}

// ResourceServer drives the protocol on behalf of protected resources:
// it builds challenges, verifies payloads through a facilitator, runs
// extension validation, and settles after the handler succeeded.
type ResourceServer struct {
	services     *schemeRegistry[SchemeNetworkService]
	facilitators []FacilitatorClient
	extensions   []ServiceExtension
	supported    supportedCache

	beforeExecution []BeforeExecutionHook
	afterExecution  []AfterExecutionHook
	afterSettlement []AfterSettlementHook
}

// NewResourceServer creates a resource server. Call Initialize before
// serving traffic so facilitator capabilities are known.
func NewResourceServer(opts ...ResourceServerOption) *ResourceServer {
	s := &ResourceServer{
		services:  newSchemeRegistry[SchemeNetworkService](),
		supported: supportedCache{ttl: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnBeforeExecution adds a hook that may abort the request before the
// handler runs.
func (s *ResourceServer) OnBeforeExecution(hook BeforeExecutionHook) *ResourceServer {
	s.beforeExecution = append(s.beforeExecution, hook)
	return s
}

// OnAfterExecution adds a hook observing the handler outcome.
func (s *ResourceServer) OnAfterExecution(hook AfterExecutionHook) *ResourceServer {
	s.afterExecution = append(s.afterExecution, hook)
	return s
}

// OnAfterSettlement adds a hook observing the settlement outcome.
func (s *ResourceServer) OnAfterSettlement(hook AfterSettlementHook) *ResourceServer {
	s.afterSettlement = append(s.afterSettlement, hook)
	return s
}

// RunBeforeExecution runs the abort-capable hooks; false means the request
// must be rejected with execution_blocked.
func (s *ResourceServer) RunBeforeExecution(ctx context.Context, pc *PaymentContext) bool {
	for _, hook := range s.beforeExecution {
		if !hook(ctx, pc) {
			return false
		}
	}
	return true
}

// RunAfterExecution runs the post-handler hooks.
func (s *ResourceServer) RunAfterExecution(ctx context.Context, pc *PaymentContext) {
	for _, hook := range s.afterExecution {
		hook(ctx, pc)
	}
}

// RunAfterSettlement runs the post-settlement hooks.
func (s *ResourceServer) RunAfterSettlement(ctx context.Context, pc *PaymentContext) {
	for _, hook := range s.afterSettlement {
		hook(ctx, pc)
	}
}

// Initialize fetches supported kinds from every facilitator client and
// caches them. Safe to call again to refresh; readers never block on a
// refresh thanks to copy-on-write snapshots.
func (s *ResourceServer) Initialize(ctx context.Context) error {
	if len(s.facilitators) == 0 {
		return fmt.Errorf("resource server has no facilitator clients configured")
	}

	var entries []supportedEntry
	for i, client := range s.facilitators {
		resp, err := client.GetSupported(ctx)
		if err != nil {
			return NewPaymentError(ReasonFacilitatorUnreachable,
				fmt.Sprintf("failed to fetch supported kinds from facilitator %d", i), err)
		}
		for _, kind := range resp.Kinds {
			if kind.X402Version != X402Version {
				continue
			}
			kind.Network = NormalizeNetwork(kind.Network)
			entries = append(entries, supportedEntry{kind: kind, client: client})
		}
	}

	s.supported.store(entries)
	return nil
}

// SupportsScheme reports whether a scheme service is registered for the
// network, independent of facilitator capabilities.
func (s *ResourceServer) SupportsScheme(network Network, scheme string) bool {
	_, ok := s.services.find(NormalizeNetwork(network), scheme)
	return ok
}

// BuildPaymentRequirements resolves one route acceptor into concrete
// requirements: price parsing, defaults, then mechanism enhancement with
// the facilitator-advertised kind.
func (s *ResourceServer) BuildPaymentRequirements(ctx context.Context, config ResourceConfig) (PaymentRequirements, error) {
	network := NormalizeNetwork(config.Network)

	service, ok := s.services.find(network, config.Scheme)
	if !ok {
		return PaymentRequirements{}, NewPaymentError(ReasonUnsupportedScheme,
			fmt.Sprintf("no scheme service registered for %s on %s", config.Scheme, network), nil)
	}

	entry, err := s.findSupported(ctx, config.Scheme, network)
	if err != nil {
		return PaymentRequirements{}, err
	}

	assetAmount, err := service.ParsePrice(config.Price, network)
	if err != nil {
		return PaymentRequirements{}, fmt.Errorf("failed to parse price for %s: %w", network, err)
	}
	if assetAmount == nil {
		return PaymentRequirements{}, fmt.Errorf("scheme %s cannot price %v on %s", config.Scheme, config.Price, network)
	}

	timeout := config.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = DefaultMaxTimeoutSeconds
	}

	base := PaymentRequirements{
		Scheme:            config.Scheme,
		Network:           network,
		Amount:            assetAmount.Amount,
		Asset:             assetAmount.Asset,
		PayTo:             config.PayTo,
		MaxTimeoutSeconds: timeout,
		Extra:             mergeExtra(assetAmount.Extra, config.Extra),
	}

	enhanced, err := service.EnhanceRequirements(ctx, base, entry.kind)
	if err != nil {
		return PaymentRequirements{}, fmt.Errorf("failed to enhance requirements: %w", err)
	}
	if err := ValidatePaymentRequirements(enhanced); err != nil {
		return PaymentRequirements{}, err
	}
	return enhanced, nil
}

// CreatePaymentRequired builds a full challenge from the route's acceptors,
// running every registered extension's EnrichChallenge hook over the
// declared extensions.
func (s *ResourceServer) CreatePaymentRequired(ctx context.Context, configs []ResourceConfig, resource *ResourceInfo) (PaymentRequired, error) {
	if len(configs) == 0 {
		return PaymentRequired{}, fmt.Errorf("at least one payment option is required")
	}

	accepts := make([]PaymentRequirements, 0, len(configs))
	declared := make(map[string]interface{})
	for _, config := range configs {
		req, err := s.BuildPaymentRequirements(ctx, config)
		if err != nil {
			return PaymentRequired{}, err
		}
		accepts = append(accepts, req)
		for key, decl := range config.Extensions {
			declared[key] = decl
		}
	}

	extensions := make(map[string]interface{})
	for key, decl := range declared {
		extensions[key] = decl
	}
	for _, ext := range s.extensions {
		if ext.EnrichChallenge == nil {
			continue
		}
		enriched, err := ext.EnrichChallenge(ctx, extensions[ext.Key], accepts)
		if err != nil {
			// Enrichment is additive; a failing extension never blocks
			// the challenge.
			continue
		}
		if enriched != nil {
			extensions[ext.Key] = enriched
		}
	}
	if len(extensions) == 0 {
		extensions = nil
	}

	return PaymentRequired{
		X402Version: X402Version,
		Error:       "payment required",
		Resource:    resource,
		Accepts:     accepts,
		Extensions:  extensions,
	}, nil
}

// FindMatchingRequirements locates the offered requirement the payload's
// accepted copy satisfies, using the mechanism's Matches when available and
// protocol-critical field equality otherwise.
func (s *ResourceServer) FindMatchingRequirements(accepts []PaymentRequirements, payload PaymentPayload) (PaymentRequirements, bool) {
	for _, req := range accepts {
		if service, ok := s.services.find(req.Network, req.Scheme); ok {
			if service.Matches(req, payload) {
				return req, true
			}
			continue
		}
		if RequirementsEqual(req, payload.Accepted) {
			return req, true
		}
	}
	return PaymentRequirements{}, false
}

// VerifyPayment routes a verification to the facilitator that advertised
// the payload's (scheme, network).
func (s *ResourceServer) VerifyPayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	entry, err := s.findSupported(ctx, requirements.Scheme, requirements.Network)
	if err != nil {
		return VerifyResponse{}, err
	}
	return entry.client.Verify(ctx, payload, requirements)
}

// SettlePayment routes a settlement the same way. Callers must only invoke
// it after a successful verify and a successful handler run.
func (s *ResourceServer) SettlePayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	entry, err := s.findSupported(ctx, requirements.Scheme, requirements.Network)
	if err != nil {
		return SettleResponse{}, err
	}
	return entry.client.Settle(ctx, payload, requirements)
}

// ValidateExtensions runs every registered extension's ValidatePayload hook
// against the payload's extension values. Any failure rejects the payment.
func (s *ResourceServer) ValidateExtensions(ctx context.Context, declared map[string]interface{}, payload PaymentPayload) error {
	for _, ext := range s.extensions {
		if ext.ValidatePayload == nil {
			continue
		}
		var value interface{}
		if payload.Extensions != nil {
			value = payload.Extensions[ext.Key]
		}
		var decl interface{}
		if declared != nil {
			decl = declared[ext.Key]
		}
		if err := ext.ValidatePayload(ctx, decl, value); err != nil {
			return NewPaymentError(ReasonExtensionValidationFailed,
				fmt.Sprintf("extension %q rejected payload", ext.Key), err)
		}
	}
	return nil
}

// SupportedKinds returns the cached capability snapshot, refreshing it when
// stale and at least one facilitator is reachable.
func (s *ResourceServer) SupportedKinds(ctx context.Context) []SupportedKind {
	if s.supported.stale() {
		// Best effort refresh; a failure keeps the previous snapshot.
		_ = s.Initialize(ctx)
	}
	entries := s.supported.load()
	kinds := make([]SupportedKind, 0, len(entries))
	for _, entry := range entries {
		kinds = append(kinds, entry.kind)
	}
	return kinds
}

func (s *ResourceServer) findSupported(ctx context.Context, scheme string, network Network) (supportedEntry, error) {
	if s.supported.stale() {
		if err := s.Initialize(ctx); err != nil && len(s.supported.load()) == 0 {
			return supportedEntry{}, err
		}
	}
	network = NormalizeNetwork(network)
	for _, entry := range s.supported.load() {
		if entry.kind.Scheme == scheme && network.Match(entry.kind.Network) {
			return entry, nil
		}
	}
	return supportedEntry{}, NewPaymentError(ReasonUnsupportedScheme,
		fmt.Sprintf("no facilitator supports %s on %s", scheme, network), nil)
}

func mergeExtra(base, override map[string]interface{}) map[string]interface{} {
	if base == nil && override == nil {
		return nil
	}
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// supportedEntry binds an advertised kind to the facilitator that serves it.
type supportedEntry struct {
	kind   SupportedKind
	client FacilitatorClient
}

// supportedCache is a copy-on-write snapshot of facilitator capabilities.
// Readers never block writers and vice versa.
type supportedCache struct {
	mu      sync.RWMutex
	entries []supportedEntry
	expiry  time.Time
	ttl     time.Duration
}

func (c *supportedCache) store(entries []supportedEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	c.expiry = time.Now().Add(c.ttl)
}

func (c *supportedCache) load() []supportedEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries
}

func (c *supportedCache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries == nil || time.Now().After(c.expiry)
}
