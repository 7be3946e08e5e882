package http

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	x402 "github.com/x402labs/x402-go"
)

// HTTPAdapter abstracts the inbound request so the processing core stays
// framework-neutral. Each framework adapter implements it over its own
// request type.
type HTTPAdapter interface {
	GetHeader(name string) string
	GetMethod() string
	GetPath() string
	GetURL() string
	GetAcceptHeader() string
	GetUserAgent() string
}

// ProcessOutcome classifies what the middleware should do next.
type ProcessOutcome int

const (
	// OutcomePassthrough: the route is not payment-protected.
	OutcomePassthrough ProcessOutcome = iota
	// OutcomeRespond: stop and write Response (challenge or error).
	OutcomeRespond
	// OutcomeVerified: run the handler, then call ProcessSettlement.
	OutcomeVerified
)

// ResponseInstructions tells an adapter exactly what to write.
type ResponseInstructions struct {
	Status      int
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// ProcessResult carries the outcome of pre-handler processing.
type ProcessResult struct {
	Outcome  ProcessOutcome
	Response *ResponseInstructions

	// Populated when Outcome == OutcomeVerified.
	Route        *CompiledRoute
	Payload      x402.PaymentPayload
	Requirements x402.PaymentRequirements
	Verification x402.VerifyResponse
	Challenge    x402.PaymentRequired
}

// ServiceOption configures a ResourceService.
type ServiceOption func(*ResourceService)

// WithFacilitatorClient routes verify/settle through the given facilitator.
func WithFacilitatorClient(client x402.FacilitatorClient) ServiceOption {
	return func(s *ResourceService) {
		s.serverOpts = append(s.serverOpts, x402.WithFacilitatorClient(client))
	}
}

// WithScheme registers a mechanism's server capability for a network.
func WithScheme(network x402.Network, service x402.SchemeNetworkService) ServiceOption {
	return func(s *ResourceService) {
		s.serverOpts = append(s.serverOpts, x402.WithSchemeService(network, service))
	}
}

// WithExtension registers a service extension.
func WithExtension(ext x402.ServiceExtension) ServiceOption {
	return func(s *ResourceService) {
		s.serverOpts = append(s.serverOpts, x402.WithServiceExtension(ext))
	}
}

// WithTimeout bounds each outbound facilitator call. Default 30s.
func WithTimeout(timeout time.Duration) ServiceOption {
	return func(s *ResourceService) {
		s.timeout = timeout
	}
}

// WithPaywall overrides the paywall page configuration.
func WithPaywall(config PaywallConfig) ServiceOption {
	return func(s *ResourceService) {
		s.paywall = config
	}
}

// WithWarningHandler receives non-fatal initialization warnings, such as
// a configured kind no facilitator currently advertises.
func WithWarningHandler(handler func(msg string)) ServiceOption {
	return func(s *ResourceService) {
		s.onWarning = handler
	}
}

// ResourceService is the shared middleware core: route matching, challenge
// emission, payload verification and settlement, independent of the host
// framework.
type ResourceService struct {
	server     *x402.ResourceServer
	serverOpts []x402.ResourceServerOption
	routes     []CompiledRoute
	timeout    time.Duration
	paywall    PaywallConfig
	onWarning  func(msg string)

	initMu      sync.Mutex
	initialized bool

	warnMu   sync.Mutex
	warnings []string
}

// NewResourceService compiles the route table and builds the underlying
// resource server. Call Initialize before serving traffic.
func NewResourceService(routes RoutesConfig, opts ...ServiceOption) (*ResourceService, error) {
	compiled, err := CompileRoutes(routes)
	if err != nil {
		return nil, err
	}
	s := &ResourceService{
		routes:  compiled,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = x402.NewResourceServer(s.serverOpts...)
	return s, nil
}

// Server exposes the underlying resource server for hook registration.
func (s *ResourceService) Server() *x402.ResourceServer {
	return s.server
}

// Initialize fetches facilitator capabilities and checks the route table.
// A route whose (scheme, network) has no registered scheme service is a
// configuration error. A kind the registry resolves but no facilitator
// currently advertises only produces a warning: the route keeps emitting
// challenges and works as soon as a facilitator picks the kind up.
func (s *ResourceService) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initializeLocked(ctx)
}

// ensureInitialized runs Initialize on the first protected request when the
// caller skipped it at startup. Failures are returned, never cached: the
// next request retries, so a transient facilitator outage heals itself.
func (s *ResourceService) ensureInitialized(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized {
		return nil
	}
	return s.initializeLocked(ctx)
}

func (s *ResourceService) initializeLocked(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.server.Initialize(cctx); err != nil {
		return err
	}

	var warnings []string
	for _, route := range s.routes {
		for _, opt := range route.Config.options() {
			if !s.server.SupportsScheme(opt.Network, opt.Scheme) {
				return fmt.Errorf("route %q: no scheme service registered for %s on %s",
					route.Raw, opt.Scheme, x402.NormalizeNetwork(opt.Network))
			}
			if _, err := s.server.BuildPaymentRequirements(cctx, s.resourceConfig(route, opt, "")); err != nil {
				warnings = append(warnings, fmt.Sprintf("route %q: %v", route.Raw, err))
			}
		}
	}

	s.warnMu.Lock()
	s.warnings = warnings
	s.warnMu.Unlock()
	if s.onWarning != nil {
		for _, warning := range warnings {
			s.onWarning(warning)
		}
	}

	s.initialized = true
	return nil
}

// Warnings returns the non-fatal findings from the last initialization.
func (s *ResourceService) Warnings() []string {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	return append([]string(nil), s.warnings...)
}

// ProcessHTTPRequest runs the pre-handler half of the state machine:
// Match, Build, then Challenge or Verify.
func (s *ResourceService) ProcessHTTPRequest(ctx context.Context, adapter HTTPAdapter) (*ProcessResult, error) {
	route := FindMatchingRoute(s.routes, adapter.GetMethod(), adapter.GetPath())
	if route == nil {
		return &ProcessResult{Outcome: OutcomePassthrough}, nil
	}

	// Lazy initialization happens only once a protected route matched, so
	// unprotected traffic never depends on facilitator reachability.
	if err := s.ensureInitialized(ctx); err != nil {
		return s.facilitatorError(err)
	}

	challenge, err := s.buildChallenge(ctx, route, adapter.GetURL())
	if err != nil {
		return s.internalError(err)
	}

	header := adapter.GetHeader(PaymentSignatureHeader)
	if header == "" {
		resp, err := s.challengeResponse(route, adapter, challenge)
		if err != nil {
			return s.internalError(err)
		}
		return &ProcessResult{Outcome: OutcomeRespond, Response: resp}, nil
	}

	payload, err := DecodePaymentSignatureHeader(header)
	if err != nil {
		return s.rejection(route, adapter, challenge, x402.ReasonOf(err))
	}

	requirements, ok := s.server.FindMatchingRequirements(challenge.Accepts, payload)
	if !ok {
		return s.rejection(route, adapter, challenge, x402.ReasonNoMatchingRequirements)
	}

	vctx, cancel := context.WithTimeout(ctx, s.timeout)
	verification, err := s.server.VerifyPayment(vctx, payload, requirements)
	cancel()
	if err != nil {
		return s.facilitatorError(err)
	}
	if !verification.IsValid {
		return s.rejection(route, adapter, challenge, verification.InvalidReason)
	}

	declared := declaredExtensions(route.Config)
	if err := s.server.ValidateExtensions(ctx, declared, payload); err != nil {
		return s.rejection(route, adapter, challenge, x402.ReasonExtensionValidationFailed)
	}

	pc := &x402.PaymentContext{
		Payload:      &payload,
		Requirements: &requirements,
		VerifyResult: &verification,
	}
	if !s.server.RunBeforeExecution(ctx, pc) {
		return s.rejection(route, adapter, challenge, x402.ReasonExecutionBlocked)
	}

	return &ProcessResult{
		Outcome:      OutcomeVerified,
		Route:        route,
		Payload:      payload,
		Requirements: requirements,
		Verification: verification,
		Challenge:    challenge,
	}, nil
}

// SettlementResult is what ProcessSettlement hands back to the adapter.
type SettlementResult struct {
	// Settled is false when settlement was skipped (handler >= 400).
	Settled bool
	Receipt x402.SettleResponse

	// HeaderValue is the encoded PAYMENT-RESPONSE value on success.
	HeaderValue string

	// FailureResponse replaces the handler output when settlement failed.
	FailureResponse *ResponseInstructions
}

// ProcessSettlement runs the post-handler half: settle only when the
// handler succeeded, attach the receipt on success, discard the handler
// output on settlement failure. The caller must pass a context that is not
// cancelled by client disconnects.
func (s *ResourceService) ProcessSettlement(ctx context.Context, result *ProcessResult, handlerStatus int) (*SettlementResult, error) {
	pc := &x402.PaymentContext{
		Payload:      &result.Payload,
		Requirements: &result.Requirements,
		VerifyResult: &result.Verification,
		HandlerCode:  handlerStatus,
	}
	s.server.RunAfterExecution(ctx, pc)

	if handlerStatus >= 400 {
		return &SettlementResult{Settled: false}, nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	receipt, err := s.server.SettlePayment(sctx, result.Payload, result.Requirements)
	if err != nil {
		receipt = x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonSettlementSubmissionFailed,
			Network:     result.Requirements.Network,
		}
	}
	pc.SettleResult = &receipt
	s.server.RunAfterSettlement(ctx, pc)

	if !receipt.Success {
		body, _ := json.Marshal(challengeWithReason(result.Challenge, receipt.ErrorReason))
		return &SettlementResult{
			Settled: true,
			Receipt: receipt,
			FailureResponse: &ResponseInstructions{
				Status:      402,
				ContentType: "application/json",
				Body:        body,
			},
		}, nil
	}

	headerValue, err := EncodePaymentResponseHeader(receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settlement receipt: %w", err)
	}
	return &SettlementResult{
		Settled:     true,
		Receipt:     receipt,
		HeaderValue: headerValue,
	}, nil
}

func (s *ResourceService) buildChallenge(ctx context.Context, route *CompiledRoute, requestURL string) (x402.PaymentRequired, error) {
	opts := route.Config.options()
	configs := make([]x402.ResourceConfig, 0, len(opts))
	for _, opt := range opts {
		configs = append(configs, s.resourceConfig(*route, opt, requestURL))
	}
	resource := &x402.ResourceInfo{
		URL:         route.Config.Resource,
		Description: route.Config.Description,
		MimeType:    route.Config.MimeType,
	}
	if resource.URL == "" {
		resource.URL = requestURL
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.server.CreatePaymentRequired(cctx, configs, resource)
}

func (s *ResourceService) resourceConfig(route CompiledRoute, opt PaymentOption, requestURL string) x402.ResourceConfig {
	resource := &x402.ResourceInfo{
		URL:         route.Config.Resource,
		Description: route.Config.Description,
		MimeType:    route.Config.MimeType,
	}
	if resource.URL == "" {
		resource.URL = requestURL
	}
	return x402.ResourceConfig{
		Scheme:            opt.Scheme,
		Network:           opt.Network,
		PayTo:             opt.PayTo,
		Price:             opt.Price,
		Resource:          resource,
		MaxTimeoutSeconds: opt.MaxTimeoutSeconds,
		Extra:             opt.Extra,
		Extensions:        route.Config.Extensions,
	}
}

// challengeResponse renders the 402 for a request with no payment header:
// JSON (or a custom body) for API clients, an HTML paywall for browsers.
// The PAYMENT-REQUIRED header always carries the canonical challenge.
func (s *ResourceService) challengeResponse(route *CompiledRoute, adapter HTTPAdapter, challenge x402.PaymentRequired) (*ResponseInstructions, error) {
	headerValue, err := EncodePaymentRequiredHeader(challenge)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{PaymentRequiredHeader: headerValue}

	if isBrowserRequest(adapter) {
		html := route.Config.CustomPaywallHTML
		if html == "" {
			html = s.paywall.Render(challenge)
		}
		return &ResponseInstructions{
			Status:      402,
			ContentType: "text/html; charset=utf-8",
			Headers:     headers,
			Body:        []byte(html),
		}, nil
	}

	if route.Config.UnpaidResponseBody != nil {
		body, contentType := route.Config.UnpaidResponseBody(challenge)
		return &ResponseInstructions{
			Status:      402,
			ContentType: contentType,
			Headers:     headers,
			Body:        body,
		}, nil
	}

	body, err := json.Marshal(challenge)
	if err != nil {
		return nil, err
	}
	return &ResponseInstructions{
		Status:      402,
		ContentType: "application/json",
		Headers:     headers,
		Body:        body,
	}, nil
}

func (s *ResourceService) rejection(route *CompiledRoute, adapter HTTPAdapter, challenge x402.PaymentRequired, reason string) (*ProcessResult, error) {
	resp, err := s.challengeResponse(route, adapter, challengeWithReason(challenge, reason))
	if err != nil {
		return s.internalError(err)
	}
	return &ProcessResult{Outcome: OutcomeRespond, Response: resp}, nil
}

func (s *ResourceService) facilitatorError(err error) (*ProcessResult, error) {
	body, _ := json.Marshal(map[string]string{"error": x402.ReasonFacilitatorUnreachable})
	return &ProcessResult{
		Outcome: OutcomeRespond,
		Response: &ResponseInstructions{
			Status:      502,
			ContentType: "application/json",
			Body:        body,
		},
	}, nil
}

func (s *ResourceService) internalError(err error) (*ProcessResult, error) {
	body, _ := json.Marshal(map[string]string{"error": x402.ReasonInternalError})
	return &ProcessResult{
		Outcome: OutcomeRespond,
		Response: &ResponseInstructions{
			Status:      500,
			ContentType: "application/json",
			Body:        body,
		},
	}, err
}

func challengeWithReason(challenge x402.PaymentRequired, reason string) x402.PaymentRequired {
	challenge.Error = reason
	return challenge
}

func declaredExtensions(config RouteConfig) map[string]interface{} {
	declared := make(map[string]interface{}, len(config.Extensions)+1)
	for key, decl := range config.Extensions {
		declared[key] = decl
	}
	if config.RequireIdempotency {
		if _, ok := declared["idempotency"]; !ok {
			declared["idempotency"] = map[string]interface{}{"required": true}
		}
	}
	if len(declared) == 0 {
		return nil
	}
	return declared
}

// isBrowserRequest detects interactive browsers: an HTML accept header and
// a Mozilla-family user agent.
func isBrowserRequest(adapter HTTPAdapter) bool {
	return strings.Contains(adapter.GetAcceptHeader(), "text/html") &&
		strings.Contains(adapter.GetUserAgent(), "Mozilla")
}
