// Package nethttp adapts the payment middleware core to plain net/http
// handlers and muxes.
package nethttp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	x402 "github.com/x402labs/x402-go"
	x402http "github.com/x402labs/x402-go/http"
)

// Option configures the net/http payment middleware.
type Option func(*config)

type config struct {
	serviceOpts       []x402http.ServiceOption
	initializeOnStart bool
}

// WithFacilitatorClient routes verify/settle through the given facilitator.
func WithFacilitatorClient(client x402.FacilitatorClient) Option {
	return func(c *config) {
		c.serviceOpts = append(c.serviceOpts, x402http.WithFacilitatorClient(client))
	}
}

// WithScheme registers a mechanism's server capability for a network.
func WithScheme(network x402.Network, service x402.SchemeNetworkService) Option {
	return func(c *config) {
		c.serviceOpts = append(c.serviceOpts, x402http.WithScheme(network, service))
	}
}

// WithExtension registers a service extension.
func WithExtension(ext x402.ServiceExtension) Option {
	return func(c *config) {
		c.serviceOpts = append(c.serviceOpts, x402http.WithExtension(ext))
	}
}

// WithTimeout bounds each facilitator call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.serviceOpts = append(c.serviceOpts, x402http.WithTimeout(timeout))
	}
}

// WithPaywall configures the browser paywall page.
func WithPaywall(paywall x402http.PaywallConfig) Option {
	return func(c *config) {
		c.serviceOpts = append(c.serviceOpts, x402http.WithPaywall(paywall))
	}
}

// WithInitializeOnStart fetches facilitator capabilities at construction
// instead of on the first request.
func WithInitializeOnStart(enabled bool) Option {
	return func(c *config) {
		c.initializeOnStart = enabled
	}
}

// PaymentMiddleware wraps an http.Handler so that routes in the table
// require payment. Unlisted routes pass through untouched.
func PaymentMiddleware(routes x402http.RoutesConfig, opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	service, err := x402http.NewResourceService(routes, cfg.serviceOpts...)
	if err != nil {
		panic(fmt.Sprintf("x402: invalid middleware configuration: %v", err))
	}

	if cfg.initializeOnStart {
		if err := service.Initialize(context.Background()); err != nil {
			panic(fmt.Sprintf("x402: middleware initialization failed: %v", err))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := service.ProcessHTTPRequest(r.Context(), &requestAdapter{req: r})
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, x402.ReasonInternalError)
				return
			}

			switch result.Outcome {
			case x402http.OutcomePassthrough:
				next.ServeHTTP(w, r)

			case x402http.OutcomeRespond:
				writeInstructions(w, result.Response)

			case x402http.OutcomeVerified:
				handleVerified(w, r, next, service, result)
			}
		})
	}
}

func handleVerified(w http.ResponseWriter, r *http.Request, next http.Handler, service *x402http.ResourceService, result *x402http.ProcessResult) {
	capture := &responseCapture{header: http.Header{}, status: http.StatusOK}
	next.ServeHTTP(capture, r)

	// The handler already ran, so a dropped connection must not cancel
	// the settlement.
	settleCtx := context.WithoutCancel(r.Context())
	settlement, err := service.ProcessSettlement(settleCtx, result, capture.statusCode())
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, x402.ReasonFacilitatorUnreachable)
		return
	}

	if settlement.FailureResponse != nil {
		writeInstructions(w, settlement.FailureResponse)
		return
	}

	if settlement.HeaderValue != "" {
		w.Header().Set(x402http.PaymentResponseHeader, settlement.HeaderValue)
	}
	capture.flush(w)
}

func writeInstructions(w http.ResponseWriter, resp *x402http.ResponseInstructions) {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, reason)
}

// responseCapture buffers the handler's response so settlement can run
// before anything reaches the client.
type responseCapture struct {
	mu      sync.Mutex
	header  http.Header
	body    bytes.Buffer
	status  int
	written bool
}

func (w *responseCapture) Header() http.Header { return w.header }

func (w *responseCapture) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.written {
		w.status = code
		w.written = true
	}
}

func (w *responseCapture) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = true
	return w.body.Write(data)
}

func (w *responseCapture) statusCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *responseCapture) flush(out http.ResponseWriter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, values := range w.header {
		for _, value := range values {
			out.Header().Add(name, value)
		}
	}
	out.WriteHeader(w.status)
	if w.body.Len() > 0 {
		out.Write(w.body.Bytes()) //nolint:errcheck
	}
}

// requestAdapter implements the framework-neutral request view over a
// plain *http.Request.
type requestAdapter struct {
	req *http.Request
}

func (a *requestAdapter) GetHeader(name string) string { return a.req.Header.Get(name) }
func (a *requestAdapter) GetMethod() string            { return a.req.Method }
func (a *requestAdapter) GetPath() string              { return a.req.URL.Path }
func (a *requestAdapter) GetURL() string {
	scheme := "http"
	if a.req.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, a.req.Host, a.req.URL.Path)
}
func (a *requestAdapter) GetAcceptHeader() string { return a.req.Header.Get("Accept") }
func (a *requestAdapter) GetUserAgent() string    { return a.req.UserAgent() }
