// Package gin adapts the payment middleware core to gin applications.
package gin

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	ginfw "github.com/gin-gonic/gin"

	x402 "github.com/x402labs/x402-go"
	x402http "github.com/x402labs/x402-go/http"
)

// Option configures the gin payment middleware.
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

// WithInitializeOnStart fetches facilitator capabilities at middleware
// construction instead of on the first request. Construction panics on
// failure, surfacing configuration errors at startup.
func WithInitializeOnStart(enabled bool) Option {
	return func(c *config) {
		c.initializeOnStart = enabled
	}
}

// PaymentMiddleware protects the configured routes with x402 payments.
// Route patterns not in the table pass through untouched.
func PaymentMiddleware(routes x402http.RoutesConfig, opts ...Option) ginfw.HandlerFunc {
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

	return func(c *ginfw.Context) {
		result, err := service.ProcessHTTPRequest(c.Request.Context(), &ginAdapter{ctx: c})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, ginfw.H{"error": x402.ReasonInternalError})
			return
		}

		switch result.Outcome {
		case x402http.OutcomePassthrough:
			c.Next()

		case x402http.OutcomeRespond:
			writeInstructions(c, result.Response)
			c.Abort()

		case x402http.OutcomeVerified:
			handleVerified(c, service, result)
		}
	}
}

// handleVerified runs the downstream handler with its output captured,
// settles afterwards, and only then releases the response: the receipt
// header must precede the body, and a failed settlement must be able to
// replace the body entirely.
func handleVerified(c *ginfw.Context, service *x402http.ResourceService, result *x402http.ProcessResult) {
	capture := &responseCapture{ResponseWriter: c.Writer, body: &bytes.Buffer{}, status: http.StatusOK}
	c.Writer = capture
	c.Next()
	c.Writer = capture.ResponseWriter

	// A client disconnect must not abort an in-flight settlement: the
	// handler already ran, so the payer is charged exactly when they
	// received value.
	settleCtx := context.WithoutCancel(c.Request.Context())
	settlement, err := service.ProcessSettlement(settleCtx, result, capture.status)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, ginfw.H{"error": x402.ReasonFacilitatorUnreachable})
		return
	}

	if settlement.FailureResponse != nil {
		writeInstructions(c, settlement.FailureResponse)
		c.Abort()
		return
	}

	if settlement.HeaderValue != "" {
		c.Writer.Header().Set(x402http.PaymentResponseHeader, settlement.HeaderValue)
	}
	capture.flush(c.Writer)
}

func writeInstructions(c *ginfw.Context, resp *x402http.ResponseInstructions) {
	for name, value := range resp.Headers {
		c.Writer.Header().Set(name, value)
	}
	c.Data(resp.Status, resp.ContentType, resp.Body)
}

// responseCapture buffers the handler's response so settlement can run
// before anything reaches the client.
type responseCapture struct {
	ginfw.ResponseWriter
	body    *bytes.Buffer
	status  int
	written bool
	mu      sync.Mutex
}

func (w *responseCapture) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.written {
		w.status = code
		w.written = true
	}
}

func (w *responseCapture) WriteHeaderNow() {
	// Deferred until after settlement.
}

func (w *responseCapture) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = true
	return w.body.Write(data)
}

func (w *responseCapture) WriteString(s string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = true
	return w.body.WriteString(s)
}

func (w *responseCapture) Status() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *responseCapture) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.body.Len()
}

func (w *responseCapture) Written() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *responseCapture) flush(out ginfw.ResponseWriter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out.WriteHeader(w.status)
	if w.body.Len() > 0 {
		out.Write(w.body.Bytes()) //nolint:errcheck
	}
}

// ginAdapter implements the framework-neutral request view over gin.
type ginAdapter struct {
	ctx *ginfw.Context
}

func (a *ginAdapter) GetHeader(name string) string { return a.ctx.GetHeader(name) }
func (a *ginAdapter) GetMethod() string            { return a.ctx.Request.Method }
func (a *ginAdapter) GetPath() string              { return a.ctx.Request.URL.Path }
func (a *ginAdapter) GetURL() string {
	scheme := "http"
	if a.ctx.Request.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, a.ctx.Request.Host, a.ctx.Request.URL.Path)
}
func (a *ginAdapter) GetAcceptHeader() string { return a.ctx.GetHeader("Accept") }
func (a *ginAdapter) GetUserAgent() string    { return a.ctx.Request.UserAgent() }
