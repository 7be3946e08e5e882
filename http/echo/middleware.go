// Package echo adapts the payment middleware core to echo applications.
package echo

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	echofw "github.com/labstack/echo/v4"

	x402 "github.com/x402labs/x402-go"
	x402http "github.com/x402labs/x402-go/http"
)

// Option configures the echo payment middleware.
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
// construction instead of on the first request.
func WithInitializeOnStart(enabled bool) Option {
	return func(c *config) {
		c.initializeOnStart = enabled
	}
}

// PaymentMiddleware protects the configured routes with x402 payments.
func PaymentMiddleware(routes x402http.RoutesConfig, opts ...Option) echofw.MiddlewareFunc {
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

	return func(next echofw.HandlerFunc) echofw.HandlerFunc {
		return func(c echofw.Context) error {
			result, err := service.ProcessHTTPRequest(c.Request().Context(), &echoAdapter{ctx: c})
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": x402.ReasonInternalError})
			}

			switch result.Outcome {
			case x402http.OutcomePassthrough:
				return next(c)

			case x402http.OutcomeRespond:
				return writeInstructions(c, result.Response)

			case x402http.OutcomeVerified:
				return handleVerified(c, next, service, result)
			}
			return nil
		}
	}
}

// handleVerified buffers the handler's response, settles after it returns,
// and only releases the buffered bytes once the receipt header is set. A
// failed settlement discards the body and emits a 402 instead.
func handleVerified(c echofw.Context, next echofw.HandlerFunc, service *x402http.ResourceService, result *x402http.ProcessResult) error {
	original := c.Response().Writer
	capture := &responseCapture{header: http.Header{}, status: http.StatusOK}
	c.Response().Writer = capture

	handlerErr := next(c)

	c.Response().Writer = original
	status := capture.statusCode()
	if handlerErr != nil {
		status = http.StatusInternalServerError
		if he, ok := handlerErr.(*echofw.HTTPError); ok {
			status = he.Code
		}
	}

	// Settlement must survive a client disconnect once the handler ran.
	settleCtx := context.WithoutCancel(c.Request().Context())
	settlement, err := service.ProcessSettlement(settleCtx, result, status)
	if err != nil {
		c.Response().Committed = false
		return c.JSON(http.StatusBadGateway, map[string]string{"error": x402.ReasonFacilitatorUnreachable})
	}

	if settlement.FailureResponse != nil {
		// The handler wrote only into the buffer, so nothing reached the
		// wire yet; reopen the response before replacing the body.
		c.Response().Committed = false
		return writeInstructions(c, settlement.FailureResponse)
	}

	if handlerErr != nil {
		return handlerErr
	}

	if settlement.HeaderValue != "" {
		original.Header().Set(x402http.PaymentResponseHeader, settlement.HeaderValue)
	}
	capture.flush(original)
	return nil
}

func writeInstructions(c echofw.Context, resp *x402http.ResponseInstructions) error {
	for name, value := range resp.Headers {
		c.Response().Header().Set(name, value)
	}
	return c.Blob(resp.Status, resp.ContentType, resp.Body)
}

// responseCapture is a buffering http.ResponseWriter. The echo response
// object writes through it while settlement is still pending.
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

// echoAdapter implements the framework-neutral request view over echo.
type echoAdapter struct {
	ctx echofw.Context
}

func (a *echoAdapter) GetHeader(name string) string { return a.ctx.Request().Header.Get(name) }
func (a *echoAdapter) GetMethod() string            { return a.ctx.Request().Method }
func (a *echoAdapter) GetPath() string              { return a.ctx.Request().URL.Path }
func (a *echoAdapter) GetURL() string {
	scheme := a.ctx.Scheme()
	return fmt.Sprintf("%s://%s%s", scheme, a.ctx.Request().Host, a.ctx.Request().URL.Path)
}
func (a *echoAdapter) GetAcceptHeader() string { return a.ctx.Request().Header.Get("Accept") }
func (a *echoAdapter) GetUserAgent() string    { return a.ctx.Request().UserAgent() }
