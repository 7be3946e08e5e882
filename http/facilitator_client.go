package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/x402labs/x402-go"
)

// DefaultFacilitatorURL is used when a FacilitatorConfig has no URL.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

const supportedRetryAttempts = 3

// AuthHeaders carries per-endpoint authentication headers.
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// AuthProvider supplies authentication headers for facilitator calls.
// Implementations may mint short-lived tokens per call.
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// FacilitatorConfig configures an HTTP facilitator client.
type FacilitatorConfig struct {
	URL          string
	HTTPClient   *http.Client
	AuthProvider AuthProvider
	// Timeout per call; defaults to 30s.
	Timeout time.Duration
}

// HTTPFacilitatorClient reaches a facilitator over its HTTP API:
// POST /verify, POST /settle, GET /supported.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
}

// NewHTTPFacilitatorClient builds a client from config. A nil config uses
// the public default facilitator.
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}
	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
	}
}

// verifySettleRequest is the shared body of POST /verify and POST /settle.
type verifySettleRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// Verify implements x402.FacilitatorClient.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	var out x402.VerifyResponse
	err := c.post(ctx, "/verify", verifySettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, &out, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return x402.VerifyResponse{}, err
	}
	return out, nil
}

// Settle implements x402.FacilitatorClient.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	var out x402.SettleResponse
	err := c.post(ctx, "/settle", verifySettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, &out, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return x402.SettleResponse{}, err
	}
	return out, nil
}

// GetSupported implements x402.FacilitatorClient. 429 responses are retried
// with exponential backoff since capability fetches happen at startup where
// a transient limit should not fail the whole service.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	var lastErr error
	for attempt := 0; attempt < supportedRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return x402.SupportedResponse{}, ctx.Err()
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return x402.SupportedResponse{}, err
		}
		if err := c.applyAuth(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return x402.SupportedResponse{}, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = x402.NewPaymentError(x402.ReasonFacilitatorUnreachable, "GET /supported failed", err)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("facilitator rate limited GET /supported")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return x402.SupportedResponse{}, fmt.Errorf("GET /supported returned %d: %s", resp.StatusCode, body)
		}

		var out x402.SupportedResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("invalid /supported response: %w", err)
		}
		return out, nil
	}
	return x402.SupportedResponse{}, lastErr
}

func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, body interface{}, out interface{}, selectAuth func(AuthHeaders) map[string]string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.applyAuth(ctx, req, selectAuth); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return x402.NewPaymentError(x402.ReasonFacilitatorUnreachable, fmt.Sprintf("POST %s failed", path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s returned %d: %s", path, resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("invalid %s response: %w", path, err)
	}
	return nil
}

func (c *HTTPFacilitatorClient) applyAuth(ctx context.Context, req *http.Request, selectHeaders func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	headers, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("auth provider failed: %w", err)
	}
	for name, value := range selectHeaders(headers) {
		req.Header.Set(name, value)
	}
	return nil
}

var _ x402.FacilitatorClient = (*HTTPFacilitatorClient)(nil)
