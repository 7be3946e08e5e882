package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	x402 "github.com/x402labs/x402-go"
)

// GetPaymentRequired extracts the challenge from a 402 response, preferring
// the PAYMENT-REQUIRED header and falling back to the JSON body. The body
// is restored so callers can still read it.
func GetPaymentRequired(resp *http.Response) (x402.PaymentRequired, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return x402.PaymentRequired{}, fmt.Errorf("response status is %d, not 402", resp.StatusCode)
	}

	if header := resp.Header.Get(PaymentRequiredHeader); header != "" {
		return DecodePaymentRequiredHeader(header)
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return x402.PaymentRequired{}, fmt.Errorf("failed to read 402 body: %w", err)
	}

	var pr x402.PaymentRequired
	if err := decodeChallengeBody(body, &pr); err != nil {
		return x402.PaymentRequired{}, err
	}
	return pr, nil
}

// GetSettleResponse decodes the PAYMENT-RESPONSE receipt from a response,
// if present.
func GetSettleResponse(resp *http.Response) (*x402.SettleResponse, error) {
	header := resp.Header.Get(PaymentResponseHeader)
	if header == "" {
		return nil, nil
	}
	receipt, err := DecodePaymentResponseHeader(header)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// PaymentRoundTripper retries a request once with a payment attached when
// the server answers 402. The retry goes to the base transport directly,
// so a second 402 is returned to the caller untouched.
type PaymentRoundTripper struct {
	Base   http.RoundTripper
	Client *x402.Client
}

// WrapClient returns a copy of the HTTP client that pays 402 challenges
// with the given payer.
func WrapClient(httpClient *http.Client, payer *x402.Client) *http.Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *httpClient
	wrapped.Transport = &PaymentRoundTripper{
		Base:   base,
		Client: payer,
	}
	return &wrapped
}

// RoundTrip implements http.RoundTripper.
func (rt *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Requests with bodies must be replayable for the retry.
	var bodyCopy []byte
	if req.Body != nil && req.GetBody == nil {
		var err error
		bodyCopy, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyCopy))
	}

	resp, err := rt.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, chErr := GetPaymentRequired(resp)
	if chErr != nil {
		return resp, nil
	}

	payload, payErr := rt.Client.CreatePaymentForRequired(req.Context(), challenge)
	if payErr != nil {
		return resp, nil
	}
	header, encErr := EncodePaymentSignatureHeader(payload)
	if encErr != nil {
		return resp, nil
	}

	resp.Body.Close()

	retry := req.Clone(req.Context())
	retry.Header.Set(PaymentSignatureHeader, header)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	} else if bodyCopy != nil {
		retry.Body = io.NopCloser(bytes.NewReader(bodyCopy))
	}

	return rt.Base.RoundTrip(retry)
}

// Get issues a paid GET through a wrapped client.
func Get(ctx context.Context, payer *x402.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return Do(payer, req)
}

// Post issues a paid POST through a wrapped client.
func Post(ctx context.Context, payer *x402.Client, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return Do(payer, req)
}

// Do executes one request with payment handling on the default transport.
func Do(payer *x402.Client, req *http.Request) (*http.Response, error) {
	client := WrapClient(nil, payer)
	return client.Do(req)
}

func decodeChallengeBody(body []byte, pr *x402.PaymentRequired) error {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(body, pr); err != nil {
			return x402.NewPaymentError(x402.ReasonInvalidHeader, "402 body does not decode to a payment challenge", err)
		}
		for i := range pr.Accepts {
			pr.Accepts[i].Network = x402.NormalizeNetwork(pr.Accepts[i].Network)
		}
		return nil
	}
	// Some servers put the base64 challenge directly in the body.
	decoded, err := x402.DecodePaymentRequired(trimmed)
	if err != nil {
		return err
	}
	*pr = decoded
	return nil
}
