package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	x402 "github.com/x402labs/x402-go"
)

type payingMechanism struct{}

func (payingMechanism) Scheme() string { return "exact" }

func (payingMechanism) CreatePaymentPayload(ctx context.Context, requirements x402.PaymentRequirements) (x402.PartialPaymentPayload, error) {
	return x402.PartialPaymentPayload{
		Payload: map[string]interface{}{"signature": "0xsig"},
	}, nil
}

func paidServer(t *testing.T, requirements x402.PaymentRequirements) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get(PaymentSignatureHeader) == "" {
			challenge := x402.PaymentRequired{
				X402Version: 2,
				Error:       "payment required",
				Accepts:     []x402.PaymentRequirements{requirements},
			}
			headerValue, _ := EncodePaymentRequiredHeader(challenge)
			w.Header().Set(PaymentRequiredHeader, headerValue)
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(challenge)
			return
		}
		receipt, _ := EncodePaymentResponseHeader(x402.SettleResponse{
			Success:     true,
			Transaction: "0xtx",
			Network:     requirements.Network,
		})
		w.Header().Set(PaymentResponseHeader, receipt)
		w.Write([]byte(`{"data":"paid content"}`))
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func testReqs() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           "eip155:84532",
		Amount:            "1000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0xrecipient",
		MaxTimeoutSeconds: 300,
	}
}

func TestPaymentRoundTripperPaysOnce(t *testing.T) {
	server, requests := paidServer(t, testReqs())

	payer := x402.NewClient().RegisterScheme("eip155:*", payingMechanism{})
	client := WrapClient(nil, payer)

	resp, err := client.Get(server.URL + "/protected")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"data":"paid content"}` {
		t.Fatalf("unexpected body %q", body)
	}
	if requests.Load() != 2 {
		t.Fatalf("expected 2 requests (challenge + retry), got %d", requests.Load())
	}

	receipt, err := GetSettleResponse(resp)
	if err != nil {
		t.Fatalf("receipt decode failed: %v", err)
	}
	if receipt == nil || !receipt.Success || receipt.Transaction != "0xtx" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestPaymentRoundTripperSecond402IsFinal(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		challenge := x402.PaymentRequired{
			X402Version: 2,
			Error:       x402.ReasonInvalidSignature,
			Accepts:     []x402.PaymentRequirements{testReqs()},
		}
		headerValue, _ := EncodePaymentRequiredHeader(challenge)
		w.Header().Set(PaymentRequiredHeader, headerValue)
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(challenge)
	}))
	defer server.Close()

	payer := x402.NewClient().RegisterScheme("eip155:*", payingMechanism{})
	client := WrapClient(nil, payer)

	resp, err := client.Get(server.URL + "/protected")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected final 402, got %d", resp.StatusCode)
	}
	if requests.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", requests.Load())
	}
}

func TestPaymentRoundTripperNoSignerPassesThrough(t *testing.T) {
	server, requests := paidServer(t, testReqs())

	payer := x402.NewClient() // nothing registered
	client := WrapClient(nil, payer)

	resp, err := client.Get(server.URL + "/protected")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", requests.Load())
	}
}

func TestGetPaymentRequiredFromBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No PAYMENT-REQUIRED header; body only.
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(x402.PaymentRequired{
			X402Version: 2,
			Error:       "payment required",
			Accepts:     []x402.PaymentRequirements{testReqs()},
		})
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	challenge, err := GetPaymentRequired(resp)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(challenge.Accepts) != 1 || challenge.Accepts[0].Amount != "1000" {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}
}
