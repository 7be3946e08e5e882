package nethttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	x402 "github.com/x402labs/x402-go"
	x402http "github.com/x402labs/x402-go/http"
)

type stubService struct{}

func (stubService) Scheme() string { return "exact" }

func (stubService) ParsePrice(price x402.Price, network x402.Network) (*x402.AssetAmount, error) {
	return &x402.AssetAmount{Asset: "0xusdc", Amount: "1000"}, nil
}

func (stubService) EnhanceRequirements(ctx context.Context, requirements x402.PaymentRequirements, kind x402.SupportedKind) (x402.PaymentRequirements, error) {
	return requirements, nil
}

func (stubService) Matches(requirements x402.PaymentRequirements, payload x402.PaymentPayload) bool {
	return x402.RequirementsEqual(requirements, payload.Accepted)
}

type stubFacilitator struct {
	verifyCalls atomic.Int32
	settleCalls atomic.Int32
	settleFails bool
}

func (f *stubFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	f.verifyCalls.Add(1)
	return x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
}

func (f *stubFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	f.settleCalls.Add(1)
	if f.settleFails {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonSettlementSubmissionFailed,
			Network:     requirements.Network,
		}, nil
	}
	return x402.SettleResponse{
		Success:     true,
		Transaction: "0xtx",
		Network:     requirements.Network,
		Payer:       "0xpayer",
	}, nil
}

func (f *stubFacilitator) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	return x402.SupportedResponse{
		Kinds: []x402.SupportedKind{{X402Version: 2, Scheme: "exact", Network: "eip155:84532"}},
	}, nil
}

// outageFacilitator fails capability discovery while down is set.
type outageFacilitator struct {
	stubFacilitator
	down atomic.Bool
}

func (f *outageFacilitator) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	if f.down.Load() {
		return x402.SupportedResponse{}, errors.New("facilitator offline")
	}
	return f.stubFacilitator.GetSupported(ctx)
}

func protectedMux(t *testing.T, facilitator x402.FacilitatorClient, handler http.HandlerFunc) http.Handler {
	t.Helper()
	routes := x402http.RoutesConfig{
		"GET /premium": {
			Scheme:  "exact",
			Network: "eip155:84532",
			PayTo:   "0xrecipient",
			Price:   "$0.001",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/premium", handler)
	mux.HandleFunc("/free", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("free"))
	})
	mw := PaymentMiddleware(routes,
		WithFacilitatorClient(facilitator),
		WithScheme("eip155:84532", stubService{}),
		WithInitializeOnStart(false),
	)
	return mw(mux)
}

func signatureHeader(t *testing.T, challenge x402.PaymentRequired) string {
	t.Helper()
	if len(challenge.Accepts) == 0 {
		t.Fatal("challenge has no acceptors")
	}
	header, err := x402http.EncodePaymentSignatureHeader(x402.PaymentPayload{
		X402Version: 2,
		Accepted:    challenge.Accepts[0],
		Payload:     map[string]interface{}{"signature": "0xsig"},
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return header
}

func fetchChallenge(t *testing.T, url string) x402.PaymentRequired {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	challenge, err := x402http.DecodePaymentRequiredHeader(resp.Header.Get(x402http.PaymentRequiredHeader))
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	return challenge
}

func TestMiddlewareUnprotectedPassthrough(t *testing.T) {
	facilitator := &stubFacilitator{}
	server := httptest.NewServer(protectedMux(t, facilitator, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("paid"))
	}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/free")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "free" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if facilitator.verifyCalls.Load() != 0 {
		t.Fatal("verify should not run for unprotected routes")
	}
}

func TestMiddlewareFacilitatorOutageIsScoped(t *testing.T) {
	facilitator := &outageFacilitator{}
	facilitator.down.Store(true)
	server := httptest.NewServer(protectedMux(t, facilitator, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("paid"))
	}))
	defer server.Close()

	// Unprotected routes never depend on the facilitator.
	resp, err := http.Get(server.URL + "/free")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "free" {
		t.Fatalf("unprotected route must survive the outage, got %d %q", resp.StatusCode, body)
	}

	// Protected routes report the outage.
	resp, err = http.Get(server.URL + "/premium")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 during the outage, got %d", resp.StatusCode)
	}

	// Once the facilitator is back, the next request succeeds without a
	// middleware restart.
	facilitator.down.Store(false)
	resp, err = http.Get(server.URL + "/premium")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 challenge after recovery, got %d", resp.StatusCode)
	}
	if resp.Header.Get(x402http.PaymentRequiredHeader) == "" {
		t.Fatal("challenge header missing after recovery")
	}
}

func TestMiddlewareConcurrentPaidRequests(t *testing.T) {
	const clients = 8

	facilitator := &stubFacilitator{}
	var handlerRuns atomic.Int32
	server := httptest.NewServer(protectedMux(t, facilitator, func(w http.ResponseWriter, r *http.Request) {
		handlerRuns.Add(1)
		w.Write([]byte("paid"))
	}))
	defer server.Close()

	challenge := fetchChallenge(t, server.URL+"/premium")
	header := signatureHeader(t, challenge)

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, server.URL+"/premium", nil)
			req.Header.Set(x402http.PaymentSignatureHeader, header)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("expected 200, got %d", resp.StatusCode)
				return
			}
			receipt, err := x402http.DecodePaymentResponseHeader(resp.Header.Get(x402http.PaymentResponseHeader))
			if err != nil {
				errs <- fmt.Errorf("decode receipt: %w", err)
				return
			}
			if !receipt.Success {
				errs <- fmt.Errorf("unexpected receipt %+v", receipt)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if handlerRuns.Load() != clients {
		t.Fatalf("expected %d handler runs, got %d", clients, handlerRuns.Load())
	}
	if facilitator.verifyCalls.Load() != clients {
		t.Fatalf("expected %d verifications, got %d", clients, facilitator.verifyCalls.Load())
	}
	if facilitator.settleCalls.Load() != clients {
		t.Fatalf("expected %d settlements, got %d", clients, facilitator.settleCalls.Load())
	}
}

func TestMiddlewarePaidFlow(t *testing.T) {
	facilitator := &stubFacilitator{}
	var handlerRuns atomic.Int32
	server := httptest.NewServer(protectedMux(t, facilitator, func(w http.ResponseWriter, r *http.Request) {
		handlerRuns.Add(1)
		if facilitator.settleCalls.Load() != 0 {
			t.Error("settlement ran before the handler")
		}
		w.Write([]byte("paid"))
	}))
	defer server.Close()

	challenge := fetchChallenge(t, server.URL+"/premium")

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/premium", nil)
	req.Header.Set(x402http.PaymentSignatureHeader, signatureHeader(t, challenge))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "paid" {
		t.Fatalf("unexpected body %q", body)
	}
	if handlerRuns.Load() != 1 {
		t.Fatalf("expected 1 handler run, got %d", handlerRuns.Load())
	}
	if facilitator.settleCalls.Load() != 1 {
		t.Fatalf("expected exactly 1 settlement, got %d", facilitator.settleCalls.Load())
	}

	receipt, err := x402http.DecodePaymentResponseHeader(resp.Header.Get(x402http.PaymentResponseHeader))
	if err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !receipt.Success || receipt.Transaction != "0xtx" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestMiddlewareHandlerErrorSkipsSettlement(t *testing.T) {
	facilitator := &stubFacilitator{}
	server := httptest.NewServer(protectedMux(t, facilitator, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusInternalServerError)
	}))
	defer server.Close()

	challenge := fetchChallenge(t, server.URL+"/premium")

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/premium", nil)
	req.Header.Set(x402http.PaymentSignatureHeader, signatureHeader(t, challenge))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if facilitator.settleCalls.Load() != 0 {
		t.Fatal("failed handler must not be settled")
	}
	if resp.Header.Get(x402http.PaymentResponseHeader) != "" {
		t.Fatal("no receipt without settlement")
	}
}

func TestMiddlewareSettleFailureDiscardsBody(t *testing.T) {
	facilitator := &stubFacilitator{settleFails: true}
	server := httptest.NewServer(protectedMux(t, facilitator, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("paid"))
	}))
	defer server.Close()

	challenge := fetchChallenge(t, server.URL+"/premium")

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/premium", nil)
	req.Header.Set(x402http.PaymentSignatureHeader, signatureHeader(t, challenge))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 on settle failure, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) == "paid" {
		t.Fatal("handler body must be discarded on settle failure")
	}
	if resp.Header.Get(x402http.PaymentResponseHeader) != "" {
		t.Fatal("no receipt header on settle failure")
	}
}
