package gin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	ginfw "github.com/gin-gonic/gin"

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

func protectedRouter(t *testing.T, facilitator *stubFacilitator, handler ginfw.HandlerFunc) *ginfw.Engine {
	t.Helper()
	ginfw.SetMode(ginfw.TestMode)
	routes := x402http.RoutesConfig{
		"GET /premium": {
			Scheme:  "exact",
			Network: "eip155:84532",
			PayTo:   "0xrecipient",
			Price:   "$0.001",
		},
	}
	router := ginfw.New()
	router.Use(PaymentMiddleware(routes,
		WithFacilitatorClient(facilitator),
		WithScheme("eip155:84532", stubService{}),
	))
	router.GET("/premium", handler)
	router.GET("/free", func(c *ginfw.Context) {
		c.String(http.StatusOK, "free")
	})
	return router
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

func TestGinMiddlewareUnprotectedPassthrough(t *testing.T) {
	facilitator := &stubFacilitator{}
	server := httptest.NewServer(protectedRouter(t, facilitator, func(c *ginfw.Context) {
		c.String(http.StatusOK, "paid")
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

func TestGinMiddlewarePaidFlow(t *testing.T) {
	facilitator := &stubFacilitator{}
	var handlerRuns atomic.Int32
	server := httptest.NewServer(protectedRouter(t, facilitator, func(c *ginfw.Context) {
		handlerRuns.Add(1)
		if facilitator.settleCalls.Load() != 0 {
			t.Error("settlement ran before the handler")
		}
		c.String(http.StatusOK, "paid")
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

func TestGinMiddlewareHandlerErrorSkipsSettlement(t *testing.T) {
	facilitator := &stubFacilitator{}
	server := httptest.NewServer(protectedRouter(t, facilitator, func(c *ginfw.Context) {
		c.String(http.StatusInternalServerError, "upstream broke")
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

func TestGinMiddlewareSettleFailureDiscardsBody(t *testing.T) {
	facilitator := &stubFacilitator{settleFails: true}
	server := httptest.NewServer(protectedRouter(t, facilitator, func(c *ginfw.Context) {
		c.String(http.StatusOK, "paid")
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
