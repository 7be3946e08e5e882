package x402

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type mockSchemeService struct {
	scheme     string
	parsePrice func(price Price, network Network) (*AssetAmount, error)
	enhance    func(ctx context.Context, req PaymentRequirements, kind SupportedKind) (PaymentRequirements, error)
}

func (m *mockSchemeService) Scheme() string {
	if m.scheme == "" {
		return "exact"
	}
	return m.scheme
}

func (m *mockSchemeService) ParsePrice(price Price, network Network) (*AssetAmount, error) {
	if m.parsePrice != nil {
		return m.parsePrice(price, network)
	}
	money, ok := price.(string)
	if !ok || !strings.HasPrefix(money, "$") {
		return nil, nil
	}
	return &AssetAmount{
		Asset:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount: "1000",
	}, nil
}

func (m *mockSchemeService) EnhanceRequirements(ctx context.Context, req PaymentRequirements, kind SupportedKind) (PaymentRequirements, error) {
	if m.enhance != nil {
		return m.enhance(ctx, req, kind)
	}
	if feePayer, ok := kind.Extra["feePayer"]; ok {
		if req.Extra == nil {
			req.Extra = make(map[string]interface{})
		}
		req.Extra["feePayer"] = feePayer
	}
	return req, nil
}

func (m *mockSchemeService) Matches(req PaymentRequirements, payload PaymentPayload) bool {
	return RequirementsEqual(req, payload.Accepted)
}

type mockFacilitatorClient struct {
	kinds       []SupportedKind
	verify      func(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
	settle      func(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
	supportErr  error
	verifyCalls int
	settleCalls int
}

func (m *mockFacilitatorClient) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	m.verifyCalls++
	if m.verify != nil {
		return m.verify(ctx, payload, requirements)
	}
	return VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
}

func (m *mockFacilitatorClient) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	m.settleCalls++
	if m.settle != nil {
		return m.settle(ctx, payload, requirements)
	}
	return SettleResponse{Success: true, Transaction: "0xtx", Network: requirements.Network}, nil
}

func (m *mockFacilitatorClient) GetSupported(ctx context.Context) (SupportedResponse, error) {
	if m.supportErr != nil {
		return SupportedResponse{}, m.supportErr
	}
	return SupportedResponse{Kinds: m.kinds, Extensions: []string{}}, nil
}

func evmKind() SupportedKind {
	return SupportedKind{X402Version: 2, Scheme: "exact", Network: "eip155:84532"}
}

func newTestServer(client *mockFacilitatorClient, opts ...ResourceServerOption) *ResourceServer {
	base := []ResourceServerOption{
		WithFacilitatorClient(client),
		WithSchemeService("eip155:*", &mockSchemeService{}),
	}
	return NewResourceServer(append(base, opts...)...)
}

func TestResourceServerInitialize(t *testing.T) {
	ctx := context.Background()

	t.Run("caches supported kinds", func(t *testing.T) {
		client := &mockFacilitatorClient{kinds: []SupportedKind{evmKind()}}
		server := newTestServer(client)

		if err := server.Initialize(ctx); err != nil {
			t.Fatalf("initialize failed: %v", err)
		}
		kinds := server.SupportedKinds(ctx)
		if len(kinds) != 1 || kinds[0].Network != "eip155:84532" {
			t.Fatalf("unexpected kinds: %+v", kinds)
		}
	})

	t.Run("unreachable facilitator", func(t *testing.T) {
		client := &mockFacilitatorClient{supportErr: errors.New("connection refused")}
		server := newTestServer(client)

		err := server.Initialize(ctx)
		if err == nil {
			t.Fatal("expected error")
		}
		var pe *PaymentError
		if !errors.As(err, &pe) || pe.Code != ReasonFacilitatorUnreachable {
			t.Fatalf("expected facilitator_unreachable, got %v", err)
		}
	})

	t.Run("no facilitators configured", func(t *testing.T) {
		server := NewResourceServer(WithSchemeService("eip155:*", &mockSchemeService{}))
		if err := server.Initialize(ctx); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestBuildPaymentRequirements(t *testing.T) {
	ctx := context.Background()
	client := &mockFacilitatorClient{kinds: []SupportedKind{evmKind()}}
	server := newTestServer(client)
	if err := server.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	req, err := server.BuildPaymentRequirements(ctx, ResourceConfig{
		Scheme:  "exact",
		Network: "eip155:84532",
		PayTo:   "0xrecipient",
		Price:   "$0.001",
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if req.Amount != "1000" {
		t.Fatalf("expected amount 1000, got %q", req.Amount)
	}
	if req.MaxTimeoutSeconds != DefaultMaxTimeoutSeconds {
		t.Fatalf("expected default timeout, got %d", req.MaxTimeoutSeconds)
	}
	if req.PayTo != "0xrecipient" {
		t.Fatalf("unexpected payTo %q", req.PayTo)
	}

	t.Run("unknown scheme is a configuration error", func(t *testing.T) {
		_, err := server.BuildPaymentRequirements(ctx, ResourceConfig{
			Scheme:  "upto",
			Network: "eip155:84532",
			PayTo:   "0xrecipient",
			Price:   "$0.001",
		})
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unsupported network surfaces facilitator gap", func(t *testing.T) {
		_, err := server.BuildPaymentRequirements(ctx, ResourceConfig{
			Scheme:  "exact",
			Network: "eip155:1",
			PayTo:   "0xrecipient",
			Price:   "$0.001",
		})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestCreatePaymentRequired(t *testing.T) {
	ctx := context.Background()
	client := &mockFacilitatorClient{kinds: []SupportedKind{evmKind()}}

	enrichCalls := 0
	server := newTestServer(client, WithServiceExtension(ServiceExtension{
		Key: "discovery",
		EnrichChallenge: func(ctx context.Context, decl interface{}, requirements []PaymentRequirements) (interface{}, error) {
			enrichCalls++
			return map[string]interface{}{"info": "enriched"}, nil
		},
	}))
	if err := server.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	resource := &ResourceInfo{URL: "https://api.example.com/protected"}
	pr, err := server.CreatePaymentRequired(ctx, []ResourceConfig{{
		Scheme:  "exact",
		Network: "eip155:84532",
		PayTo:   "0xrecipient",
		Price:   "$0.001",
	}}, resource)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if pr.X402Version != 2 || pr.Error != "payment required" {
		t.Fatalf("unexpected envelope: %+v", pr)
	}
	if len(pr.Accepts) != 1 {
		t.Fatalf("expected 1 acceptor, got %d", len(pr.Accepts))
	}
	if enrichCalls != 1 {
		t.Fatalf("expected enrich hook to run once, ran %d times", enrichCalls)
	}
	if pr.Extensions["discovery"] == nil {
		t.Fatal("expected discovery extension declaration")
	}
	if err := ValidatePaymentRequired(pr); err != nil {
		t.Fatalf("challenge does not validate: %v", err)
	}
}

func TestFindMatchingRequirements(t *testing.T) {
	client := &mockFacilitatorClient{kinds: []SupportedKind{evmKind()}}
	server := newTestServer(client)

	offered := testRequirements()
	payload := testPayload()

	if _, ok := server.FindMatchingRequirements([]PaymentRequirements{offered}, payload); !ok {
		t.Fatal("expected match")
	}

	other := offered
	other.Amount = "9999"
	if _, ok := server.FindMatchingRequirements([]PaymentRequirements{other}, payload); ok {
		t.Fatal("expected no match on amount difference")
	}
}

func TestVerifyAndSettleRouting(t *testing.T) {
	ctx := context.Background()
	client := &mockFacilitatorClient{kinds: []SupportedKind{evmKind()}}
	server := newTestServer(client)
	if err := server.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	resp, err := server.VerifyPayment(ctx, testPayload(), testRequirements())
	if err != nil || !resp.IsValid {
		t.Fatalf("verify failed: %v %+v", err, resp)
	}

	receipt, err := server.SettlePayment(ctx, testPayload(), testRequirements())
	if err != nil || !receipt.Success {
		t.Fatalf("settle failed: %v %+v", err, receipt)
	}
	if client.verifyCalls != 1 || client.settleCalls != 1 {
		t.Fatalf("unexpected call counts: verify=%d settle=%d", client.verifyCalls, client.settleCalls)
	}
}

func TestValidateExtensions(t *testing.T) {
	ctx := context.Background()
	client := &mockFacilitatorClient{kinds: []SupportedKind{evmKind()}}
	server := newTestServer(client, WithServiceExtension(ServiceExtension{
		Key: "idempotency",
		ValidatePayload: func(ctx context.Context, decl interface{}, value interface{}) error {
			if value == nil {
				return fmt.Errorf("idempotency key missing")
			}
			return nil
		},
	}))

	payload := testPayload()
	err := server.ValidateExtensions(ctx, map[string]interface{}{"idempotency": true}, payload)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	var pe *PaymentError
	if !errors.As(err, &pe) || pe.Code != ReasonExtensionValidationFailed {
		t.Fatalf("expected extension_validation_failed, got %v", err)
	}

	payload.Extensions = map[string]interface{}{"idempotency": map[string]interface{}{"key": "k_0123456789abcdef"}}
	if err := server.ValidateExtensions(ctx, nil, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBeforeExecutionAbort(t *testing.T) {
	ctx := context.Background()
	client := &mockFacilitatorClient{kinds: []SupportedKind{evmKind()}}
	server := newTestServer(client)
	server.OnBeforeExecution(func(ctx context.Context, pc *PaymentContext) bool { return false })

	if server.RunBeforeExecution(ctx, &PaymentContext{}) {
		t.Fatal("expected abort")
	}
}
