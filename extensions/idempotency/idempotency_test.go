package idempotency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	x402 "github.com/x402labs/x402-go"
)

type mockFacilitatorClient struct {
	settleCount int32
	settleErr   error
	settleFail  bool
	settleDelay time.Duration
}

func (m *mockFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	return x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
}

func (m *mockFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	n := atomic.AddInt32(&m.settleCount, 1)
	if m.settleDelay > 0 {
		time.Sleep(m.settleDelay)
	}
	if m.settleErr != nil {
		return x402.SettleResponse{}, m.settleErr
	}
	if m.settleFail {
		return x402.SettleResponse{Success: false, ErrorReason: x402.ReasonInsufficientFunds}, nil
	}
	return x402.SettleResponse{
		Success:     true,
		Transaction: fmt.Sprintf("0xtx%d", n),
		Network:     payload.Accepted.Network,
		Payer:       "0xpayer",
	}, nil
}

func (m *mockFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	return x402.SupportedResponse{}, nil
}

func testPayload(key string, nonce string) x402.PaymentPayload {
	payload := x402.PaymentPayload{
		X402Version: x402.X402Version,
		Accepted: x402.PaymentRequirements{
			Scheme:  "exact",
			Network: "eip155:84532",
			Amount:  "1000",
			Asset:   "0xusdc",
			PayTo:   "0xrecipient",
		},
		Payload: map[string]interface{}{"signature": "0xsig", "nonce": nonce},
	}
	if key != "" {
		payload.Extensions = map[string]interface{}{
			ExtensionKey: map[string]interface{}{"key": key},
		}
	}
	return payload
}

func TestValidateKey(t *testing.T) {
	valid := []string{
		"abcdefgh12345678",
		"A_b-C_d-0123456789",
		strings.Repeat("x", 128),
	}
	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Errorf("ValidateKey(%q) = %v, want nil", key, err)
		}
	}

	invalid := []string{
		"",
		"short",
		strings.Repeat("x", 129),
		"has spaces here yes1",
		"bad!chars#in_key1234",
	}
	for _, key := range invalid {
		if err := ValidateKey(key); err == nil {
			t.Errorf("ValidateKey(%q) = nil, want error", key)
		}
	}
}

func TestSettleCachesReceipt(t *testing.T) {
	inner := &mockFacilitatorClient{}
	facilitator := Wrap(inner)
	payload := testPayload("payment-key-0000000001", "0xaa")
	requirements := payload.Accepted

	first, err := facilitator.Settle(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	second, err := facilitator.Settle(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	if got := atomic.LoadInt32(&inner.settleCount); got != 1 {
		t.Fatalf("inner settle ran %d times, want 1", got)
	}
	if first.Transaction != second.Transaction {
		t.Fatalf("retry got a different receipt: %s vs %s", first.Transaction, second.Transaction)
	}
}

func TestKeyReuseWithDifferentPayload(t *testing.T) {
	inner := &mockFacilitatorClient{}
	facilitator := Wrap(inner)
	requirements := testPayload("", "").Accepted

	if _, err := facilitator.Settle(context.Background(), testPayload("payment-key-0000000001", "0xaa"), requirements); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	resp, err := facilitator.Settle(context.Background(), testPayload("payment-key-0000000001", "0xbb"), requirements)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if resp.Success || resp.ErrorReason != x402.ReasonIdempotencyKeyReuse {
		t.Fatalf("reason = %s, want %s", resp.ErrorReason, x402.ReasonIdempotencyKeyReuse)
	}
	if got := atomic.LoadInt32(&inner.settleCount); got != 1 {
		t.Fatalf("reused key must not reach the chain; settles = %d", got)
	}
}

func TestFailedSettlementNotCached(t *testing.T) {
	inner := &mockFacilitatorClient{settleFail: true}
	facilitator := Wrap(inner)
	payload := testPayload("payment-key-0000000002", "0xaa")

	for i := 0; i < 2; i++ {
		resp, err := facilitator.Settle(context.Background(), payload, payload.Accepted)
		if err != nil {
			t.Fatalf("Settle failed: %v", err)
		}
		if resp.Success {
			t.Fatal("expected settlement failure")
		}
	}
	if got := atomic.LoadInt32(&inner.settleCount); got != 2 {
		t.Fatalf("failures must be retryable; settles = %d, want 2", got)
	}
}

func TestConcurrentSettlesRunOnce(t *testing.T) {
	inner := &mockFacilitatorClient{settleDelay: 50 * time.Millisecond}
	facilitator := Wrap(inner)
	payload := testPayload("payment-key-0000000003", "0xaa")

	const workers = 8
	var wg sync.WaitGroup
	results := make([]x402.SettleResponse, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := facilitator.Settle(context.Background(), payload, payload.Accepted)
			if err != nil {
				t.Errorf("Settle failed: %v", err)
				return
			}
			results[i] = resp
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&inner.settleCount); got != 1 {
		t.Fatalf("inner settle ran %d times, want 1", got)
	}
	for i := 1; i < workers; i++ {
		if results[i].Transaction != results[0].Transaction {
			t.Fatalf("worker %d got receipt %s, want %s", i, results[i].Transaction, results[0].Transaction)
		}
	}
}

func TestFallbackFingerprintWithoutKey(t *testing.T) {
	inner := &mockFacilitatorClient{}
	facilitator := Wrap(inner)
	payload := testPayload("", "0xaa")

	for i := 0; i < 2; i++ {
		if _, err := facilitator.Settle(context.Background(), payload, payload.Accepted); err != nil {
			t.Fatalf("Settle failed: %v", err)
		}
	}
	if got := atomic.LoadInt32(&inner.settleCount); got != 1 {
		t.Fatalf("fingerprint fallback must dedupe; settles = %d", got)
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	store := NewInMemoryStore(20 * time.Millisecond)

	status, _, done := store.CheckAndMark("k", "fp")
	if status != StatusNotFound {
		t.Fatalf("status = %d, want StatusNotFound", status)
	}
	store.Complete("k", &x402.SettleResponse{Success: true, Transaction: "0xtx"}, done)

	status, cached, _ := store.CheckAndMark("k", "fp")
	if status != StatusCached || cached == nil {
		t.Fatalf("status = %d, want StatusCached", status)
	}

	time.Sleep(30 * time.Millisecond)
	status, _, done = store.CheckAndMark("k", "other-fp")
	if status != StatusNotFound {
		t.Fatalf("expired entry must be reusable; status = %d", status)
	}
	store.Fail("k", done)
}

func TestWaitForResultContextCancelled(t *testing.T) {
	store := NewInMemoryStore(time.Minute)
	_, _, done := store.CheckAndMark("k", "fp")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := store.WaitForResult(ctx, "k", done); err == nil {
		t.Fatal("expected context error")
	}
	store.Fail("k", done)
}

func TestServiceExtensionValidation(t *testing.T) {
	ext := NewServiceExtension()

	t.Run("valid key", func(t *testing.T) {
		value := map[string]interface{}{"key": "payment-key-0000000001"}
		if err := ext.ValidatePayload(context.Background(), nil, value); err != nil {
			t.Fatalf("ValidatePayload failed: %v", err)
		}
	})

	t.Run("bad key", func(t *testing.T) {
		value := map[string]interface{}{"key": "nope"}
		if err := ext.ValidatePayload(context.Background(), nil, value); err == nil {
			t.Fatal("expected error for short key")
		}
	})

	t.Run("required but absent", func(t *testing.T) {
		decl := map[string]interface{}{"required": true}
		if err := ext.ValidatePayload(context.Background(), decl, nil); err == nil {
			t.Fatal("expected error when required key is missing")
		}
	})

	t.Run("optional and absent", func(t *testing.T) {
		if err := ext.ValidatePayload(context.Background(), nil, nil); err != nil {
			t.Fatalf("ValidatePayload failed: %v", err)
		}
	})
}

func TestClientExtension(t *testing.T) {
	ext, err := NewClientExtension("payment-key-0000000001")
	if err != nil {
		t.Fatalf("NewClientExtension failed: %v", err)
	}
	value, err := ext.EnrichPaymentPayload(context.Background(), testPayload("", "0xaa"))
	if err != nil {
		t.Fatalf("EnrichPaymentPayload failed: %v", err)
	}
	entry, ok := value.(map[string]interface{})
	if !ok || entry["key"] != "payment-key-0000000001" {
		t.Fatalf("unexpected extension value: %v", value)
	}

	if _, err := NewClientExtension("bad"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}
