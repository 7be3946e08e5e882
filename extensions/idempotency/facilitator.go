package idempotency

import (
	"context"

	x402 "github.com/x402labs/x402-go"
)

// IdempotentFacilitator decorates a FacilitatorClient with settlement
// deduplication. Verify and GetSupported pass straight through; Settle
// consults the store first so a retried settle call returns the original
// receipt instead of submitting a second transaction.
type IdempotentFacilitator struct {
	inner        x402.FacilitatorClient
	store        SettlementStore
	keyGenerator KeyGenerator
}

// Wrap decorates a facilitator client. Defaults: in-memory store with a
// 10-minute TTL and DefaultKeyGenerator.
func Wrap(inner x402.FacilitatorClient, opts ...Option) *IdempotentFacilitator {
	cfg := &config{
		ttl:          DefaultTTL,
		keyGenerator: DefaultKeyGenerator,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	store := cfg.store
	if store == nil {
		store = NewInMemoryStore(cfg.ttl)
	}
	return &IdempotentFacilitator{
		inner:        inner,
		store:        store,
		keyGenerator: cfg.keyGenerator,
	}
}

func (f *IdempotentFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	return f.inner.Verify(ctx, payload, requirements)
}

func (f *IdempotentFacilitator) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	return f.inner.GetSupported(ctx)
}

// Settle deduplicates by key. A cached receipt is returned as-is, an
// in-flight settlement is awaited, and a key reused with a different
// payload is refused without touching the chain. Failed settlements are
// not cached, so legitimate retries go through.
func (f *IdempotentFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	key := f.keyGenerator(payload)
	fingerprint := Fingerprint(payload)

	for {
		status, cached, done := f.store.CheckAndMark(key, fingerprint)
		switch status {
		case StatusCached:
			return *cached, nil

		case StatusMismatch:
			return x402.SettleResponse{
				Success:     false,
				ErrorReason: x402.ReasonIdempotencyKeyReuse,
				Network:     payload.Accepted.Network,
			}, nil

		case StatusInFlight:
			result, err := f.store.WaitForResult(ctx, key, done)
			if err != nil {
				return x402.SettleResponse{}, err
			}
			if result != nil {
				return *result, nil
			}
			// The in-flight attempt failed; take the slot ourselves.
			continue
		}

		response, err := f.inner.Settle(ctx, payload, requirements)
		if err != nil || !response.Success {
			f.store.Fail(key, done)
			return response, err
		}
		f.store.Complete(key, &response, done)
		return response, nil
	}
}

var _ x402.FacilitatorClient = (*IdempotentFacilitator)(nil)
