package idempotency

import (
	"context"

	x402 "github.com/x402labs/x402-go"
)

// SettlementStatus is the result of checking the store.
type SettlementStatus int

const (
	// StatusNotFound means no cached result and no in-flight request; the
	// caller now owns the in-flight slot.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a cached receipt was found.
	StatusCached
	// StatusInFlight means another request is currently settling this key.
	StatusInFlight
	// StatusMismatch means the key is known but was used with a different
	// payload.
	StatusMismatch
)

// SettlementStore is the storage contract for settlement idempotency.
// Implementations must be safe for concurrent use. The in-memory store
// suits single-instance deployments; distributed deployments implement
// this against a shared backend.
type SettlementStore interface {
	// CheckAndMark atomically checks the store and, when the key is
	// unknown, marks it in-flight with the given payload fingerprint.
	//
	//   - StatusCached:    result is the cached receipt, done is nil
	//   - StatusInFlight:  wait on done, then call WaitForResult
	//   - StatusNotFound:  proceed; pass done to Complete or Fail
	//   - StatusMismatch:  same key seen with a different fingerprint
	CheckAndMark(key string, fingerprint string) (SettlementStatus, *x402.SettleResponse, chan struct{})

	// WaitForResult blocks until the in-flight settlement for key finishes
	// or the context is done. A nil result with nil error means the
	// in-flight attempt failed and the caller may retry.
	WaitForResult(ctx context.Context, key string, done chan struct{}) (*x402.SettleResponse, error)

	// Complete caches the receipt for key and releases waiters. done must
	// be the channel returned by CheckAndMark.
	Complete(key string, response *x402.SettleResponse, done chan struct{})

	// Fail drops the in-flight marker without caching, releasing waiters
	// so they can retry. done must be the channel returned by CheckAndMark.
	Fail(key string, done chan struct{})
}
