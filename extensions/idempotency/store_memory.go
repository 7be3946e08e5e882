package idempotency

import (
	"context"
	"sync"
	"time"

	x402 "github.com/x402labs/x402-go"
)

// DefaultTTL is how long cached receipts live. Deployments must keep the
// TTL at or above the maxTimeoutSeconds they offer, or a replayed key can
// fall out of the cache while its authorization is still valid.
const DefaultTTL = 10 * time.Minute

type memoryEntry struct {
	fingerprint string
	result      *x402.SettleResponse
	expiresAt   time.Time
	done        chan struct{}
}

// InMemoryStore is a mutex-guarded SettlementStore with TTL expiry and
// lazy cleanup. State is per-process; load-balanced facilitators need a
// shared implementation instead.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
}

func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InMemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
	}
}

func (s *InMemoryStore) CheckAndMark(key string, fingerprint string) (SettlementStatus, *x402.SettleResponse, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupLocked()

	if entry, ok := s.entries[key]; ok {
		if entry.fingerprint != fingerprint {
			return StatusMismatch, nil, nil
		}
		if entry.result != nil {
			return StatusCached, entry.result, nil
		}
		return StatusInFlight, nil, entry.done
	}

	done := make(chan struct{})
	s.entries[key] = &memoryEntry{
		fingerprint: fingerprint,
		done:        done,
		expiresAt:   time.Now().Add(s.ttl),
	}
	return StatusNotFound, nil, done
}

func (s *InMemoryStore) WaitForResult(ctx context.Context, key string, done chan struct{}) (*x402.SettleResponse, error) {
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.result, nil
}

func (s *InMemoryStore) Complete(key string, response *x402.SettleResponse, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && entry.done == done {
		entry.result = response
		entry.expiresAt = time.Now().Add(s.ttl)
	}
	close(done)
}

func (s *InMemoryStore) Fail(key string, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && entry.done == done {
		delete(s.entries, key)
	}
	close(done)
}

// cleanupLocked drops expired entries. In-flight entries never expire
// here; Complete or Fail always resolves them.
func (s *InMemoryStore) cleanupLocked() {
	now := time.Now()
	for key, entry := range s.entries {
		if entry.result != nil && now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

var _ SettlementStore = (*InMemoryStore)(nil)
