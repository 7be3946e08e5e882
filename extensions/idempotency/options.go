package idempotency

import "time"

type config struct {
	ttl          time.Duration
	store        SettlementStore
	keyGenerator KeyGenerator
}

type Option func(*config)

// WithTTL sets how long cached receipts live. Ignored when a custom store
// is supplied.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithStore replaces the default in-memory store, typically with a shared
// backend for load-balanced deployments.
func WithStore(store SettlementStore) Option {
	return func(c *config) { c.store = store }
}

// WithKeyGenerator replaces the deduplication key derivation.
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(c *config) { c.keyGenerator = gen }
}
