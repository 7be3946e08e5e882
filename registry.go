package x402

import "sync"

// schemeRegistry maps network -> scheme -> implementation. Registration
// happens at startup; lookups afterwards are read-only and lock-free in
// practice, the RWMutex only guards against misuse.
type schemeRegistry[T any] struct {
	mu      sync.RWMutex
	entries map[Network]map[string]T
}

func newSchemeRegistry[T any]() *schemeRegistry[T] {
	return &schemeRegistry[T]{entries: make(map[Network]map[string]T)}
}

func (r *schemeRegistry[T]) register(network Network, scheme string, impl T) {
	network = NormalizeNetwork(network)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[network] == nil {
		r.entries[network] = make(map[string]T)
	}
	r.entries[network][scheme] = impl
}

// find resolves (network, scheme). Exact network entries win over wildcard
// registrations like "eip155:*".
func (r *schemeRegistry[T]) find(network Network, scheme string) (T, bool) {
	network = NormalizeNetwork(network)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if schemes, ok := r.entries[network]; ok {
		if impl, ok := schemes[scheme]; ok {
			return impl, true
		}
	}
	for registered, schemes := range r.entries {
		if registered == network {
			continue
		}
		if network.Match(registered) {
			if impl, ok := schemes[scheme]; ok {
				return impl, true
			}
		}
	}
	var zero T
	return zero, false
}

// schemesFor returns all scheme names registered for a network, wildcard
// registrations included.
func (r *schemeRegistry[T]) schemesFor(network Network) []string {
	network = NormalizeNetwork(network)
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for registered, schemes := range r.entries {
		if network.Match(registered) {
			for scheme := range schemes {
				if !seen[scheme] {
					seen[scheme] = true
					out = append(out, scheme)
				}
			}
		}
	}
	return out
}

// networks returns every registered network key.
func (r *schemeRegistry[T]) networks() []Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Network, 0, len(r.entries))
	for network := range r.entries {
		out = append(out, network)
	}
	return out
}

// each visits every (network, scheme, impl) triple.
func (r *schemeRegistry[T]) each(fn func(network Network, scheme string, impl T)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for network, schemes := range r.entries {
		for scheme, impl := range schemes {
			fn(network, scheme, impl)
		}
	}
}
