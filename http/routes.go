package http

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	x402 "github.com/x402labs/x402-go"
)

// PaymentOption is one way a route accepts payment. A route may carry
// several to offer a disjunction across networks or schemes.
type PaymentOption struct {
	Scheme            string
	Network           x402.Network
	PayTo             string
	Price             x402.Price
	MaxTimeoutSeconds int
	Extra             map[string]interface{}
}

// RouteConfig configures payment protection for one route pattern. Either
// set the single-acceptor fields (Scheme/Network/PayTo/Price) or list
// multiple acceptors in Accepts; both may be combined.
type RouteConfig struct {
	Scheme            string
	Network           x402.Network
	PayTo             string
	Price             x402.Price
	MaxTimeoutSeconds int
	Extra             map[string]interface{}

	Accepts []PaymentOption

	// Resource overrides the canonical resource URL; empty means the
	// request URL.
	Resource    string
	Description string
	MimeType    string

	// Extensions declared on this route, keyed by extension name.
	Extensions map[string]interface{}

	// RequireIdempotency makes the idempotency extension mandatory for
	// payloads on this route.
	RequireIdempotency bool

	// CustomPaywallHTML replaces the built-in paywall page for browser
	// requests.
	CustomPaywallHTML string

	// UnpaidResponseBody, when set, replaces the default JSON body of the
	// 402 challenge for non-browser clients. The PAYMENT-REQUIRED header
	// is attached regardless.
	UnpaidResponseBody func(pr x402.PaymentRequired) ([]byte, string)
}

// options folds the shorthand fields and the Accepts list into one slice.
func (rc RouteConfig) options() []PaymentOption {
	var opts []PaymentOption
	if rc.Scheme != "" || rc.Network != "" || rc.PayTo != "" || rc.Price != nil {
		opts = append(opts, PaymentOption{
			Scheme:            rc.Scheme,
			Network:           rc.Network,
			PayTo:             rc.PayTo,
			Price:             rc.Price,
			MaxTimeoutSeconds: rc.MaxTimeoutSeconds,
			Extra:             rc.Extra,
		})
	}
	return append(opts, rc.Accepts...)
}

// RoutesConfig maps "METHOD /pattern" strings to route configurations.
// "*" as the method matches any verb. Patterns support "*" wildcards and
// "[param]" path segments, e.g. "GET /files/[id]/*".
type RoutesConfig map[string]RouteConfig

// CompiledRoute is a route pattern ready for matching.
type CompiledRoute struct {
	Verb    string
	Pattern *regexp.Regexp
	Raw     string
	Config  RouteConfig
}

// CompileRoutes parses and compiles every route pattern. Longer patterns
// are tried first so "/files/special" wins over "/files/*".
func CompileRoutes(routes RoutesConfig) ([]CompiledRoute, error) {
	compiled := make([]CompiledRoute, 0, len(routes))
	for raw, config := range routes {
		if len(config.options()) == 0 {
			return nil, fmt.Errorf("route %q has no payment options", raw)
		}
		verb, pattern, err := parseRoutePattern(raw)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, CompiledRoute{
			Verb:    verb,
			Pattern: pattern,
			Raw:     raw,
			Config:  config,
		})
	}
	sort.Slice(compiled, func(i, j int) bool {
		return len(compiled[i].Raw) > len(compiled[j].Raw)
	})
	return compiled, nil
}

// FindMatchingRoute returns the first compiled route matching the request,
// or nil when the request is not payment-protected.
func FindMatchingRoute(routes []CompiledRoute, method, path string) *CompiledRoute {
	method = strings.ToUpper(method)
	normalized := NormalizePath(path)
	for i := range routes {
		route := &routes[i]
		if route.Verb != "*" && route.Verb != method {
			continue
		}
		if route.Pattern.MatchString(normalized) {
			return route
		}
	}
	return nil
}

// parseRoutePattern splits "METHOD /pattern" and compiles the path part.
// A bare "/pattern" means any method.
func parseRoutePattern(raw string) (verb string, pattern *regexp.Regexp, err error) {
	verb = "*"
	path := strings.TrimSpace(raw)
	if i := strings.IndexByte(path, ' '); i > 0 {
		verb = strings.ToUpper(path[:i])
		path = strings.TrimSpace(path[i+1:])
	}
	if !strings.HasPrefix(path, "/") {
		return "", nil, fmt.Errorf("invalid route pattern %q: path must start with /", raw)
	}

	var b strings.Builder
	b.WriteString("^")
	for len(path) > 0 {
		switch {
		case strings.HasPrefix(path, "*"):
			b.WriteString(".*?")
			path = path[1:]
		case strings.HasPrefix(path, "["):
			end := strings.IndexByte(path, ']')
			if end < 0 {
				return "", nil, fmt.Errorf("invalid route pattern %q: unterminated [param]", raw)
			}
			b.WriteString("[^/]+")
			path = path[end+1:]
		default:
			b.WriteString(regexp.QuoteMeta(path[:1]))
			path = path[1:]
		}
	}
	b.WriteString("$")

	pattern, err = regexp.Compile(b.String())
	if err != nil {
		return "", nil, fmt.Errorf("invalid route pattern %q: %w", raw, err)
	}
	return verb, pattern, nil
}

// NormalizePath canonicalizes a request path before matching: query and
// fragment stripped, percent-escapes decoded, duplicate slashes collapsed,
// trailing slash removed (except for the root).
func NormalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}
	return path
}
