// Package upstream implements the streaming forwarder and the
// bounded-concurrency fire-and-forget compare dispatcher: the two
// components that actually talk to an upstream model service.
package upstream

import (
	"net/http"
	"time"
)

// Target is an immutable record describing one upstream: the
// self-hosted target or the Anthropic passthrough. Constructed once
// at startup from config, never mutated afterward.
type Target struct {
	// Name identifies the target in logs and span attributes, e.g.
	// "target" or "passthrough".
	Name string

	// BaseURL is joined with "/v1/messages" for the primary dispatch
	// path, and used as-is (with the original path) for the catch-all
	// relay.
	BaseURL string

	// Timeout bounds how long Forward waits to receive response
	// headers. It does not bound total stream duration once headers
	// arrive.
	Timeout time.Duration

	// MaxConcurrent sizes the compare dispatcher's semaphore. Unused
	// for the passthrough target (compare dispatch only ever targets
	// the self-hosted target in the current routing rules, but the
	// field lives here so either Target could play that role).
	MaxConcurrent int64

	// PassthroughAuth, when true, forwards the client's Authorization
	// header verbatim. When false the header is stripped — the target
	// uses its own credential scheme.
	PassthroughAuth bool
}

// hopByHopHeaders is the set of headers that apply only to a single
// connection and must not be forwarded by an intermediary. Host and
// Content-Length are included as well: Host doesn't belong to the
// upstream's origin, and the rewritten body has a new length that
// net/http recomputes itself.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
}

// copyForwardableHeaders clones src into a fresh http.Header with the
// hop-by-hop set removed. It never mutates src.
func copyForwardableHeaders(src http.Header) http.Header {
	out := src.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	return out
}
