// Package proxy implements the gateway's reverse-proxy path: it takes
// an incoming OpenAI-compatible HTTP request, rewrites shorthand
// routes, injects the active model's default inference parameters,
// forwards to the backend, and relays the response verbatim (buffered
// JSON for non-streaming, live SSE passthrough for streaming).
//
// Grounded on the retrieved example pack's CirtusX-ctrl-ai-v1
// internal/proxy package: ParseRoute/detectAPIType, the hop-by-hop
// header table, and the SSE scanner are the teacher's own, generalized
// from a guardrail-inspecting relay into a transparent one — this
// gateway never buffers-then-forwards or inspects tool calls, so the
// teacher's buffer/reconstruct/modify pipeline has no counterpart here
// (see DESIGN.md).
package proxy

import "strings"

// RouteInfo holds the parsed, possibly rewritten upstream path for an
// incoming proxy request.
type RouteInfo struct {
	// UpstreamPath is the path to send to the backend's HTTP API,
	// always beginning with "/v1/".
	UpstreamPath string
}

// shorthandRewrites maps bare OpenAI-compatible shorthand paths to
// their canonical /v1/ form, per SPEC_FULL.md §4.E's route table.
var shorthandRewrites = map[string]string{
	"/chat/completions": "/v1/chat/completions",
	"/completions":       "/v1/completions",
	"/embeddings":        "/v1/embeddings",
	"/models":            "/v1/models",
}

// ParseRoute rewrites a bare OpenAI-compatible shorthand path (e.g.
// "/chat/completions") into its canonical "/v1/..." form. Paths
// already under /v1/ pass through unchanged.
func ParseRoute(path string) RouteInfo {
	if strings.HasPrefix(path, "/v1/") {
		return RouteInfo{UpstreamPath: path}
	}
	if rewritten, ok := shorthandRewrites[path]; ok {
		return RouteInfo{UpstreamPath: rewritten}
	}
	return RouteInfo{UpstreamPath: path}
}

// IsChatCompletions reports whether the route targets the chat
// completions endpoint, the only one eligible for active-model
// inference-default injection.
func (r RouteInfo) IsChatCompletions() bool {
	return r.UpstreamPath == "/v1/chat/completions"
}
