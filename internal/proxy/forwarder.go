package proxy

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

// hopByHopHeaders are HTTP headers that must not be forwarded through a
// proxy. X-Api-Key is additionally stripped: the gateway does not
// forward client-supplied backend credentials, per SPEC_FULL.md §4.E.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"X-Api-Key":           true,
}

// forwardRequest sends the (possibly rewritten) body to the backend's
// HTTP API and returns the raw response. The caller owns closing the
// response body.
func forwardRequest(client *http.Client, upstream string, r *http.Request, body []byte) (*http.Response, error) {
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstream, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	copyHeaders(upstreamReq.Header, r.Header)
	upstreamReq.ContentLength = int64(len(body))

	resp, err := client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("forwarding to upstream %s: %w", upstream, err)
	}
	return resp, nil
}

// copyHeaders copies headers from src to dst, skipping hop-by-hop
// headers and Host (set by the HTTP client from the upstream URL).
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] || strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// copyResponseHeaders copies response headers from the backend response
// to the client response writer, skipping hop-by-hop headers.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
