package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lanhost/llm-gateway/internal/bus"
	"github.com/lanhost/llm-gateway/internal/reqlog"
	"github.com/lanhost/llm-gateway/internal/state"
)

const maxRequestBodyBytes = 10 * 1024 * 1024

// Options holds the dependencies injected into the proxy at creation,
// wired together by cmd/gatewayd's main.
type Options struct {
	BackendHTTPBaseURL string
	Client             *http.Client
	State              *state.Store
	Bus                *bus.Bus
	ReqLog             *reqlog.Log // optional; nil disables durable request logging
	ProxyTimeout       time.Duration
	StreamTimeout      time.Duration // 0 means no stream-level deadline
}

// Proxy is the HTTP handler mounted at the gateway's OpenAI-compatible
// surface. It rewrites shorthand routes, injects the active model's
// inference defaults, forwards to the backend, and relays the response.
type Proxy struct {
	backendBaseURL string
	client         *http.Client
	state          *state.Store
	bus            *bus.Bus
	reqlog         *reqlog.Log
	proxyTimeout   time.Duration
	streamTimeout  time.Duration
}

// New creates a Proxy handler with the given dependencies.
func New(opts Options) *Proxy {
	return &Proxy{
		backendBaseURL: opts.BackendHTTPBaseURL,
		client:         opts.Client,
		state:          opts.State,
		bus:            opts.Bus,
		reqlog:         opts.ReqLog,
		proxyTimeout:   opts.ProxyTimeout,
		streamTimeout:  opts.StreamTimeout,
	}
}

// ServeHTTP implements the full proxy data flow: route rewrite, body
// read, default-parameter injection, forward, relay, and lifecycle
// bookkeeping.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := newRequestID(start)

	route := ParseRoute(r.URL.Path)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	streamRequested := false
	if route.IsChatCompletions() && len(body) > 0 {
		body, streamRequested = p.applyInferenceDefaults(body)
	} else if len(body) > 0 {
		streamRequested = requestWantsStream(body)
	}

	modelKey := ""
	if am := p.state.ActiveModel(); am.ModelKey != nil {
		modelKey = *am.ModelKey
	}

	p.bus.Publish("inference_start", map[string]any{
		"request_id": requestID,
		"model_key":  modelKey,
		"path":       route.UpstreamPath,
		"stream":     streamRequested,
	})

	ctx := r.Context()
	var cancel func()
	// Streaming requests are bounded by the stream timeout on the
	// response body instead (0 = unbounded).
	if p.proxyTimeout > 0 && !streamRequested {
		ctx, cancel = context.WithTimeout(ctx, p.proxyTimeout)
		defer cancel()
	}
	upstreamReq := r.WithContext(ctx)

	upstream := p.backendBaseURL + route.UpstreamPath
	resp, err := forwardRequest(p.client, upstream, upstreamReq, body)
	if err != nil {
		slog.Error("proxy: backend request failed", "upstream", upstream, "error", err)
		p.completeFailed(requestID, modelKey, start, err)
		http.Error(w, "backend request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if streamRequested && isEventStream(resp.Header.Get("Content-Type")) {
		p.handleStreaming(w, resp, requestID, modelKey, start)
		return
	}
	p.handleNonStreaming(w, resp, requestID, modelKey, start)
}

// handleNonStreaming relays a buffered JSON response and records
// completion.
func (p *Proxy) handleNonStreaming(w http.ResponseWriter, resp *http.Response, requestID, modelKey string, start time.Time) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("proxy: failed to read backend response", "error", err)
		p.completeFailed(requestID, modelKey, start, err)
		http.Error(w, "failed to read backend response", http.StatusBadGateway)
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	w.Write(body)

	if resp.StatusCode >= 400 {
		p.completeFailed(requestID, modelKey, start, fmt.Errorf("backend returned status %d", resp.StatusCode))
		return
	}

	prompt, completion := extractUsage(body)
	p.completeOK(requestID, modelKey, start, prompt, completion)
}

// handleStreaming relays an SSE response verbatim and records
// completion once the stream ends.
func (p *Proxy) handleStreaming(w http.ResponseWriter, resp *http.Response, requestID, modelKey string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("proxy: response writer does not support flushing")
		p.completeFailed(requestID, modelKey, start, fmt.Errorf("streaming not supported"))
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	body := io.Reader(resp.Body)
	if p.streamTimeout > 0 {
		body = newDeadlineReader(resp.Body, p.streamTimeout)
	}

	usage := relaySSE(w, flusher, body)

	if usage != nil {
		p.completeOK(requestID, modelKey, start, usage.PromptTokens, usage.CompletionTokens)
	} else {
		p.completeOK(requestID, modelKey, start, 0, 0)
	}
}

// completeOK records a successful completion on the ring buffer, the
// durable request log, and the event bus.
func (p *Proxy) completeOK(requestID, modelKey string, start time.Time, promptTokens, completionTokens int) {
	elapsed := time.Since(start).Milliseconds()
	p.state.AppendCompleted(state.RequestRecord{
		RequestID: requestID,
		Status:    state.StatusCompleted,
		TimeMs:    &elapsed,
		TokenUsage: &state.TokenUsage{
			Prompt:     promptTokens,
			Completion: completionTokens,
			Total:      promptTokens + completionTokens,
		},
		Timestamp: time.Now(),
	})
	if p.reqlog != nil {
		p.reqlog.AppendCompleted(requestID, "completed", modelKey, elapsed, promptTokens, completionTokens, "")
	}
	p.bus.Publish("inference_complete", map[string]any{
		"request_id": requestID,
		"model_key":  modelKey,
		"time_ms":    elapsed,
	})
}

// completeFailed records a failed request.
func (p *Proxy) completeFailed(requestID, modelKey string, start time.Time, cause error) {
	elapsed := time.Since(start).Milliseconds()
	p.state.AppendCompleted(state.RequestRecord{
		RequestID: requestID,
		Status:    state.StatusFailed,
		TimeMs:    &elapsed,
		Timestamp: time.Now(),
	})
	if p.reqlog != nil {
		p.reqlog.AppendCompleted(requestID, "failed", modelKey, elapsed, 0, 0, cause.Error())
	}
	p.bus.Publish("error", map[string]any{
		"request_id": requestID,
		"model_key":  modelKey,
		"message":    cause.Error(),
	})
}

// applyInferenceDefaults injects the active model's identity and
// default inference parameters into a chat-completions request body. A
// field already present in the client's JSON is left untouched — the
// client's explicit value always wins over the gateway's default.
// Returns the (possibly modified) body and whether streaming was
// requested.
func (p *Proxy) applyInferenceDefaults(body []byte) ([]byte, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return body, requestWantsStream(body)
	}

	active := p.state.ActiveModel()
	defaults := active.DefaultInference
	inject := func(key string, value any) {
		if _, present := fields[key]; present {
			return
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return
		}
		fields[key] = encoded
	}

	// model: prefer instance_id, fall back to model_key, leave absent if
	// no active model — the backend will reject it.
	if active.InstanceID != nil && *active.InstanceID != "" {
		inject("model", *active.InstanceID)
	} else if active.ModelKey != nil {
		inject("model", *active.ModelKey)
	}

	if defaults.Temperature != nil {
		inject("temperature", *defaults.Temperature)
	}
	if defaults.MaxTokens != nil {
		inject("max_tokens", *defaults.MaxTokens)
	}
	if defaults.TopP != nil {
		inject("top_p", *defaults.TopP)
	}
	if defaults.TopK != nil {
		inject("top_k", *defaults.TopK)
	}
	if defaults.RepeatPenalty != nil {
		inject("repeat_penalty", *defaults.RepeatPenalty)
	}
	if len(defaults.Stop) > 0 {
		inject("stop", defaults.Stop)
	}
	if defaults.Stream != nil {
		inject("stream", *defaults.Stream)
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return body, requestWantsStream(body)
	}
	return merged, requestWantsStream(merged)
}

func requestWantsStream(body []byte) bool {
	var req struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return false
	}
	return req.Stream
}

// extractUsage pulls prompt/completion token counts from a
// non-streaming chat completion response, if present.
func extractUsage(body []byte) (prompt, completion int) {
	var resp struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0
	}
	return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
}

func isEventStream(contentType string) bool {
	return bytes.Contains([]byte(contentType), []byte("text/event-stream"))
}

// newRequestID generates a req_<ms>_<rand6> identifier per
// SPEC_FULL.md §4.E.
func newRequestID(t time.Time) string {
	buf := make([]byte, 3)
	rand.Read(buf)
	return fmt.Sprintf("req_%d_%s", t.UnixMilli(), hex.EncodeToString(buf))
}
