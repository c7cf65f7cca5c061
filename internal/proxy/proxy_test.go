package proxy

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lanhost/llm-gateway/internal/bus"
	"github.com/lanhost/llm-gateway/internal/state"
)

func strPtr(s string) *string { return &s }
func floatPtr(f float64) *float64 { return &f }

func newTestProxy(t *testing.T, backend *httptest.Server) (*Proxy, *state.Store) {
	t.Helper()
	st := state.New()
	b := bus.New()
	t.Cleanup(b.Close)
	return New(Options{
		BackendHTTPBaseURL: backend.URL,
		Client:             backend.Client(),
		State:              st,
		Bus:                b,
		ProxyTimeout:       5 * time.Second,
	}), st
}

func TestShorthandRouteRewrittenBeforeForwarding(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer backend.Close()

	p, _ := newTestProxy(t, backend)
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if gotPath != "/v1/chat/completions" {
		t.Fatalf("expected rewritten path /v1/chat/completions, got %s", gotPath)
	}
}

func TestActiveModelDefaultsInjectedWhenAbsent(t *testing.T) {
	var gotBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer backend.Close()

	p, st := newTestProxy(t, backend)
	st.SetActiveModel(state.ActiveModel{
		ModelKey: strPtr("m1"),
		DefaultInference: state.InferenceDefaults{
			Temperature: floatPtr(0.7),
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if gotBody["temperature"] != 0.7 {
		t.Fatalf("expected injected default temperature 0.7, got %v", gotBody["temperature"])
	}
}

func TestActiveModelInjectsModelField(t *testing.T) {
	var gotBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer backend.Close()

	p, st := newTestProxy(t, backend)
	st.SetActiveModel(state.ActiveModel{
		ModelKey:   strPtr("m1"),
		InstanceID: strPtr("m1:0"),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if gotBody["model"] != "m1:0" {
		t.Fatalf("expected injected model to prefer instance_id, got %v", gotBody["model"])
	}
}

func TestActiveModelInjectsModelKeyWhenNoInstanceID(t *testing.T) {
	var gotBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer backend.Close()

	p, st := newTestProxy(t, backend)
	st.SetActiveModel(state.ActiveModel{ModelKey: strPtr("m1")})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if gotBody["model"] != "m1" {
		t.Fatalf("expected injected model to fall back to model_key, got %v", gotBody["model"])
	}
}

func TestClientSuppliedFieldWinsOverDefault(t *testing.T) {
	var gotBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer backend.Close()

	p, st := newTestProxy(t, backend)
	st.SetActiveModel(state.ActiveModel{
		ModelKey:         strPtr("m1"),
		DefaultInference: state.InferenceDefaults{Temperature: floatPtr(0.7)},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"temperature":0.1}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if gotBody["temperature"] != 0.1 {
		t.Fatalf("expected client value 0.1 to win, got %v", gotBody["temperature"])
	}
}

func TestClientSuppliedModelWinsOverActiveModel(t *testing.T) {
	var gotBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer backend.Close()

	p, st := newTestProxy(t, backend)
	st.SetActiveModel(state.ActiveModel{ModelKey: strPtr("m1"), InstanceID: strPtr("m1:0")})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"client-choice"}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if gotBody["model"] != "client-choice" {
		t.Fatalf("expected client-supplied model to win, got %v", gotBody["model"])
	}
}

func TestNonStreamingCompletionRecordsStateAndUsage(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","usage":{"prompt_tokens":10,"completion_tokens":20}}`))
	}))
	defer backend.Close()

	p, st := newTestProxy(t, backend)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	snap := st.Snapshot(0)
	if len(snap.RecentRequests) != 1 {
		t.Fatalf("expected 1 recorded request, got %d", len(snap.RecentRequests))
	}
	rec0 := snap.RecentRequests[0]
	if rec0.TokenUsage == nil || rec0.TokenUsage.Prompt != 10 || rec0.TokenUsage.Completion != 20 {
		t.Fatalf("unexpected token usage: %+v", rec0.TokenUsage)
	}
}

func TestBackendErrorRecordsFailedStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer backend.Close()

	p, st := newTestProxy(t, backend)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	snap := st.Snapshot(0)
	if len(snap.RecentRequests) != 1 || snap.RecentRequests[0].Status != state.StatusFailed {
		t.Fatalf("expected 1 failed request record, got %+v", snap.RecentRequests)
	}
}

func TestStreamingResponseRelayedVerbatim(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer backend.Close()

	p, _ := newTestProxy(t, backend)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	scanner := bufio.NewScanner(rec.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 {
		t.Fatal("expected relayed SSE lines in response body")
	}
	found := false
	for _, l := range lines {
		if strings.Contains(l, "[DONE]") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected [DONE] terminator to be relayed")
	}
}
