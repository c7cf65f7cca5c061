// Package admin serves the gateway's control-plane HTTP surface:
// model load/unload/activate, health, debug status/metrics, the live
// SSE event stream, and the durable request log query endpoint.
//
// Grounded on the retrieved example pack's CirtusX-ctrl-ai-v1
// internal/dashboard package: APIHandler()'s sub-mux-of-REST-endpoints
// structure and the embedded no-build-step HTML status page are the
// teacher's own pattern, generalized from an agent-kill-switch REST
// API to a model-lifecycle one. /dashboard/ws's raw gorilla/websocket
// hub is replaced here by an SSE stream off internal/bus, since
// SPEC_FULL.md's Debug surface is SSE-based, not WebSocket-based; the
// teacher's rules CRUD endpoints (/api/rules*) have no analog in this
// spec and are not carried forward (see DESIGN.md).
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanhost/llm-gateway/internal/bus"
	"github.com/lanhost/llm-gateway/internal/control"
	"github.com/lanhost/llm-gateway/internal/reqlog"
	"github.com/lanhost/llm-gateway/internal/state"
)

// Options holds the dependencies injected into the admin surface.
type Options struct {
	State            *state.Store
	Bus              *bus.Bus
	Control          *control.Client
	ReqLog           *reqlog.Log // optional
	DashboardEnabled bool
}

// Admin serves the gateway's control-plane endpoints.
type Admin struct {
	state            *state.Store
	bus              *bus.Bus
	control          *control.Client
	reqlog           *reqlog.Log
	dashboardEnabled bool
}

// New creates an Admin handler set with the given dependencies.
func New(opts Options) *Admin {
	return &Admin{
		state:            opts.State,
		bus:              opts.Bus,
		control:          opts.Control,
		reqlog:           opts.ReqLog,
		dashboardEnabled: opts.DashboardEnabled,
	}
}

// Handler returns the mux serving every admin/debug route. Mount at
// the root of the gateway's HTTP server alongside the proxy.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/admin/models", a.handleModels)
	mux.HandleFunc("/admin/models/load", a.handleLoad)
	mux.HandleFunc("/admin/models/unload", a.handleUnload)
	mux.HandleFunc("/admin/models/activate", a.handleActivate)
	mux.HandleFunc("/admin/requests", a.handleRequests)
	mux.HandleFunc("/debug/status", a.handleDebugStatus)
	mux.HandleFunc("/debug/metrics", a.handleDebugMetrics)
	mux.HandleFunc("/debug/stream", a.handleDebugStream)
	mux.Handle("/debug/prometheus", promhttp.Handler())

	if a.dashboardEnabled {
		mux.HandleFunc("/dashboard", a.handleDashboard)
	}

	return mux
}

// handleHealth reports whether the backend's control channel is
// reachable.
func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy := a.control.Health(ctx)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": healthy})
}

// handleModels proxies list_models to the backend control channel.
// GET /admin/models
func (a *Admin) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	loaded, downloaded, err := a.control.ListModels(r.Context())
	if err != nil {
		slog.Error("admin: list_models failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"loaded":     loaded,
		"downloaded": downloaded,
	})
}

type loadRequest struct {
	ModelKey         string                  `json:"model_key"`
	InstanceID       string                  `json:"instance_id,omitempty"`
	LoadConfig       *control.LoadConfig     `json:"load_config,omitempty"`
	DefaultInference state.InferenceDefaults `json:"default_inference,omitempty"`
	Activate         *bool                   `json:"activate,omitempty"`
}

// validateLoadConfig checks the bounds SPEC_FULL.md §4.G places on a
// load_config's numeric fields, returning one human-readable detail per
// violation.
func validateLoadConfig(cfg *control.LoadConfig) []string {
	var details []string
	if cfg == nil {
		return details
	}
	if cfg.ContextLength != nil && *cfg.ContextLength <= 0 {
		details = append(details, "load_config.context_length must be positive")
	}
	if cfg.GPU != nil {
		if cfg.GPU.Ratio != nil && (*cfg.GPU.Ratio < 0 || *cfg.GPU.Ratio > 1) {
			details = append(details, "load_config.gpu.ratio must be within [0, 1]")
		}
		if cfg.GPU.Layers != nil && *cfg.GPU.Layers < 0 {
			details = append(details, "load_config.gpu.layers must be >= 0")
		}
	}
	if cfg.CPUThreads != nil && *cfg.CPUThreads <= 0 {
		details = append(details, "load_config.cpu_threads must be positive")
	}
	if cfg.RopeFrequencyBase != nil && *cfg.RopeFrequencyBase <= 0 {
		details = append(details, "load_config.rope_frequency_base must be positive")
	}
	if cfg.RopeFrequencyScale != nil && *cfg.RopeFrequencyScale <= 0 {
		details = append(details, "load_config.rope_frequency_scale must be positive")
	}
	return details
}

// handleLoad asks the backend to load a model and, by default, activates
// it so the proxy starts forwarding chat completions to it immediately.
// POST /admin/models/load
func (a *Admin) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Validation failed", "details": []string{"invalid JSON body"}})
		return
	}

	var details []string
	if req.ModelKey == "" {
		details = append(details, "model_key is required")
	}
	details = append(details, validateLoadConfig(req.LoadConfig)...)
	if len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Validation failed", "details": details})
		return
	}

	activate := true
	if req.Activate != nil {
		activate = *req.Activate
	}

	start := time.Now()
	progress := 0
	a.state.SetStatus(state.StatusLoadingModel)
	a.state.BeginOperation(state.OperationInfo{Kind: state.OpLoad, ModelKey: req.ModelKey, Progress: &progress, StartedAt: start})
	a.bus.Publish("model_load_start", map[string]any{"model_key": req.ModelKey, "instance_id": req.InstanceID})
	a.bus.Publish("model_load_progress", map[string]any{"model_key": req.ModelKey, "progress": 0})

	err := a.control.LoadModel(r.Context(), req.ModelKey, req.InstanceID, req.LoadConfig)

	a.state.EndOperation()

	if err != nil {
		a.state.SetStatus(state.StatusError)
		a.state.IncrementErrors()
		slog.Error("admin: load failed", "model_key", req.ModelKey, "error", err)
		a.bus.Publish("error", map[string]any{"model_key": req.ModelKey, "message": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	totalTimeMs := time.Since(start).Milliseconds()

	if activate {
		modelKey := req.ModelKey
		instanceID := req.InstanceID
		a.state.SetActiveModel(state.ActiveModel{
			ModelKey:         &modelKey,
			InstanceID:       &instanceID,
			DefaultInference: req.DefaultInference,
		})
	}

	a.state.SetStatus(state.StatusIdle)
	a.bus.Publish("model_load_progress", map[string]any{"model_key": req.ModelKey, "progress": 100})
	a.bus.Publish("model_load_complete", map[string]any{"model_key": req.ModelKey, "total_time_ms": totalTimeMs})

	resp := map[string]any{
		"status":        "loaded",
		"model_key":     req.ModelKey,
		"activated":     activate,
		"total_time_ms": totalTimeMs,
		"message":       fmt.Sprintf("model %s loaded", req.ModelKey),
	}
	if req.InstanceID != "" {
		resp["instance_id"] = req.InstanceID
	}
	writeJSON(w, http.StatusOK, resp)
}

type unloadRequest struct {
	ModelKey   string `json:"model_key"`
	InstanceID string `json:"instance_id,omitempty"`
}

// handleUnload asks the backend to unload a model.
// POST /admin/models/unload
func (a *Admin) handleUnload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req unloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ModelKey == "" && req.InstanceID == "" {
		http.Error(w, "model_key or instance_id required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	a.state.SetStatus(state.StatusLoadingModel)
	a.state.BeginOperation(state.OperationInfo{Kind: state.OpUnload, ModelKey: req.ModelKey, StartedAt: start})
	a.bus.Publish("model_unload_start", map[string]any{"model_key": req.ModelKey, "instance_id": req.InstanceID})

	err := a.control.UnloadModel(r.Context(), req.ModelKey, req.InstanceID)

	a.state.EndOperation()

	if err != nil {
		if err == control.ErrNotFound {
			a.state.SetStatus(state.StatusIdle)
			writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_found", "message": err.Error()})
			return
		}
		a.state.SetStatus(state.StatusError)
		a.state.IncrementErrors()
		slog.Error("admin: unload failed", "model_key", req.ModelKey, "error", err)
		a.bus.Publish("error", map[string]any{"model_key": req.ModelKey, "message": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	a.state.ClearActiveModelIfMatches(req.ModelKey, req.InstanceID)
	a.state.SetStatus(state.StatusIdle)

	totalTimeMs := time.Since(start).Milliseconds()
	a.bus.Publish("model_unload_complete", map[string]any{"model_key": req.ModelKey, "total_time_ms": totalTimeMs})
	writeJSON(w, http.StatusOK, map[string]any{"status": "unloaded", "model_key": req.ModelKey, "total_time_ms": totalTimeMs})
}

type activateRequest struct {
	ModelKey         string                  `json:"model_key"`
	InstanceID       string                  `json:"instance_id,omitempty"`
	DefaultInference state.InferenceDefaults `json:"default_inference,omitempty"`
}

// handleActivate sets which loaded model the proxy forwards chat
// completions to and its default inference parameters.
// POST /admin/models/activate
func (a *Admin) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ModelKey == "" {
		http.Error(w, "model_key required", http.StatusBadRequest)
		return
	}

	modelKey := req.ModelKey
	instanceID := req.InstanceID
	a.state.SetActiveModel(state.ActiveModel{
		ModelKey:         &modelKey,
		InstanceID:       &instanceID,
		DefaultInference: req.DefaultInference,
	})

	a.bus.Publish("model_activate", map[string]any{"model_key": req.ModelKey})
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated", "model_key": req.ModelKey})
}

// handleRequests queries the durable request log.
// GET /admin/requests?since=<RFC3339>&status=completed|failed&limit=50
func (a *Admin) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if a.reqlog == nil {
		writeJSON(w, http.StatusOK, []reqlog.Record{})
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := a.reqlog.Query(reqlog.QueryParams{
		Since:  r.URL.Query().Get("since"),
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
	})
	if err != nil {
		slog.Error("admin: reqlog query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleDebugStatus returns the current gateway status snapshot.
// recent_requests holds the last 10 entries unless ?limit= overrides it.
// GET /debug/status?limit=20
func (a *Admin) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, a.state.Snapshot(limit))
}

// handleDebugMetrics returns the computed metrics derived from recent
// request history.
// GET /debug/metrics
func (a *Admin) handleDebugMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.state.ComputeMetrics())
}

// handleDebugStream subscribes the caller to the live event bus over
// Server-Sent Events, emitting a keep-alive comment every
// bus.KeepAliveInterval.
// GET /debug/stream
func (a *Admin) handleDebugStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	connected, err := json.Marshal(map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"message":   "Debug stream connected",
	})
	if err != nil {
		connected = []byte("{}")
	}
	if _, err := fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected); err != nil {
		return
	}
	flusher.Flush()

	sub := a.bus.Subscribe()
	defer a.bus.Unsubscribe(sub)

	ticker := time.NewTicker(bus.KeepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.Outbound():
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
			ticker.Reset(bus.KeepAliveInterval)
		case <-ticker.C:
			if _, err := w.Write(bus.KeepAliveFrame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleDashboard serves a minimal embedded status page when the
// dashboard is enabled, in the teacher's no-build-step style.
func (a *Admin) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>LLM Gateway</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 22px; margin-bottom: 6px; }
  .subtitle { color: #8b949e; margin-bottom: 20px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px;
          padding: 16px; margin-bottom: 16px; }
  .card h2 { font-size: 13px; color: #8b949e; text-transform: uppercase; margin-bottom: 10px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 4px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 4px 8px; border-bottom: 1px solid #21262d; }
  #feed { max-height: 260px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 3px 0; border-bottom: 1px solid #21262d; }
</style>
</head>
<body>
<h1>LLM Gateway</h1>
<p class="subtitle">LAN reverse proxy for the local inference backend</p>

<div class="card">
  <h2>Status</h2>
  <table><tbody id="status-tbody"><tr><td>Loading...</td></tr></tbody></table>
</div>

<div class="card">
  <h2>Live Events</h2>
  <div id="feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;');
}

async function refreshStatus() {
  try {
    const res = await fetch('/debug/status?limit=1');
    const s = await res.json();
    document.getElementById('status-tbody').innerHTML =
      '<tr><td>Status</td><td>' + esc(s.status) + '</td></tr>' +
      '<tr><td>Total requests</td><td>' + (s.total_requests||0) + '</td></tr>' +
      '<tr><td>Total errors</td><td>' + (s.total_errors||0) + '</td></tr>';
  } catch (e) { console.error('status refresh failed:', e); }
}

function connectStream() {
  const es = new EventSource('/debug/stream');
  es.onmessage = function(e) {
    const feed = document.getElementById('feed');
    const div = document.createElement('div');
    div.className = 'feed-entry';
    div.textContent = e.data;
    feed.insertBefore(div, feed.firstChild);
    while (feed.children.length > 100) feed.removeChild(feed.lastChild);
  };
  es.onerror = function() { es.close(); setTimeout(connectStream, 3000); };
}

refreshStatus();
setInterval(refreshStatus, 5000);
connectStream();
</script>
</body>
</html>`
