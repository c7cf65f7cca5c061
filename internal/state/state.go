// Package state holds the gateway's single in-memory AppState value:
// the active model record, the ring buffer of recent proxy requests,
// and the derived-on-demand metrics surface consumed by /debug/status
// and /debug/metrics.
//
// Thread-safe — one mutex guards all fields, matching the single-
// registry-lock pattern of the teacher's agent registry
// (internal/agent/registry.go in the retrieved example pack): short
// critical sections, no I/O under lock, metrics computed at query time
// rather than precomputed.
package state

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// InferenceDefaults is the sparse record of sampling parameters that
// the proxy augments chat/completions requests with when the client
// didn't supply them.
type InferenceDefaults struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Stop          []string `json:"stop_strings,omitempty"`
	Stream        *bool    `json:"stream,omitempty"`
}

// ActiveModel is the currently loaded/activated model identity and its
// default sampling parameters. A nil ModelKey means no model is active.
type ActiveModel struct {
	ModelKey          *string            `json:"model_key"`
	InstanceID        *string            `json:"instance_id,omitempty"`
	DefaultInference  InferenceDefaults `json:"default_inference"`
}

// OperationKind enumerates the long-running operations the gateway
// tracks a progress gauge for.
type OperationKind string

const (
	OpLoad      OperationKind = "load"
	OpUnload    OperationKind = "unload"
	OpInference OperationKind = "inference"
)

// OperationInfo describes the single in-flight long operation, if any.
type OperationInfo struct {
	Kind      OperationKind `json:"kind"`
	ModelKey  string        `json:"model_key,omitempty"`
	Progress  *int          `json:"progress,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// RequestStatus enumerates the lifecycle states of a proxied request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
)

// TokenUsage mirrors the OpenAI-style usage object.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// RequestRecord is a single entry in the bounded ring buffer of recent
// proxy requests.
type RequestRecord struct {
	RequestID  string        `json:"request_id"`
	Status     RequestStatus `json:"status"`
	TimeMs     *int64        `json:"time_ms,omitempty"`
	TokenUsage *TokenUsage   `json:"token_usage,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// GatewayStatus enumerates DebugState.Status values.
type GatewayStatus string

const (
	StatusIdle                GatewayStatus = "idle"
	StatusLoadingModel         GatewayStatus = "loading_model"
	StatusProcessingInference  GatewayStatus = "processing_inference"
	StatusError                GatewayStatus = "error"
)

const ringBufferSize = 100

// Store owns the exclusive AppState value: the active model, the
// current long-running operation, and the ring buffer of recent
// requests plus their derived counters.
//
// All reads and writes go through a single mutex. Reads take a brief
// read lock to copy out the value they need; writers hold the lock
// only long enough to mutate fields, never across I/O.
type Store struct {
	mu sync.RWMutex

	active     ActiveModel
	status     GatewayStatus
	currentOp  *OperationInfo
	recent     []RequestRecord // ring buffer, oldest first
	total      uint64
	totalErrs  uint64
	startedAt  time.Time
}

// New creates an empty Store with no active model and idle status.
func New() *Store {
	return &Store{
		status:    StatusIdle,
		startedAt: time.Now(),
	}
}

// ActiveModel returns a copy of the currently active model.
func (s *Store) ActiveModel() ActiveModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActiveModel overwrites the active model record. Used by
// admin/models/load (when activate=true) and admin/models/activate.
func (s *Store) SetActiveModel(am ActiveModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = am
}

// ClearActiveModelIfMatches clears the active model iff it currently
// refers to the given model key or instance ID (used after a successful
// unload, which per SPEC_FULL.md §4.D may resolve its target by either
// identifier).
func (s *Store) ClearActiveModelIfMatches(modelKey, instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if instanceID != "" && s.active.InstanceID != nil && *s.active.InstanceID == instanceID {
		s.active = ActiveModel{}
		return
	}
	if modelKey != "" && s.active.ModelKey != nil && *s.active.ModelKey == modelKey {
		s.active = ActiveModel{}
	}
}

// SetStatus sets the coarse gateway status shown in DebugState.
func (s *Store) SetStatus(status GatewayStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// BeginOperation records a new long-running operation, clearing any
// prior one first (at most one current_operation at a time).
func (s *Store) BeginOperation(op OperationInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentOp = &op
}

// EndOperation clears the current operation.
func (s *Store) EndOperation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentOp = nil
}

// AppendCompleted records a completed or failed request in the ring
// buffer, evicting the oldest entry if the buffer is already full, and
// increments the appropriate counters.
func (s *Store) AppendCompleted(rec RequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, rec)
	if len(s.recent) > ringBufferSize {
		s.recent = s.recent[len(s.recent)-ringBufferSize:]
	}

	if rec.Status == StatusCompleted {
		s.total++
	}
	if rec.Status == StatusFailed {
		s.totalErrs++
	}
}

// IncrementErrors increments the total error counter without appending
// a ring buffer entry (used by the admin load/unload failure paths,
// which produce no RequestRecord).
func (s *Store) IncrementErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalErrs++
}

// DebugStatus is the snapshot returned by GET /debug/status.
type DebugStatus struct {
	Status          GatewayStatus  `json:"status"`
	ActiveModel     ActiveModel    `json:"active_model"`
	CurrentOp       *OperationInfo `json:"current_operation"`
	RecentRequests  []RequestRecord `json:"recent_requests"`
	TotalRequests   uint64         `json:"total_requests"`
	TotalErrors     uint64         `json:"total_errors"`
}

// Snapshot returns the DebugState with recent_requests truncated to
// the last `limit` entries (§4.G: /debug/status truncates to 10).
func (s *Store) Snapshot(limit int) DebugStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recent := s.recent
	if limit > 0 && len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	out := make([]RequestRecord, len(recent))
	copy(out, recent)

	var op *OperationInfo
	if s.currentOp != nil {
		cp := *s.currentOp
		op = &cp
	}

	return DebugStatus{
		Status:         s.status,
		ActiveModel:    s.active,
		CurrentOp:      op,
		RecentRequests: out,
		TotalRequests:  s.total,
		TotalErrors:    s.totalErrs,
	}
}

// SystemInfo is the host-level block of GET /debug/metrics: how long
// the gateway has been running, what it's running on, and its current
// memory footprint. Populated from the runtime package — there is no
// third-party process-metrics library anywhere in the example pack to
// ground a different choice on (see DESIGN.md).
type SystemInfo struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Platform         string  `json:"platform"`
	MemoryAllocBytes uint64  `json:"memory_alloc_bytes"`
	MemorySysBytes   uint64  `json:"memory_sys_bytes"`
}

// Metrics is the derived-on-demand summary returned by GET
// /debug/metrics. Nothing here is precomputed; it is all derived from
// the ring buffer at query time, per SPEC_FULL.md §4.F.
type Metrics struct {
	TotalRequests    uint64  `json:"total_requests"`
	TotalErrors      uint64  `json:"total_errors"`
	ErrorRatePct     float64 `json:"error_rate"`
	CompletedCount   int     `json:"completed_count"`
	MinTimeMs        int64   `json:"min_time_ms"`
	MedianTimeMs     int64   `json:"median_time_ms"`
	MaxTimeMs        int64   `json:"max_time_ms"`
	AvgTimeMs        float64 `json:"avg_time_ms"`
	AvgTokensPerSec  float64 `json:"avg_tokens_per_sec"`
	AvgPromptTokens  float64 `json:"avg_prompt_tokens"`
	AvgCompletionTokens float64 `json:"avg_completion_tokens"`
	TotalPromptTokens int    `json:"total_prompt_tokens"`
	TotalCompletionTokens int `json:"total_completion_tokens"`
	ModelInfo        ActiveModel `json:"model_info"`
	System           SystemInfo  `json:"system"`
}

// ComputeMetrics derives the /debug/metrics payload from the current
// ring buffer contents.
func (s *Store) ComputeMetrics() Metrics {
	s.mu.RLock()
	recent := make([]RequestRecord, len(s.recent))
	copy(recent, s.recent)
	total := s.total
	totalErrs := s.totalErrs
	startedAt := s.startedAt
	active := s.active
	s.mu.RUnlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m := Metrics{
		TotalRequests: total,
		TotalErrors:   totalErrs,
		ModelInfo:     active,
		System: SystemInfo{
			UptimeSeconds:    round2(time.Since(startedAt).Seconds()),
			Platform:         runtime.GOOS + "/" + runtime.GOARCH,
			MemoryAllocBytes: memStats.Alloc,
			MemorySysBytes:   memStats.Sys,
		},
	}

	if total+totalErrs > 0 {
		m.ErrorRatePct = round2(float64(totalErrs) / float64(total+totalErrs) * 100)
	}

	var times []int64
	var tokenSecSamples []float64
	var promptTotal, completionTotal int
	var tokenSampleCount int

	for _, r := range recent {
		if r.Status != StatusCompleted || r.TimeMs == nil {
			continue
		}
		times = append(times, *r.TimeMs)
		m.CompletedCount++

		if r.TokenUsage != nil {
			promptTotal += r.TokenUsage.Prompt
			completionTotal += r.TokenUsage.Completion
			tokenSampleCount++
			if *r.TimeMs > 0 {
				secs := float64(*r.TimeMs) / 1000.0
				tokenSecSamples = append(tokenSecSamples, float64(r.TokenUsage.Total)/secs)
			}
		}
	}

	if len(times) > 0 {
		sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
		m.MinTimeMs = times[0]
		m.MaxTimeMs = times[len(times)-1]
		m.MedianTimeMs = times[len(times)/2]

		var sum int64
		for _, t := range times {
			sum += t
		}
		m.AvgTimeMs = round2(float64(sum) / float64(len(times)))
	}

	if len(tokenSecSamples) > 0 {
		var sum float64
		for _, v := range tokenSecSamples {
			sum += v
		}
		m.AvgTokensPerSec = round2(sum / float64(len(tokenSecSamples)))
	}

	if tokenSampleCount > 0 {
		m.TotalPromptTokens = promptTotal
		m.TotalCompletionTokens = completionTotal
		m.AvgPromptTokens = round2(float64(promptTotal) / float64(tokenSampleCount))
		m.AvgCompletionTokens = round2(float64(completionTotal) / float64(tokenSampleCount))
	}

	return m
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
