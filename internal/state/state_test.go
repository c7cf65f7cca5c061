package state

import (
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestActiveModelRoundTrip(t *testing.T) {
	s := New()
	temp := 0.2
	s.SetActiveModel(ActiveModel{
		ModelKey:   strPtr("qwen2-1.5b"),
		InstanceID: strPtr("qwen2-1.5b:1"),
		DefaultInference: InferenceDefaults{
			Temperature: &temp,
		},
	})

	got := s.ActiveModel()
	if got.ModelKey == nil || *got.ModelKey != "qwen2-1.5b" {
		t.Fatalf("unexpected active model: %+v", got)
	}
}

func TestClearActiveModelIfMatches(t *testing.T) {
	s := New()
	s.SetActiveModel(ActiveModel{ModelKey: strPtr("m1")})

	s.ClearActiveModelIfMatches("other", "")
	if s.ActiveModel().ModelKey == nil {
		t.Fatal("active model should not have been cleared for non-matching key")
	}

	s.ClearActiveModelIfMatches("m1", "")
	if s.ActiveModel().ModelKey != nil {
		t.Fatal("active model should have been cleared")
	}
}

func TestClearActiveModelIfMatchesByInstanceID(t *testing.T) {
	s := New()
	s.SetActiveModel(ActiveModel{ModelKey: strPtr("m1"), InstanceID: strPtr("m1:1")})

	s.ClearActiveModelIfMatches("different-key", "m1:1")
	if s.ActiveModel().ModelKey != nil {
		t.Fatal("active model should have been cleared by matching instance_id even though model_key differs")
	}
}

func TestRingBufferEvictsOldest(t *testing.T) {
	s := New()
	for i := 0; i < 105; i++ {
		ms := int64(i)
		s.AppendCompleted(RequestRecord{
			RequestID: "req",
			Status:    StatusCompleted,
			TimeMs:    &ms,
			Timestamp: time.Now(),
		})
	}

	snap := s.Snapshot(0)
	if len(snap.RecentRequests) != 100 {
		t.Fatalf("expected ring buffer capped at 100, got %d", len(snap.RecentRequests))
	}
	if snap.TotalRequests != 105 {
		t.Fatalf("expected total_requests=105 (completion count), got %d", snap.TotalRequests)
	}
	// Oldest 5 entries (TimeMs 0..4) should have been evicted.
	if *snap.RecentRequests[0].TimeMs != 5 {
		t.Fatalf("expected oldest surviving entry TimeMs=5, got %d", *snap.RecentRequests[0].TimeMs)
	}
}

func TestSnapshotTruncation(t *testing.T) {
	s := New()
	for i := 0; i < 15; i++ {
		s.AppendCompleted(RequestRecord{RequestID: "req", Status: StatusCompleted, TimeMs: int64Ptr(1)})
	}
	snap := s.Snapshot(10)
	if len(snap.RecentRequests) != 10 {
		t.Fatalf("expected truncation to 10, got %d", len(snap.RecentRequests))
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestComputeMetricsErrorRate(t *testing.T) {
	s := New()
	ms := int64(100)
	s.AppendCompleted(RequestRecord{Status: StatusCompleted, TimeMs: &ms})
	s.AppendCompleted(RequestRecord{Status: StatusFailed})

	m := s.ComputeMetrics()
	if m.TotalRequests != 1 {
		t.Errorf("expected total_requests=1 (completions only), got %d", m.TotalRequests)
	}
	if m.TotalErrors != 1 {
		t.Errorf("expected total_errors=1, got %d", m.TotalErrors)
	}
	if m.ErrorRatePct != 50 {
		t.Errorf("expected error_rate=50, got %v", m.ErrorRatePct)
	}
}

func TestComputeMetricsTimePercentiles(t *testing.T) {
	s := New()
	for _, ms := range []int64{10, 30, 20} {
		v := ms
		s.AppendCompleted(RequestRecord{Status: StatusCompleted, TimeMs: &v})
	}
	m := s.ComputeMetrics()
	if m.MinTimeMs != 10 || m.MaxTimeMs != 30 {
		t.Errorf("unexpected min/max: %d/%d", m.MinTimeMs, m.MaxTimeMs)
	}
	if m.AvgTimeMs != 20 {
		t.Errorf("expected avg=20, got %v", m.AvgTimeMs)
	}
}

func TestOperationLifecycle(t *testing.T) {
	s := New()
	if s.Snapshot(0).CurrentOp != nil {
		t.Fatal("expected no current operation initially")
	}
	s.BeginOperation(OperationInfo{Kind: OpLoad, ModelKey: "m1", StartedAt: time.Now()})
	if s.Snapshot(0).CurrentOp == nil {
		t.Fatal("expected current operation to be set")
	}
	s.EndOperation()
	if s.Snapshot(0).CurrentOp != nil {
		t.Fatal("expected current operation to be cleared")
	}
}
