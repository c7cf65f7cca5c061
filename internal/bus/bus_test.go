package bus

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func drain(t *testing.T, sub *Subscriber, n int, timeout time.Duration) []string {
	t.Helper()
	var frames []string
	deadline := time.After(timeout)
	for len(frames) < n {
		select {
		case f, ok := <-sub.Outbound():
			if !ok {
				return frames
			}
			frames = append(frames, string(f))
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(frames))
		}
	}
	return frames
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish("inference_start", map[string]string{"request_id": "req_1"})

	frames := drain(t, sub, 1, time.Second)
	if !strings.HasPrefix(frames[0], "event: inference_start\n") {
		t.Errorf("unexpected frame: %q", frames[0])
	}
	if !strings.Contains(frames[0], `"request_id":"req_1"`) {
		t.Errorf("payload not encoded: %q", frames[0])
	}
}

func TestPublishOrderPreservedPerSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 20; i++ {
		b.Publish("tick", map[string]int{"n": i})
	}

	frames := drain(t, sub, 20, time.Second)
	for i, f := range frames {
		want := `{"n":` + itoa(i) + `}`
		if !strings.Contains(f, want) {
			t.Errorf("frame %d out of order: %q", i, f)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	defer b.Close()

	slow := b.Subscribe() // never drained
	defer b.Unsubscribe(slow)
	fast := b.Subscribe()
	defer b.Unsubscribe(fast)

	const n = subscriberQueueSize + 50
	var frames []string
	for i := 0; i < n; i++ {
		b.Publish("flood", map[string]int{"i": i})
		// fast is drained as events arrive, so only slow's queue
		// overflows and drops.
		frames = append(frames, drain(t, fast, 1, 2*time.Second)...)
	}

	// fast subscriber must still receive every event even though
	// slow's queue has overflowed and is dropping.
	if len(frames) != n {
		t.Fatalf("fast subscriber got %d frames, want %d", len(frames), n)
	}
}

func TestUnsubscribeReleasesQueue(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Outbound():
		if ok {
			t.Error("expected outbound channel to be closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Error("outbound channel was not closed within timeout")
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe()
			time.Sleep(time.Millisecond)
			b.Unsubscribe(sub)
		}()
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Publish("noise", map[string]int{"i": i})
		}(i)
	}
	wg.Wait()
}
