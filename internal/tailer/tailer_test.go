package tailer

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type recordingBus struct {
	mu     chan struct{}
	events []publishedEvent
}

type publishedEvent struct {
	Type    string
	Payload any
}

func newRecordingBus() *recordingBus {
	return &recordingBus{mu: make(chan struct{}, 1)}
}

func (b *recordingBus) Publish(eventType string, payload any) {
	b.events = append(b.events, publishedEvent{Type: eventType, Payload: payload})
}

func (b *recordingBus) countType(t string) int {
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestBootstrapFindsLatestMonthAndNewestFile(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "2025-11"), 0o755)
	os.MkdirAll(filepath.Join(root, "2025-12"), 0o755)

	writeFile(t, filepath.Join(root, "2025-11", "2025-11-30.1.log"), "[2025-11-30 10:00:00][INFO] old\n")
	writeFile(t, filepath.Join(root, "2025-12", "2025-12-01.1.log"), "[2025-12-01 00:00:00][INFO] first\n")
	time.Sleep(10 * time.Millisecond)
	writeFile(t, filepath.Join(root, "2025-12", "2025-12-01.2.log"), "[2025-12-01 00:01:00][INFO] second\n")

	bus := newRecordingBus()
	tl := New(root, bus)
	if !tl.bootstrap() {
		t.Fatal("expected bootstrap to succeed")
	}

	if filepath.Base(tl.activeDir) != "2025-12" {
		t.Fatalf("expected active dir 2025-12, got %s", tl.activeDir)
	}
	if filepath.Base(tl.activeFile) != "2025-12-01.2.log" {
		t.Fatalf("expected newest file by mtime, got %s", tl.activeFile)
	}

	size, _ := fileSize(tl.activeFile)
	if tl.cursor != size {
		t.Fatalf("expected cursor at EOF (%d), got %d", size, tl.cursor)
	}
}

func TestDrainParsesAndEmitsEvents(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "2025-12")
	os.MkdirAll(dir, 0o755)
	file := filepath.Join(dir, "2025-12-01.1.log")
	writeFile(t, file, "")

	bus := newRecordingBus()
	tl := New(root, bus)
	tl.bootstrap()

	f, _ := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("[2025-12-01 00:00:00][INFO] Running chat completion on conversation with identifier abc\n")
	f.WriteString("not a well-formed line\n")
	f.WriteString("[2025-12-01 00:00:01][INFO] Prompt processing progress: 42.5%\n")
	f.Close()

	tl.drain()

	if bus.countType("debug_log") != 2 {
		t.Fatalf("expected 2 debug_log events for 2 well-formed lines, got %d", bus.countType("debug_log"))
	}
	if bus.countType("lmstudio_chat_start") != 1 {
		t.Fatalf("expected 1 lmstudio_chat_start event, got %d", bus.countType("lmstudio_chat_start"))
	}
	if bus.countType("lmstudio_prompt_progress") != 1 {
		t.Fatalf("expected 1 lmstudio_prompt_progress event, got %d", bus.countType("lmstudio_prompt_progress"))
	}

	size, _ := fileSize(file)
	if tl.cursor != size {
		t.Fatalf("expected cursor advanced to EOF (%d), got %d", size, tl.cursor)
	}
}

func TestDrainDoesNotReemitAlreadyConsumedLines(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "2025-12")
	os.MkdirAll(dir, 0o755)
	file := filepath.Join(dir, "2025-12-01.1.log")
	writeFile(t, file, "[2025-12-01 00:00:00][INFO] first line\n")

	bus := newRecordingBus()
	tl := New(root, bus)
	tl.bootstrap() // cursor at EOF, "first line" already considered consumed

	tl.drain()
	if len(bus.events) != 0 {
		t.Fatalf("expected no events replayed at bootstrap, got %d", len(bus.events))
	}

	f, _ := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("[2025-12-01 00:00:01][INFO] second line\n")
	f.Close()

	tl.drain()
	if bus.countType("debug_log") != 1 {
		t.Fatalf("expected exactly 1 new debug_log event, got %d", bus.countType("debug_log"))
	}
}

func TestSwitchFileResetsCursorForRotation(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "2025-12")
	os.MkdirAll(dir, 0o755)
	file1 := filepath.Join(dir, "2025-12-01.1.log")
	file2 := filepath.Join(dir, "2025-12-01.2.log")
	writeFile(t, file1, "[2025-12-01 00:00:00][INFO] in old file\n")
	time.Sleep(10 * time.Millisecond)
	writeFile(t, file2, "[2025-12-01 00:01:00][INFO] in new file\n")

	bus := newRecordingBus()
	tl := New(root, bus)
	tl.bootstrap()
	if tl.activeFile != file2 {
		t.Fatalf("expected bootstrap to pick newest file %s, got %s", file2, tl.activeFile)
	}

	info, _ := os.Stat(file1)
	tl.switchFile(file1, info.ModTime())

	// switchFile resets the cursor to 0 and drains the new file. Both
	// files have the same length, so without the reset the cursor (at
	// file2's EOF) would skip file1's line.
	if bus.countType("debug_log") != 1 {
		t.Fatalf("expected switched-to file to be read from offset 0, got %d debug_log events", bus.countType("debug_log"))
	}
}

func TestCheckMonthTransitionEmitsEvent(t *testing.T) {
	root := t.TempDir()
	nov := filepath.Join(root, "2025-11")
	os.MkdirAll(nov, 0o755)
	writeFile(t, filepath.Join(nov, "2025-11-30.1.log"), "[2025-11-30 23:59:00][INFO] last\n")

	bus := newRecordingBus()
	tl := New(root, bus)
	if !tl.bootstrap() {
		t.Fatal("expected bootstrap to succeed")
	}

	dec := filepath.Join(root, "2025-12")
	os.MkdirAll(dec, 0o755)
	writeFile(t, filepath.Join(dec, "2025-12-01.1.log"), "[2025-12-01 00:00:00][INFO] first\n")

	tl.checkMonthTransition()

	if filepath.Base(tl.activeDir) != "2025-12" {
		t.Fatalf("expected active dir to switch to 2025-12, got %s", tl.activeDir)
	}
	// The cursor restarts at 0 in the new file, which is then drained
	// to its EOF.
	newSize, _ := fileSize(filepath.Join(dec, "2025-12-01.1.log"))
	if tl.cursor != newSize {
		t.Fatalf("expected cursor at new file's EOF (%d) after month transition, got %d", newSize, tl.cursor)
	}
	if bus.countType("lmstudio_month_transition") != 1 {
		t.Fatalf("expected 1 lmstudio_month_transition event, got %d", bus.countType("lmstudio_month_transition"))
	}
}

func TestPollDetectsTruncationAsRotationInPlace(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "2025-12")
	os.MkdirAll(dir, 0o755)
	file := filepath.Join(dir, "2025-12-01.1.log")
	writeFile(t, file, "[2025-12-01 00:00:00][INFO] some long established line of content\n")

	bus := newRecordingBus()
	tl := New(root, bus)
	tl.bootstrap()

	// Truncate and write a shorter line, simulating rotation-in-place.
	writeFile(t, file, "[2025-12-01 00:01:00][INFO] short\n")

	tl.poll()

	if bus.countType("debug_log") != 1 {
		t.Fatalf("expected rotation-in-place to be detected and new line parsed, got %d debug_log events", bus.countType("debug_log"))
	}
}
