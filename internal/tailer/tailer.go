// Package tailer watches the backend's append-only, rolling log
// directory and turns newly appended lines into typed events on the
// gateway's event bus.
//
// Directory layout: <root>/YYYY-MM/YYYY-MM-DD.N.log. The watcher holds
// two real-time fsnotify watches (the active month directory, and the
// log root for month-transition detection) plus a 1-second fallback
// poll, following the dual-signal design of SPEC_FULL.md §4.C and §9:
// fsnotify is the low-latency signal, polling is the correctness
// backstop, mirroring the retrieved example pack's own fsnotify
// watcher (internal/config/watcher.go) generalized from a flat
// directory watch into a rolling-log-directory watch with rotation and
// month-transition handling.
package tailer

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Publisher is the subset of the event bus the tailer needs. Matches
// internal/bus.Bus.Publish.
type Publisher interface {
	Publish(eventType string, payload any)
}

const (
	pollInterval       = time.Second
	monthScanInterval  = 10 * time.Minute
)

var monthDirRe = regexp.MustCompile(`^\d{4}-\d{2}$`)

// Tailer follows the backend's rolling log directory and emits parsed
// events to a Publisher. The tailer owns its cursor exclusively; it is
// never shared across goroutines.
type Tailer struct {
	root string
	bus  Publisher

	mu          sync.Mutex // guards the fields below; never held across I/O
	activeDir   string
	activeFile  string
	cursor      int64
	activeMtime time.Time

	dirWatcher  *fsnotify.Watcher // watches activeDir
	rootWatcher *fsnotify.Watcher // watches root, for month transitions

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Tailer rooted at the given backend log directory. Call
// Start to begin following.
func New(root string, bus Publisher) *Tailer {
	return &Tailer{root: root, bus: bus, stop: make(chan struct{})}
}

// Start bootstraps the tailer (§4.C.1: identify latest month dir and
// newest log file, cursor at EOF, no backfill) and launches the
// following goroutines. Safe to call once.
func (t *Tailer) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop halts all following goroutines and releases fsnotify watchers.
func (t *Tailer) Stop() {
	close(t.stop)
	t.wg.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirWatcher != nil {
		t.dirWatcher.Close()
	}
	if t.rootWatcher != nil {
		t.rootWatcher.Close()
	}
}

// run is the tailer's main loop: bootstrap, then alternate between
// fsnotify-driven wakeups and the fallback poll ticker until Stop.
func (t *Tailer) run() {
	defer t.wg.Done()

	if !t.bootstrap() {
		t.waitForDirectory()
	}

	rootWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("tailer: failed to create root watcher", "error", err)
	} else if err := rootWatcher.Add(t.root); err != nil {
		slog.Warn("tailer: failed to watch log root", "root", t.root, "error", err)
		rootWatcher.Close()
		rootWatcher = nil
	}
	t.mu.Lock()
	t.rootWatcher = rootWatcher
	t.mu.Unlock()

	t.watchActiveDir()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	monthTicker := time.NewTicker(monthScanInterval)
	defer monthTicker.Stop()

	var rootEvents <-chan fsnotify.Event
	var rootErrors <-chan error
	if rootWatcher != nil {
		rootEvents = rootWatcher.Events
		rootErrors = rootWatcher.Errors
	}

	for {
		select {
		case <-t.stop:
			return

		case <-ticker.C:
			t.poll()

		case <-monthTicker.C:
			t.checkMonthTransition()

		case ev, ok := <-t.dirEvents():
			if !ok {
				continue
			}
			t.handleDirEvent(ev)

		case ev, ok := <-rootEvents:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Create) != 0 {
				t.checkMonthTransition()
			}

		case err, ok := <-rootErrors:
			if ok {
				slog.Warn("tailer: root watcher error", "error", err)
			}

		case err, ok := <-t.dirErrors():
			if ok {
				slog.Warn("tailer: directory watcher error", "error", err)
			}
		}
	}
}

// dirEvents/dirErrors return the active directory watcher's channels,
// or nil channels (which block forever in a select) when no watcher is
// attached.
func (t *Tailer) dirEvents() <-chan fsnotify.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirWatcher == nil {
		return nil
	}
	return t.dirWatcher.Events
}

func (t *Tailer) dirErrors() <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirWatcher == nil {
		return nil
	}
	return t.dirWatcher.Errors
}

// waitForDirectory polls for the log root to appear when it is
// missing at startup, per §4.C "Failure semantics": directory
// disappearance yields a quiescent state until a valid directory
// reappears.
func (t *Tailer) waitForDirectory() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if t.bootstrap() {
				return
			}
		}
	}
}

// bootstrap finds the latest month directory and the newest log file
// within it, setting the cursor to EOF (no backfill). Returns false if
// no usable directory/file was found.
func (t *Tailer) bootstrap() bool {
	dir, ok := latestMonthDir(t.root)
	if !ok {
		return false
	}
	file, mtime, ok := newestLogFile(dir)
	if !ok {
		return false
	}

	size, err := fileSize(file)
	if err != nil {
		slog.Warn("tailer: failed to stat bootstrap file", "file", file, "error", err)
		return false
	}

	t.mu.Lock()
	t.activeDir = dir
	t.activeFile = file
	t.cursor = size
	t.activeMtime = mtime
	t.mu.Unlock()

	t.watchActiveDir()

	slog.Info("tailer: bootstrapped", "dir", dir, "file", file, "cursor", size)
	return true
}

// watchActiveDir (re)creates the fsnotify watch on the current active
// directory.
func (t *Tailer) watchActiveDir() {
	t.mu.Lock()
	dir := t.activeDir
	old := t.dirWatcher
	t.mu.Unlock()
	if dir == "" {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("tailer: failed to create directory watcher", "error", err)
		return
	}
	if err := w.Add(dir); err != nil {
		slog.Warn("tailer: failed to watch directory", "dir", dir, "error", err)
		w.Close()
		return
	}

	t.mu.Lock()
	t.dirWatcher = w
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// handleDirEvent reacts to a write/create in the active directory:
// either new data in the active file, or a newer sibling .log file
// (intra-directory rotation, §4.C.3).
func (t *Tailer) handleDirEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	t.mu.Lock()
	dir := t.activeDir
	activeFile := t.activeFile
	activeMtime := t.activeMtime
	t.mu.Unlock()

	if filepath.Ext(ev.Name) != ".log" {
		return
	}

	if ev.Name == activeFile {
		t.drain()
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.ModTime().After(activeMtime) {
		slog.Info("tailer: rotating to newer log file", "dir", dir, "file", ev.Name)
		t.switchFile(ev.Name, info.ModTime())
	}
}

// poll is the fallback correctness signal: re-check the active file's
// size against the cursor and drain any new data, and detect
// truncation/rotation-in-place. Required because native file-watch
// signals are unreliable on some platforms (§4.C.5).
func (t *Tailer) poll() {
	t.mu.Lock()
	file := t.activeFile
	cursor := t.cursor
	t.mu.Unlock()
	if file == "" {
		t.checkMonthTransition()
		return
	}

	size, err := fileSize(file)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("tailer: active file disappeared", "file", file)
		}
		return
	}

	if size < cursor {
		// Rotation-in-place: the file was truncated/replaced.
		t.mu.Lock()
		t.cursor = 0
		t.mu.Unlock()
	} else if size == cursor {
		return
	}

	t.drain()
}

// drain reads from the cursor to EOF of the active file, splitting
// into lines, parsing each, and emitting events. The cursor advances
// past what was consumed. Holds no lock across I/O.
func (t *Tailer) drain() {
	t.mu.Lock()
	file := t.activeFile
	cursor := t.cursor
	t.mu.Unlock()
	if file == "" {
		return
	}

	f, err := os.Open(file)
	if err != nil {
		slog.Warn("tailer: failed to open active file", "file", file, "error", err)
		return
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return
	}
	if size < cursor {
		cursor = 0
	}
	if _, err := f.Seek(cursor, io.SeekStart); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var consumed int64
	newCursor := cursor
	for scanner.Scan() {
		line := scanner.Text()
		newCursor = cursor + consumed + int64(len(line)) + 1 // +1 for newline
		consumed += int64(len(line)) + 1
		t.emitLine(line)
	}
	// A last line without its newline was counted as if it had one;
	// never move the cursor past the bytes actually read.
	if end, err := f.Seek(0, io.SeekCurrent); err == nil && newCursor > end {
		newCursor = end
	}

	t.mu.Lock()
	t.cursor = newCursor
	t.mu.Unlock()
}

// emitLine parses one raw line and publishes the resulting debug_log
// event plus any additional typed event. Malformed lines are ignored.
func (t *Tailer) emitLine(raw string) {
	parsed, ok := parseLine(raw)
	if !ok {
		return
	}

	t.bus.Publish("debug_log", map[string]any{
		"timestamp": parsed.Timestamp,
		"level":     parsed.Level,
		"message":   parsed.Message,
		"raw":       parsed.Raw,
	})

	if extra := extractTyped(parsed.Message); extra != nil {
		t.bus.Publish(extra.Type, extra.Payload)
	}
}

// switchFile moves the tailer to a new active file within the same
// directory, resetting the cursor to 0 (intra-directory rotation,
// §4.C.3).
func (t *Tailer) switchFile(path string, mtime time.Time) {
	t.mu.Lock()
	t.activeFile = path
	t.activeMtime = mtime
	t.cursor = 0
	t.mu.Unlock()

	t.drain()
}

// checkMonthTransition detects a new sibling month directory
// lexicographically greater than the current one, switches to its
// newest log file, and emits lmstudio_month_transition (§4.C.4).
func (t *Tailer) checkMonthTransition() {
	newDir, ok := latestMonthDir(t.root)
	if !ok {
		return
	}

	t.mu.Lock()
	oldDir := t.activeDir
	t.mu.Unlock()

	if oldDir != "" && newDir <= oldDir {
		return
	}

	file, mtime, ok := newestLogFile(newDir)
	if !ok {
		return
	}

	t.mu.Lock()
	t.activeDir = newDir
	t.activeFile = file
	t.activeMtime = mtime
	t.cursor = 0
	t.mu.Unlock()

	t.watchActiveDir()

	slog.Info("tailer: month transition", "old_directory", oldDir, "new_directory", newDir, "new_log_file", file)
	t.bus.Publish("lmstudio_month_transition", map[string]any{
		"old_directory": oldDir,
		"new_directory": newDir,
		"new_log_file":  file,
	})

	t.drain()
}

// latestMonthDir returns the lexicographically greatest subdirectory
// of root whose name matches YYYY-MM.
func latestMonthDir(root string) (string, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}

	var best string
	for _, e := range entries {
		if !e.IsDir() || !monthDirRe.MatchString(e.Name()) {
			continue
		}
		if e.Name() > best {
			best = e.Name()
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(root, best), true
}

// newestLogFile returns the *.log file in dir with the greatest
// modification time.
func newestLogFile(dir string) (path string, mtime time.Time, ok bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", time.Time{}, false
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", time.Time{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })
	best := candidates[len(candidates)-1]
	return best.path, best.mtime, true
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
