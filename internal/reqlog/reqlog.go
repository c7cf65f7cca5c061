// Package reqlog provides a durable, queryable record of finished
// (completed or failed) proxy requests, backing internal/state's in-memory ring buffer with
// a hash-chained append-only JSONL log and a SQLite query index.
//
// This is the teacher's internal/audit package (CirtusX-ctrl-ai-v1)
// repurposed: the original hash-chains tool-call decisions for
// tamper-evidence in an agent guardrail; here the same chain-and-index
// machinery durably records finished gateway requests instead, giving
// GET /admin/requests a store that survives restarts, per
// SPEC_FULL.md's extension of spec.md §9's own suggestion that the
// request history could be durably backed.
package reqlog

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Record is one durable, hash-chained request log entry.
type Record struct {
	Seq              uint64 `json:"seq"`
	Timestamp        string `json:"ts"`
	RequestID        string `json:"request_id"`
	Status           string `json:"status"`
	ModelKey         string `json:"model_key,omitempty"`
	TimeMs           int64  `json:"time_ms,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	PrevHash         string `json:"prev_hash"`
	Hash             string `json:"hash"`
}

// QueryParams filters a Query call. Zero values mean "no filter".
type QueryParams struct {
	Since  string // RFC3339Nano timestamp, entries at or after.
	Status string
	Limit  int
}

// Log is a hash-chained, append-only request log with a SQLite query
// index, mirroring the teacher's AuditLog structure and locking
// discipline.
type Log struct {
	mu       sync.Mutex
	dir      string
	seq      uint64
	lastHash string
	index    *sqliteIndex
	file     *os.File
	fileDate string
}

// Open opens or creates a request log rooted at dir.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating reqlog directory %s: %w", dir, err)
	}

	l := &Log{dir: dir, lastHash: "sha256:genesis"}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening reqlog index: %w", err)
	}
	l.index = idx

	if seq := idx.lastSeq(); seq > 0 {
		l.seq = seq
		if last, err := idx.lastHash(); err == nil && last != "" {
			l.lastHash = last
		}
	}

	slog.Info("reqlog initialized", "dir", dir, "seq", l.seq)
	return l, nil
}

// Close flushes and releases the log's resources.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.index != nil {
		if err := l.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing reqlog: %v", errs)
	}
	return nil
}

// AppendCompleted durably records one finished request, with status
// "completed" or "failed".
func (l *Log) AppendCompleted(requestID, status, modelKey string, timeMs int64, promptTokens, completionTokens int, errorMessage string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	rec := Record{
		Seq:              l.seq,
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:        requestID,
		Status:           status,
		ModelKey:         modelKey,
		TimeMs:           timeMs,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		ErrorMessage:     errorMessage,
		PrevHash:         l.lastHash,
	}
	rec.Hash = computeHash(&rec)

	if err := l.writeToFile(&rec); err != nil {
		slog.Error("reqlog write failed", "seq", rec.Seq, "error", err)
		return
	}
	if l.index != nil {
		l.index.insert(&rec)
	}
	l.lastHash = rec.Hash
}

// writeToFile appends rec as one JSON line to the current day's JSONL
// file, rotating to a new file when the UTC date changes.
func (l *Log) writeToFile(rec *Record) error {
	today := time.Now().UTC().Format("2006-01-02")
	if l.file == nil || l.fileDate != today {
		if l.file != nil {
			l.file.Close()
		}
		path := filepath.Join(l.dir, today+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening reqlog file %s: %w", path, err)
		}
		l.file = f
		l.fileDate = today
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling reqlog record: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing reqlog record: %w", err)
	}
	return l.file.Sync()
}

// Query retrieves records from the SQLite index matching params, most
// recent first.
func (l *Log) Query(params QueryParams) ([]Record, error) {
	return l.index.query(params)
}

// computeHash mirrors the teacher's audit chain formula, adapted to
// request-record fields: SHA-256(prev_hash|seq|timestamp|request_id|status|model_key).
func computeHash(r *Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s", r.PrevHash, r.Seq, r.Timestamp, r.RequestID, r.Status, r.ModelKey)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// sqliteIndex is a queryable projection of the JSONL log, rebuildable
// from it if ever lost.
type sqliteIndex struct {
	db *sql.DB
}

func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			seq               INTEGER PRIMARY KEY,
			ts                TEXT NOT NULL,
			request_id        TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT '',
			model_key         TEXT NOT NULL DEFAULT '',
			time_ms           INTEGER NOT NULL DEFAULT 0,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			error_message     TEXT NOT NULL DEFAULT '',
			hash              TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_status ON records(status);
		CREATE INDEX IF NOT EXISTS idx_ts ON records(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

func (idx *sqliteIndex) insert(r *Record) {
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO records (seq, ts, request_id, status, model_key, time_ms, prompt_tokens, completion_tokens, error_message, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Seq, r.Timestamp, r.RequestID, r.Status, r.ModelKey, r.TimeMs, r.PromptTokens, r.CompletionTokens, r.ErrorMessage, r.Hash,
	)
	if err != nil {
		slog.Error("reqlog index insert failed", "seq", r.Seq, "error", err)
	}
}

func (idx *sqliteIndex) query(params QueryParams) ([]Record, error) {
	query := "SELECT seq, ts, request_id, status, model_key, time_ms, prompt_tokens, completion_tokens, error_message, hash FROM records WHERE 1=1"
	var args []any

	if params.Status != "" {
		query += " AND status = ?"
		args = append(args, params.Status)
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}

	query += " ORDER BY seq DESC"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reqlog index: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Seq, &r.Timestamp, &r.RequestID, &r.Status, &r.ModelKey, &r.TimeMs, &r.PromptTokens, &r.CompletionTokens, &r.ErrorMessage, &r.Hash); err != nil {
			return nil, fmt.Errorf("scanning reqlog row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (idx *sqliteIndex) lastSeq() uint64 {
	var seq sql.NullInt64
	if err := idx.db.QueryRow("SELECT MAX(seq) FROM records").Scan(&seq); err != nil || !seq.Valid {
		return 0
	}
	return uint64(seq.Int64)
}

func (idx *sqliteIndex) lastHash() (string, error) {
	var hash sql.NullString
	err := idx.db.QueryRow("SELECT hash FROM records ORDER BY seq DESC LIMIT 1").Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return hash.String, nil
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
