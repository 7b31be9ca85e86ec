// Package audit appends a flat, append-only JSONL record of every mediated
// action to disk: a mutex-guarded os.OpenFile(O_APPEND) writer giving a
// durable line-per-event history a human or the CLI can tail and replay.
// Appends are best-effort and never block or fail a mediation decision.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// Entry is one line of the audit log.
type Entry struct {
	Timestamp  int64                  `json:"timestamp"`
	ID         string                 `json:"id,omitempty"`
	Category   string                 `json:"category"`
	Action     string                 `json:"action"`
	Decision   string                 `json:"decision"`
	ResolvedBy string                 `json:"resolvedBy,omitempty"`
	DurationMs int64                  `json:"durationMs,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger appends Entry records to a JSONL file.
type Logger struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens (creating if needed) the audit log file at path for appending.
func Open(path string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &Logger{path: path, file: file}, nil
}

// Append writes entry as a single JSON line. I/O failures are logged and
// swallowed: a mediation decision must never block, stall, or fail because
// the audit log is temporarily unwritable.
func (l *Logger) Append(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		log.Warn().Err(err).Msg("audit entry could not be marshaled")
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("audit append failed")
	}
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Read returns up to limit most-recent entries, newest first. Malformed
// lines are skipped rather than aborting the read. A missing log file
// yields an empty, non-error result.
func Read(path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Entry, len(all))
	for i, e := range all {
		out[len(all)-1-i] = e
	}
	return out, nil
}
