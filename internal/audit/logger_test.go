package audit

import (
	"path/filepath"
	"testing"
)

func TestAppendThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	l.Append(Entry{Timestamp: 1, Category: "exec", Action: "ls", Decision: "allowed"})
	l.Append(Entry{Timestamp: 2, Category: "network", Action: "CONNECT example.com:443", Decision: "denied"})

	entries, err := Read(path, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Action != "CONNECT example.com:443" || entries[1].Action != "ls" {
		t.Fatalf("entries not newest-first: %+v", entries)
	}
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	entries, err := Read(filepath.Join(t.TempDir(), "nope.jsonl"), 10)
	if err != nil {
		t.Fatalf("read of missing file should not error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty, got %+v", entries)
	}
}

func TestReadSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.Append(Entry{Timestamp: 1, Category: "exec", Action: "ls", Decision: "allowed"})
	l.mu.Lock()
	l.file.WriteString("not json\n")
	l.mu.Unlock()
	l.Append(Entry{Timestamp: 2, Category: "exec", Action: "pwd", Decision: "allowed"})
	l.Close()

	entries, err := Read(path, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2 (malformed line skipped)", len(entries))
	}
}

func TestReadRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		l.Append(Entry{Timestamp: int64(i), Category: "exec", Action: "ls", Decision: "allowed"})
	}
	l.Close()

	entries, err := Read(path, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Timestamp != 4 || entries[1].Timestamp != 3 {
		t.Fatalf("expected last two newest-first, got %+v", entries)
	}
}
