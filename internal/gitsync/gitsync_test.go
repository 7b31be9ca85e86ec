package gitsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sandboxd/internal/config"
	"sandboxd/internal/queue"
)

func TestRequestGitSyncDeniedByRule(t *testing.T) {
	cfg := config.New(filepath.Join(t.TempDir(), "sandbox.config.json"))
	cfg.AddRule("deny", "git(release/*)")
	q := queue.New(filepath.Join(t.TempDir(), "queue.json"))
	s := New(t.TempDir(), "real-remote", cfg, q, nil)

	approved, id := s.RequestGitSync(context.Background(), "release/1.0", "")
	if approved || id != "" {
		t.Fatalf("approved=%v id=%q, want denied with no queue id", approved, id)
	}
}

func TestRequestGitSyncQueuesWhenUnmatched(t *testing.T) {
	cfg := config.New(filepath.Join(t.TempDir(), "sandbox.config.json"))
	q := queue.New(filepath.Join(t.TempDir(), "queue.json"))
	s := New(t.TempDir(), "real-remote", cfg, q, nil)

	done := make(chan struct{})
	var approved bool
	go func() {
		approved, _ = s.RequestGitSync(context.Background(), "feature/foo", "")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	pending := q.Pending()
	if len(pending) != 1 || pending[0].Category != queue.Category("git") {
		t.Fatalf("expected one pending git request, got %+v", pending)
	}
	q.Deny(pending[0].ID, queue.ByCLI)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestGitSync never returned after deny")
	}
	if approved {
		t.Fatal("expected denial to propagate as not approved")
	}
}

func TestParseShortstat(t *testing.T) {
	var info BranchInfo
	parseShortstat(" 3 files changed, 10 insertions(+), 2 deletions(-)", &info)
	if info.FilesChanged != 3 || info.Insertions != 10 || info.Deletions != 2 {
		t.Fatalf("info = %+v", info)
	}
}

func TestParseShortstatSingleFile(t *testing.T) {
	var info BranchInfo
	parseShortstat(" 1 file changed, 1 insertion(+)", &info)
	if info.FilesChanged != 1 || info.Insertions != 1 || info.Deletions != 0 {
		t.Fatalf("info = %+v", info)
	}
}
