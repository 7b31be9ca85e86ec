package filesync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sandboxd/internal/config"
	"sandboxd/internal/queue"
)

func TestApplyFilesystemRequestWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "foo.ts")
	res := ApplyFilesystemRequest(target, map[string]interface{}{
		"toolName":     "Write",
		"writeContent": "export const v = 1;\n",
	})
	if !res.OK {
		t.Fatalf("write failed: %+v", res)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "export const v = 1;\n" {
		t.Fatalf("content = %q", data)
	}
}

func TestApplyFilesystemRequestEditStaleMissingFile(t *testing.T) {
	res := ApplyFilesystemRequest(filepath.Join(t.TempDir(), "missing.ts"), map[string]interface{}{
		"toolName": "Edit",
		"editContext": map[string]interface{}{
			"old_string": "a",
			"new_string": "b",
		},
	})
	if res.OK {
		t.Fatal("expected stale failure for missing file")
	}
}

func TestApplyFilesystemRequestEditStaleOldStringMissing(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "foo.ts")
	if err := os.WriteFile(target, []byte("const x = 1;\n"), 0644); err != nil {
		t.Fatal(err)
	}
	res := ApplyFilesystemRequest(target, map[string]interface{}{
		"toolName": "Edit",
		"editContext": map[string]interface{}{
			"old_string": "const y = 2;",
			"new_string": "const y = 3;",
		},
	})
	if res.OK {
		t.Fatal("expected stale failure when old_string is absent")
	}
}

func TestApplyFilesystemRequestEditSucceeds(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "foo.ts")
	if err := os.WriteFile(target, []byte("const x = 1;\n"), 0644); err != nil {
		t.Fatal(err)
	}
	res := ApplyFilesystemRequest(target, map[string]interface{}{
		"toolName": "Edit",
		"editContext": map[string]interface{}{
			"old_string": "const x = 1;",
			"new_string": "const x = 2;",
		},
	})
	if !res.OK {
		t.Fatalf("edit failed: %+v", res)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "const x = 2;\n" {
		t.Fatalf("content = %q", data)
	}
}

func TestApplyFilesystemRequestUnknownTool(t *testing.T) {
	res := ApplyFilesystemRequest(filepath.Join(t.TempDir(), "x.ts"), map[string]interface{}{
		"toolName": "Bash",
	})
	if res.OK {
		t.Fatal("unknown tool should fail")
	}
}

func TestShouldSkip(t *testing.T) {
	if !shouldSkip("/workspace/.git") || !shouldSkip("/workspace/node_modules") {
		t.Fatal("should skip .git and node_modules")
	}
	if shouldSkip("/workspace/src") {
		t.Fatal("should not skip ordinary directories")
	}
}

func TestRequestFileSyncDeniedByRule(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	cfg := config.New(filepath.Join(t.TempDir(), "sandbox.config.json"))
	cfg.AddRule("deny", "filesystem(secrets/*)")
	q := queue.New(filepath.Join(t.TempDir(), "queue.json"))
	m := New(srcDir, dstDir, cfg, q, nil)

	if err := os.MkdirAll(filepath.Join(srcDir, "secrets"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "secrets", "key.pem"), []byte("shh"), 0644); err != nil {
		t.Fatal(err)
	}

	results := m.RequestFileSync(context.Background(), []string{"secrets/key.pem"}, "")
	if results["secrets/key.pem"] {
		t.Fatal("denied file should not sync")
	}
	if _, err := os.Stat(filepath.Join(dstDir, "secrets", "key.pem")); err == nil {
		t.Fatal("denied file should not exist at destination")
	}
}

func TestRequestFileSyncQueuesThenApproves(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	cfg := config.New(filepath.Join(t.TempDir(), "sandbox.config.json"))
	q := queue.New(filepath.Join(t.TempDir(), "queue.json"))
	m := New(srcDir, dstDir, cfg, q, nil)

	if err := os.WriteFile(filepath.Join(srcDir, "foo.ts"), []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	var results map[string]bool
	done := make(chan struct{})
	go func() {
		results = m.RequestFileSync(context.Background(), []string{"foo.ts"}, "")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	pending := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}
	q.Approve(pending[0].ID, queue.ByCLI)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestFileSync never returned")
	}
	if !results["foo.ts"] {
		t.Fatal("expected foo.ts to sync after approval")
	}
	data, err := os.ReadFile(filepath.Join(dstDir, "foo.ts"))
	if err != nil || string(data) != "v1" {
		t.Fatalf("mirrored content = %q, err=%v", data, err)
	}
}
