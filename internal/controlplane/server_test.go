package controlplane

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"sandboxd/internal/config"
	"sandboxd/internal/execbroker"
	"sandboxd/internal/filesync"
	"sandboxd/internal/gitsync"
	"sandboxd/internal/pkgbroker"
	"sandboxd/internal/queue"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New(filepath.Join(dir, "sandbox.config.json"))
	q := queue.New(filepath.Join(dir, "queue.json"))

	return New(Deps{
		Config: cfg,
		Queue:  q,
		Audit:  nil,
		Exec:   execbroker.New(cfg, q, nil),
		Pkg:    pkgbroker.New(cfg, q, nil),
		Mirror: filesync.New(filepath.Join(dir, "src"), filepath.Join(dir, "dst"), cfg, q, nil),
		Git:    gitsync.New(filepath.Join(dir, "staging.git"), "real-remote", cfg, q, nil),
	}, func(reason string) {})
}

func TestApproveUnknownRequestReturns404(t *testing.T) {
	s := newTestServer(t)
	ok, status, _ := s.approve("req-999", queue.ByCLI, false)
	if ok || status != 404 {
		t.Fatalf("expected 404, got ok=%v status=%d", ok, status)
	}
}

func TestApproveThenAlwaysAllowAutoResolvesMatching(t *testing.T) {
	s := newTestServer(t)

	id1, _ := s.q.Request(queue.Category("network"), "CONNECT api.example.com:443", "connect", "", nil)
	id2, _ := s.q.Request(queue.Category("network"), "CONNECT api.example.com:443", "connect", "", nil)

	ok, _, _ := s.approve(id1, queue.ByCLI, true)
	if !ok {
		t.Fatal("approve failed")
	}

	time.Sleep(10 * time.Millisecond)
	req2, found := s.q.Get(id2)
	if !found {
		t.Fatal("second request missing")
	}
	if req2.Status != queue.Approved {
		t.Fatalf("expected auto-approval of matching pending request, got %s", req2.Status)
	}
	if req2.ResolvedBy != queue.ByAuto {
		t.Fatalf("expected resolvedBy=auto, got %s", req2.ResolvedBy)
	}
}

func TestDenyWithAlwaysDenySynthesizesDenyRule(t *testing.T) {
	s := newTestServer(t)
	id, _ := s.q.Request(queue.Category("exec"), "rm -rf /tmp/x", "run command", "", nil)

	s.deny(id, queue.ByCLI, true)

	rules := s.cfg.Get().Rules
	found := false
	for _, r := range rules.Deny {
		if r == "exec(rm -rf /tmp/x)" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected synthesized deny rule, got %+v", rules.Deny)
	}
}

func TestRouterServesStatus(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTriggerShutdownOnlyFiresOnce(t *testing.T) {
	calls := 0
	dir := t.TempDir()
	cfg := config.New(filepath.Join(dir, "sandbox.config.json"))
	q := queue.New(filepath.Join(dir, "queue.json"))
	s := New(Deps{
		Config: cfg,
		Queue:  q,
		Exec:   execbroker.New(cfg, q, nil),
		Pkg:    pkgbroker.New(cfg, q, nil),
		Mirror: filesync.New(filepath.Join(dir, "src"), filepath.Join(dir, "dst"), cfg, q, nil),
		Git:    gitsync.New(filepath.Join(dir, "staging.git"), "real-remote", cfg, q, nil),
	}, func(reason string) { calls++ })

	s.TriggerShutdown("test")
	s.TriggerShutdown("test again")
	if calls != 1 {
		t.Fatalf("expected exactly one shutdown callback, got %d", calls)
	}
}
