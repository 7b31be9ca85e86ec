package queue

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRequestThenApproveSignalsWaiter(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "queue.json"))
	id, done := q.Request(Category("network"), "CONNECT evil.example.com:443", "connect to evil.example.com", "", nil)
	if id != "req-0" {
		t.Fatalf("id = %q, want req-0", id)
	}
	if !q.Approve(id, ByCLI) {
		t.Fatal("approve should succeed on a pending request")
	}
	select {
	case approved := <-done:
		if !approved {
			t.Fatal("waiter should receive true")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never signaled")
	}
}

func TestDenyTwiceFails(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "queue.json"))
	id, _ := q.Request(Category("exec"), "rm -rf /tmp/x", "run command", "", nil)
	if !q.Deny(id, ByWeb) {
		t.Fatal("first deny should succeed")
	}
	if q.Deny(id, ByWeb) {
		t.Fatal("second deny on a resolved request should fail")
	}
}

func TestFilesystemSupersession(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "queue.json"))
	id1, done1 := q.Request(Category("filesystem"), "sync src/foo.ts", "sync foo.ts", "", map[string]interface{}{"targetFile": "src/foo.ts"})
	id2, _ := q.Request(Category("filesystem"), "sync src/foo.ts", "sync foo.ts again", "", map[string]interface{}{"targetFile": "src/foo.ts"})

	select {
	case approved := <-done1:
		if approved {
			t.Fatal("superseded request should resolve to denied")
		}
	case <-time.After(time.Second):
		t.Fatal("superseded waiter never signaled")
	}

	req1, _ := q.Get(id1)
	if req1.Status != Denied || req1.ResolvedBy != ByAuto {
		t.Fatalf("req1 = %+v, want denied/auto", req1)
	}
	req2, _ := q.Get(id2)
	if req2.Status != Pending {
		t.Fatalf("req2 should still be pending, got %+v", req2)
	}
}

func TestSupersessionEventOrdering(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "queue.json"))
	events := q.Subscribe(8)
	meta := map[string]interface{}{"targetFile": "src/foo.ts"}

	id1, _ := q.Request(Category("filesystem"), "sync src/foo.ts", "", "", meta)
	id2, _ := q.Request(Category("filesystem"), "sync src/foo.ts", "", "", meta)

	// The superseded request's resolve event must arrive before the
	// superseder's request event; no observer may see both pending at once.
	want := []struct{ typ, id string }{
		{"request", id1},
		{"resolve", id1},
		{"request", id2},
	}
	for i, w := range want {
		select {
		case ev := <-events:
			if ev.Type != w.typ || ev.Req.ID != w.id {
				t.Fatalf("event %d = %s/%s, want %s/%s", i, ev.Type, ev.Req.ID, w.typ, w.id)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestPendingAndRecent(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "queue.json"))
	id1, _ := q.Request(Category("exec"), "ls", "list", "", nil)
	id2, _ := q.Request(Category("exec"), "pwd", "print dir", "", nil)
	q.Approve(id1, ByCLI)

	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != id2 {
		t.Fatalf("pending = %+v, want only %s", pending, id2)
	}

	recent := q.Recent(10)
	if len(recent) != 2 || recent[0].ID != id2 || recent[1].ID != id1 {
		t.Fatalf("recent = %+v, want newest-first [%s,%s]", recent, id2, id1)
	}
}

func TestBulkResolve(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "queue.json"))
	q.Request(Category("packages"), "npm install left-pad", "install left-pad", "", nil)
	q.Request(Category("packages"), "npm install express", "install express", "", nil)
	q.Request(Category("exec"), "ls", "list", "", nil)

	n := q.BulkResolve(Category("packages"), Denied, ByWeb)
	if n != 2 {
		t.Fatalf("resolved %d, want 2", n)
	}
	if len(q.Pending()) != 1 {
		t.Fatalf("expected 1 still pending, got %d", len(q.Pending()))
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "queue.json"))
	events := q.Subscribe(8)

	id, _ := q.Request(Category("git"), "push feature/foo", "push feature/foo", "", nil)
	q.Approve(id, ByCLI)

	var gotRequest, gotResolve bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Type == "request" {
				gotRequest = true
			}
			if ev.Type == "resolve" {
				gotResolve = true
			}
		case <-time.After(time.Second):
			t.Fatal("did not receive expected event")
		}
	}
	if !gotRequest || !gotResolve {
		t.Fatalf("gotRequest=%v gotResolve=%v", gotRequest, gotResolve)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q := New(path)
	id, _ := q.Request(Category("exec"), "ls", "list", "", nil)
	q.Approve(id, ByCLI)
	if err := q.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	q2 := New(path)
	if err := q2.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	req, ok := q2.Get(id)
	if !ok || req.Status != Approved {
		t.Fatalf("restored req = %+v, ok=%v", req, ok)
	}
	// Counter must continue past the max restored id, not reset to 0.
	id2, _ := q2.Request(Category("exec"), "pwd", "print dir", "", nil)
	if id2 != "req-1" {
		t.Fatalf("id2 = %q, want req-1", id2)
	}
}
