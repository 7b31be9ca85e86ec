package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"sandboxd/internal/config"
	"sandboxd/internal/queue"
)

func newTestProxy(t *testing.T) (*Proxy, *config.Store, *queue.Queue) {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "sandbox.config.json"))
	q := queue.New(filepath.Join(t.TempDir(), "queue.json"))
	return New(cfg, q, nil), cfg, q
}

func TestForwardAllowedByEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	p, cfg, _ := newTestProxy(t)
	host := upstream.Listener.Addr().String()
	hostOnlyAddr, _, _ := splitHostForTest(host)
	cfg.AddAllowedEndpoint(hostOnlyAddr)

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/", nil)
	req.RequestURI = upstream.URL + "/"
	req.URL.Scheme = "http"
	req.URL.Host = host
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestForwardDeniedByRule(t *testing.T) {
	p, cfg, _ := newTestProxy(t)
	cfg.AddRule("deny", "network(blocked.example.com)")

	req := httptest.NewRequest(http.MethodGet, "http://blocked.example.com/", nil)
	req.RequestURI = "http://blocked.example.com/"
	req.URL.Scheme = "http"
	req.URL.Host = "blocked.example.com"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestForwardMissingHostIsBadRequest(t *testing.T) {
	p, _, _ := newTestProxy(t)
	req := httptest.NewRequest(http.MethodGet, "/relative", nil)
	req.RequestURI = "/relative"
	req.URL.Scheme = ""
	req.URL.Host = ""
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDecideQueuesWhenUnmatched(t *testing.T) {
	p, _, q := newTestProxy(t)

	type result struct {
		allowed bool
		id      string
	}
	resCh := make(chan result, 1)
	go func() {
		allowed, id := p.decide(context.Background(), "agent.example.com", "CONNECT agent.example.com:443", "")
		resCh <- result{allowed, id}
	}()

	time.Sleep(50 * time.Millisecond)
	pending := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one pending network request, got %d", len(pending))
	}
	q.Approve(pending[0].ID, queue.ByCLI)

	select {
	case r := <-resCh:
		if !r.allowed {
			t.Fatal("expected approval to allow the connection")
		}
	case <-time.After(time.Second):
		t.Fatal("decide never returned")
	}
}

func TestHostOnlyStripsPort(t *testing.T) {
	if got := hostOnly("example.com:443"); got != "example.com" {
		t.Fatalf("hostOnly = %q", got)
	}
	if got := hostOnly("example.com"); got != "example.com" {
		t.Fatalf("hostOnly bare = %q", got)
	}
}

func splitHostForTest(hostport string) (string, string, error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], nil
		}
	}
	return hostport, "", nil
}
