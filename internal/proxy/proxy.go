// Package proxy implements the forward HTTP/HTTPS proxy the agent's
// outbound traffic is routed through: CONNECT requests are tunneled via
// net/http.Hijacker after approval, absolute-form HTTP requests are
// forwarded, and both paths run the same allowlist → rules → mode → queue
// decision pipeline.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"sandboxd/internal/audit"
	"sandboxd/internal/config"
	"sandboxd/internal/queue"
	"sandboxd/internal/rules"
)

// Proxy mediates every outbound connection the agent attempts: endpoint
// allowlist, then rule evaluation, then category mode, with an
// approve-each fallback that blocks the request until the queue resolves
// it.
type Proxy struct {
	cfg   *config.Store
	q     *queue.Queue
	audit *audit.Logger

	dialTimeout time.Duration
}

// New creates a Proxy.
func New(cfg *config.Store, q *queue.Queue, auditLogger *audit.Logger) *Proxy {
	return &Proxy{cfg: cfg, q: q, audit: auditLogger, dialTimeout: 10 * time.Second}
}

// ServeHTTP implements the proxy's two paths: CONNECT tunneling for TLS
// traffic and absolute-form request forwarding for plain HTTP.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleForward(w, r)
}

// decide runs the host through the endpoint allowlist, rule evaluation,
// and category mode, blocking on the queue when neither settles it. action
// is the recorded/audited string, e.g. "CONNECT host:443" or "GET http://...".
func (p *Proxy) decide(ctx context.Context, host, action, reason string) (allowed bool, requestID string) {
	if p.cfg.IsEndpointAllowed(host) {
		p.logDecision(action, "allowed", "")
		return true, ""
	}

	ruleset := p.cfg.Ruleset()
	switch rules.Evaluate(ruleset, rules.Network, host) {
	case rules.Deny:
		p.logDecision(action, "denied", "")
		return false, ""
	case rules.Allow:
		p.logDecision(action, "allowed", "")
		return true, ""
	}

	switch p.cfg.GetCategoryMode(rules.Network) {
	case config.AllowAll, config.ApproveBulk:
		p.logDecision(action, "allowed", "")
		return true, ""
	case config.DenyAll:
		p.logDecision(action, "denied", "")
		return false, ""
	}

	description := fmt.Sprintf("connect to %s", host)
	id, done := p.q.Request(queue.Category("network"), action, description, reason, map[string]interface{}{"host": host})
	select {
	case approved := <-done:
		return approved, id
	case <-ctx.Done():
		return false, id
	}
}

func (p *Proxy) logDecision(action, decision, resolvedBy string) {
	if p.audit == nil {
		return
	}
	p.audit.Append(audit.Entry{
		Timestamp:  time.Now().UnixMilli(),
		Category:   "network",
		Action:     action,
		Decision:   decision,
		ResolvedBy: resolvedBy,
	})
}

// handleConnect mediates then tunnels a CONNECT request, hijacking the
// client connection and splicing it to the dialed upstream.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	action := fmt.Sprintf("CONNECT %s", host)

	allowed, id := p.decide(r.Context(), hostOnly(host), action, "")
	if !allowed {
		denyHTTP(w, id)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "proxying not supported", http.StatusInternalServerError)
		return
	}

	upstream, err := net.DialTimeout("tcp", host, p.dialTimeout)
	if err != nil {
		http.Error(w, "upstream dial failed", http.StatusBadGateway)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}

	splice(clientConn, upstream)
}

// handleForward mediates then forwards a plain-HTTP absolute-form request.
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	if host == "" {
		http.Error(w, "absolute-form request required", http.StatusBadRequest)
		return
	}
	action := fmt.Sprintf("%s %s", r.Method, r.URL.String())

	allowed, id := p.decide(r.Context(), host, action, "")
	if !allowed {
		denyHTTP(w, id)
		return
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(outReq)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// denyHTTP writes the 403 response citing the permission request id, the
// body the in-container agent surfaces back to its user.
func denyHTTP(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	if requestID != "" {
		fmt.Fprintf(w, "Denied by sandbox (request %s)\n", requestID)
		return
	}
	fmt.Fprintln(w, "Denied by sandbox")
}

// splice copies bytes bidirectionally between client and upstream until
// either side closes, then closes both.
func splice(client net.Conn, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, client)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
	client.Close()
	upstream.Close()
}

// hostOnly strips a trailing :port, if present, falling back to the
// original string for bare hostnames (CONNECT targets always carry a port,
// but this keeps the function safe for ad hoc callers).
func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}
