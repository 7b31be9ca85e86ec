package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"sandboxd/internal/audit"
	"sandboxd/internal/config"
	"sandboxd/internal/execbroker"
	"sandboxd/internal/filesync"
	"sandboxd/internal/gitsync"
	"sandboxd/internal/pkgbroker"
	"sandboxd/internal/queue"
	"sandboxd/internal/rules"
)

// Server is the HTTP + WebSocket control plane tying every mediation
// subsystem together: queue, config, rules, audit, status, the broker and
// sync endpoints, and the /ws relay.
type Server struct {
	cfg    *config.Store
	q      *queue.Queue
	audit  *audit.Logger
	exec   *execbroker.Broker
	pkg    *pkgbroker.Broker
	mirror *filesync.Mirror
	git    *gitsync.Syncer
	hub    *Hub

	upgrader websocket.Upgrader

	startedAt   time.Time
	maxUptimeMs int64

	auditReadPath string

	shutdownOnce chan struct{}
	onShutdown   func(reason string)
}

// Deps bundles every subsystem the control plane wires together.
type Deps struct {
	Config      *config.Store
	Queue       *queue.Queue
	Audit       *audit.Logger
	Exec        *execbroker.Broker
	Pkg         *pkgbroker.Broker
	Mirror      *filesync.Mirror
	Git         *gitsync.Syncer
	MaxUptimeMs int64
}

// New builds a Server and its router. onShutdown is invoked exactly once,
// from whichever of the max-uptime timer or an explicit TriggerShutdown call
// fires first; OS signals are handled by the caller, not routed through here.
func New(deps Deps, onShutdown func(reason string)) *Server {
	s := &Server{
		cfg:          deps.Config,
		q:            deps.Queue,
		audit:        deps.Audit,
		exec:         deps.Exec,
		pkg:          deps.Pkg,
		mirror:       deps.Mirror,
		git:          deps.Git,
		hub:          NewHub(),
		startedAt:    time.Now(),
		maxUptimeMs:  deps.MaxUptimeMs,
		shutdownOnce: make(chan struct{}, 1),
		onShutdown:   onShutdown,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	go s.hub.Run()
	s.watchQueueEvents()
	return s
}

// Router builds the gorilla/mux route table described in the external
// interfaces section.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/queue", s.handleGetQueue).Methods(http.MethodGet)
	r.HandleFunc("/api/queue", s.handlePostQueue).Methods(http.MethodPost)
	r.HandleFunc("/api/queue/bulk", s.handleBulk).Methods(http.MethodPost)
	r.HandleFunc("/api/queue/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/api/queue/{id}/deny", s.handleDeny).Methods(http.MethodPost)

	r.HandleFunc("/api/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/config/propose", s.handleProposeConfig).Methods(http.MethodPost)

	r.HandleFunc("/api/rules", s.handleGetRules).Methods(http.MethodGet)
	r.HandleFunc("/api/rules", s.handlePostRule).Methods(http.MethodPost)
	r.HandleFunc("/api/rules", s.handleDeleteRule).Methods(http.MethodDelete)

	r.HandleFunc("/api/sync/files", s.handleGetSyncFiles).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/files", s.handlePostSyncFiles).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/git", s.handleGetSyncGit).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/git", s.handlePostSyncGit).Methods(http.MethodPost)

	r.HandleFunc("/api/exec", s.handlePostExec).Methods(http.MethodPost)
	r.HandleFunc("/api/exec/{id}", s.handleGetExec).Methods(http.MethodGet)
	r.HandleFunc("/api/packages", s.handlePostPackages).Methods(http.MethodPost)
	r.HandleFunc("/api/packages/{id}", s.handleGetPackages).Methods(http.MethodGet)

	r.HandleFunc("/api/audit", s.handleAudit).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWebSocket)
	return r
}

// --- response helpers ---

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"ok": false, "error": message})
}

// --- queue ---

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pending": s.q.Pending(),
		"recent":  s.q.Recent(50),
	})
}

func (s *Server) handlePostQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category    string                 `json:"category"`
		Action      string                 `json:"action"`
		Description string                 `json:"description"`
		Reason      string                 `json:"reason"`
		Metadata    map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, _ := s.q.Request(queue.Category(body.Category), body.Action, body.Description, body.Reason, body.Metadata)
	respondJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category   string `json:"category"`
		Status     string `json:"status"`
		ResolvedBy string `json:"resolvedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	by := queue.ResolvedBy(body.ResolvedBy)
	if by == "" {
		by = queue.ByWeb
	}
	n := s.q.BulkResolve(queue.Category(body.Category), queue.Status(body.Status), by)
	respondJSON(w, http.StatusOK, map[string]interface{}{"count": n})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		ResolvedBy  string `json:"resolvedBy"`
		AlwaysAllow bool   `json:"alwaysAllow"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	by := queue.ResolvedBy(body.ResolvedBy)
	if by == "" {
		by = queue.ByWeb
	}

	ok, status, errMsg := s.approve(id, by, body.AlwaysAllow)
	if !ok {
		respondJSON(w, status, map[string]interface{}{"ok": false, "error": errMsg})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		ResolvedBy string `json:"resolvedBy"`
		AlwaysDeny bool   `json:"alwaysDeny"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	by := queue.ResolvedBy(body.ResolvedBy)
	if by == "" {
		by = queue.ByWeb
	}

	s.deny(id, by, body.AlwaysDeny)
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// approve implements the full approve flow: filesystem apply (denying the
// request with a 409 when the apply is stale), queue approval, sandbox
// proposal application, and always-allow rule synthesis + auto-resolve.
func (s *Server) approve(id string, by queue.ResolvedBy, alwaysAllow bool) (ok bool, status int, errMsg string) {
	req, found := s.q.Get(id)
	if !found {
		return false, http.StatusNotFound, "request not found"
	}

	if req.Category == "filesystem" {
		if toolName, has := req.Metadata["toolName"]; has && toolName != nil {
			target, _ := req.Metadata["targetFile"].(string)
			result := filesync.ApplyFilesystemRequest(target, req.Metadata)
			if !result.OK {
				s.q.Deny(id, queue.ByAuto)
				return false, http.StatusConflict, result.Error
			}
		}
	}

	s.q.Approve(id, by)

	if req.Category == "sandbox" {
		if proposal, has := req.Metadata["proposal"]; has {
			if pm, ok := proposal.(map[string]interface{}); ok {
				path, _ := pm["path"].(string)
				value := pm["value"]
				s.cfg.ApplyConfigChange(path, value)
				s.cfg.Save()
			}
		}
	}

	if alwaysAllow {
		s.synthesizeRule("allow", req)
	}

	return true, http.StatusOK, ""
}

func (s *Server) deny(id string, by queue.ResolvedBy, alwaysDeny bool) {
	s.q.Deny(id, by)
	if alwaysDeny {
		req, found := s.q.Get(id)
		if found {
			s.synthesizeRule("deny", req)
		}
	}
}

// synthesizeRule generates an always-allow/always-deny rule from req,
// persists it, broadcasts the rule change, then auto-resolves every
// pending request of the same category whose verdict now matches.
func (s *Server) synthesizeRule(kind string, req queue.PermissionRequest) {
	cat := rules.Category(req.Category)
	ruleStr := rules.Generate(cat, req.Action)
	if !s.cfg.AddRule(kind, ruleStr) {
		return
	}
	s.cfg.Save()
	s.hub.Broadcast("rules", s.cfg.Get().Rules)

	wantVerdict := rules.Allow
	resolveAs := queue.Approved
	if kind == "deny" {
		wantVerdict = rules.Deny
		resolveAs = queue.Denied
	}

	ruleset := s.cfg.Ruleset()
	for _, pending := range s.q.Pending() {
		if rules.Category(pending.Category) != cat {
			continue
		}
		target := rules.MatchTarget(cat, pending.Action)
		if rules.Evaluate(ruleset, cat, target) == wantVerdict {
			s.q.Resolve(pending.ID, resolveAs, queue.ByAuto)
		}
	}
}

// --- config / rules ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Get())
}

func (s *Server) handleProposeConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path   string      `json:"path"`
		Value  interface{} `json:"value"`
		Reason string      `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	description := "propose sandbox config change: " + body.Path
	id, _ := s.q.Request(queue.Category("sandbox"), body.Path, description, body.Reason, map[string]interface{}{
		"proposal": map[string]interface{}{"path": body.Path, "value": body.Value},
	})
	respondJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Get().Rules)
}

func (s *Server) handlePostRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
		Rule string `json:"rule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	added := s.cfg.AddRule(body.Type, body.Rule)
	if added {
		s.cfg.Save()
		s.hub.Broadcast("rules", s.cfg.Get().Rules)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"added": added, "rules": s.cfg.Get().Rules})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
		Rule string `json:"rule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	removed := s.cfg.RemoveRule(body.Type, body.Rule)
	if removed {
		s.cfg.Save()
		s.hub.Broadcast("rules", s.cfg.Get().Rules)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"removed": removed, "rules": s.cfg.Get().Rules})
}

// --- sync: files ---

func (s *Server) handleGetSyncFiles(w http.ResponseWriter, r *http.Request) {
	files := s.mirror.Files()
	if files == nil {
		files = []filesync.SyncFile{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

func (s *Server) handlePostSyncFiles(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paths []string `json:"paths"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	results := s.mirror.RequestFileSync(context.Background(), body.Paths, "")
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// --- sync: git ---

func (s *Server) handleGetSyncGit(w http.ResponseWriter, r *http.Request) {
	branches, err := s.git.Branches()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"branches": branches})
}

func (s *Server) handlePostSyncGit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Branch string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	approved, _ := s.git.RequestGitSync(context.Background(), body.Branch, "")
	respondJSON(w, http.StatusOK, map[string]interface{}{"branch": body.Branch, "approved": approved})
}

// --- exec ---

func (s *Server) handlePostExec(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
		Reason  string `json:"reason"`
		Timeout int64  `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := s.exec.Submit(context.Background(), body.Command, body.Cwd, body.Reason, body.Timeout)
	respondJSON(w, http.StatusCreated, map[string]interface{}{"id": req.ID})
}

func (s *Server) handleGetExec(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, ok := s.exec.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "exec request not found")
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// --- packages ---

func (s *Server) handlePostPackages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Manager  string   `json:"manager"`
		Packages []string `json:"packages"`
		Action   string   `json:"action"`
		Reason   string   `json:"reason"`
		Cwd      string   `json:"cwd"`
		Timeout  int64    `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := s.pkg.Submit(context.Background(), body.Manager, body.Packages, body.Action, body.Reason, body.Cwd, nil, body.Timeout)
	respondJSON(w, http.StatusCreated, map[string]interface{}{"id": req.ID})
}

func (s *Server) handleGetPackages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, ok := s.pkg.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "package request not found")
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// --- audit / status ---

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := audit.Read(s.auditPath(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// auditPath is overridable in tests via SetAuditPath.
var defaultAuditPath = "data/audit.log"

func (s *Server) auditPath() string {
	if s.auditReadPath != "" {
		return s.auditReadPath
	}
	return defaultAuditPath
}

// SetAuditPath configures the path GET /api/audit reads from.
func (s *Server) SetAuditPath(path string) {
	s.auditReadPath = path
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	status := map[string]interface{}{
		"startedAt":   s.startedAt.UnixMilli(),
		"uptime":      uptime.Milliseconds(),
		"maxUptimeMs": s.maxUptimeMs,
	}
	if s.maxUptimeMs > 0 {
		remaining := s.maxUptimeMs - uptime.Milliseconds()
		if remaining < 0 {
			remaining = 0
		}
		status["remainingMs"] = remaining
	}
	respondJSON(w, http.StatusOK, status)
}

// --- websocket ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	clientID := uuid.NewString()

	SendTo(conn, "init", map[string]interface{}{
		"pending": s.q.Pending(),
		"config":  s.cfg.Get(),
		"rules":   s.cfg.Get().Rules,
	})
	s.hub.Register(conn)

	log.Info().Str("client", clientID).Msg("websocket client connected")

	defer s.hub.Unregister(conn)
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handleClientMessage(msg)
	}
}

// clientMessage is the flat shape clients send: the id and always flags are
// siblings of type, not nested under data.
type clientMessage struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	AlwaysAllow bool   `json:"alwaysAllow"`
	AlwaysDeny  bool   `json:"alwaysDeny"`
}

func (s *Server) handleClientMessage(msg clientMessage) {
	switch msg.Type {
	case "approve":
		s.approve(msg.ID, queue.ByWeb, msg.AlwaysAllow)
	case "deny":
		s.deny(msg.ID, queue.ByWeb, msg.AlwaysDeny)
	}
}

// watchQueueEvents subscribes to queue lifecycle events and relays them to
// both the audit log (fire-and-forget) and WebSocket clients, keeping the
// queue package itself free of dependencies on either.
func (s *Server) watchQueueEvents() {
	events := s.q.Subscribe(256)
	go func() {
		for ev := range events {
			switch ev.Type {
			case "request":
				s.hub.Broadcast("request", ev.Req)
			case "resolve":
				s.hub.Broadcast("resolve", ev.Req)
				if s.audit != nil {
					var durationMs int64
					if ev.Req.ResolvedAt > 0 && ev.Req.CreatedAt > 0 {
						durationMs = ev.Req.ResolvedAt - ev.Req.CreatedAt
					}
					s.audit.Append(audit.Entry{
						Timestamp:  time.Now().UnixMilli(),
						ID:         ev.Req.ID,
						Category:   string(ev.Req.Category),
						Action:     ev.Req.Action,
						Decision:   string(ev.Req.Status),
						ResolvedBy: string(ev.Req.ResolvedBy),
						DurationMs: durationMs,
					})
				}
			}
		}
	}()
}

// ScheduleMaxUptime arms a one-shot timer that calls s.onShutdown when
// maxUptimeMs elapses.
func (s *Server) ScheduleMaxUptime() {
	if s.maxUptimeMs <= 0 {
		return
	}
	time.AfterFunc(time.Duration(s.maxUptimeMs)*time.Millisecond, func() {
		s.TriggerShutdown("max uptime reached")
	})
}

// TriggerShutdown invokes the shutdown callback exactly once.
func (s *Server) TriggerShutdown(reason string) {
	select {
	case s.shutdownOnce <- struct{}{}:
		if s.onShutdown != nil {
			s.onShutdown(reason)
		}
	default:
	}
}

// BroadcastShutdown sends the terminal {type:"shutdown"} message to every
// connected client, step 4 of the graceful shutdown sequence.
func (s *Server) BroadcastShutdown(reason string) {
	s.hub.Broadcast("shutdown", map[string]interface{}{"reason": reason})
}
