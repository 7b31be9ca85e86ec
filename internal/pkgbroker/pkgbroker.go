// Package pkgbroker mediates package manager invocations (bun, npm, pip,
// cargo) requested by the agent. It shares the exec broker's rules → queue
// → runner pipeline but adds command-line parsing and flag hardening so an
// agent cannot smuggle an arbitrary registry/index flag past approval.
package pkgbroker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sandboxd/internal/audit"
	"sandboxd/internal/cmdutil"
	"sandboxd/internal/config"
	"sandboxd/internal/queue"
	"sandboxd/internal/rules"
)

// Status is a PackageRequest's lifecycle state.
type Status string

const (
	Pending   Status = "pending"
	Approved  Status = "approved"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Denied    Status = "denied"
)

// ParsedCommand is the result of parsing a package manager command line.
type ParsedCommand struct {
	Manager  string   `json:"manager"`
	Action   string   `json:"action"`
	Packages []string `json:"packages"`
	Flags    []string `json:"flags"`
}

// managerActions maps each recognized manager to its accepted verbs and the
// canonical action name each verb normalizes to.
var managerActions = map[string]map[string]string{
	"bun":   {"add": "add", "remove": "remove"},
	"npm":   {"install": "install", "i": "install", "uninstall": "uninstall"},
	"pip":   {"install": "install", "uninstall": "uninstall"},
	"pip3":  {"install": "install", "uninstall": "uninstall"},
	"cargo": {"add": "add", "remove": "remove"},
}

// flagWhitelist is the fixed set of flags passed through to the real
// command line; everything else (e.g. --registry=evil.com) is dropped
// silently.
var flagWhitelist = map[string]bool{
	"-D": true, "--dev": true, "--save-dev": true,
	"-E": true, "--exact": true,
	"-g": true, "--global": true,
	"--save": true, "--save-exact": true,
}

// ParsePackageCommand recognizes `<manager> <verb> <packages...> [flags...]`
// for the supported managers. It requires at least one package and returns
// ok=false for anything else.
func ParsePackageCommand(cmdline string) (ParsedCommand, bool) {
	fields := strings.Fields(cmdline)
	if len(fields) < 3 {
		return ParsedCommand{}, false
	}
	manager := fields[0]
	verbs, ok := managerActions[manager]
	if !ok {
		return ParsedCommand{}, false
	}
	action, ok := verbs[fields[1]]
	if !ok {
		return ParsedCommand{}, false
	}

	var packages, flags []string
	for _, f := range fields[2:] {
		if strings.HasPrefix(f, "-") {
			if flagWhitelist[f] {
				flags = append(flags, f)
			}
			continue
		}
		packages = append(packages, f)
	}
	if len(packages) == 0 {
		return ParsedCommand{}, false
	}
	return ParsedCommand{Manager: manager, Action: action, Packages: packages, Flags: flags}, true
}

// BuildCommand renders a canonical, flag-filtered command line for manager.
func BuildCommand(manager, action string, packages, flags []string) string {
	parts := []string{manager, action}
	for _, f := range flags {
		if flagWhitelist[f] {
			parts = append(parts, f)
		}
	}
	parts = append(parts, packages...)
	return strings.Join(parts, " ")
}

// PackageRequest is the lifecycle record for one package manager invocation.
type PackageRequest struct {
	ID                  string   `json:"id"`
	Manager             string   `json:"manager"`
	Action              string   `json:"action"`
	Packages            []string `json:"packages"`
	Flags               []string `json:"flags"`
	Cwd                 string   `json:"cwd,omitempty"`
	Reason              string   `json:"reason,omitempty"`
	TimeoutMs           int64    `json:"timeoutMs,omitempty"`
	Status              Status   `json:"status"`
	ExitCode            int      `json:"exitCode,omitempty"`
	Stdout              string   `json:"stdout,omitempty"`
	Stderr              string   `json:"stderr,omitempty"`
	PermissionRequestID string   `json:"permissionRequestId,omitempty"`
	CreatedAt           int64    `json:"createdAt"`
	CompletedAt         int64    `json:"completedAt,omitempty"`
}

// Broker owns the in-memory table of PackageRequests.
type Broker struct {
	cfg   *config.Store
	q     *queue.Queue
	audit *audit.Logger

	mu       sync.Mutex
	requests map[string]*PackageRequest
}

// New creates a package broker.
func New(cfg *config.Store, q *queue.Queue, auditLogger *audit.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		q:        q,
		audit:    auditLogger,
		requests: make(map[string]*PackageRequest),
	}
}

// Get returns the PackageRequest with the given id.
func (b *Broker) Get(id string) (PackageRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[id]
	if !ok {
		return PackageRequest{}, false
	}
	return *req, true
}

func (b *Broker) store(req *PackageRequest) {
	b.mu.Lock()
	b.requests[req.ID] = req
	b.mu.Unlock()
}

// Submit runs the parsed package command through the same three-branch
// rules → queue pipeline as the exec broker. packages category is hardened:
// a blanket packages(*) allow rule is never honored by rules.Evaluate, and
// the unmatched branch always enqueues regardless of configured mode.
func (b *Broker) Submit(ctx context.Context, manager string, packages []string, action, reason, cwd string, flags []string, timeoutMs int64) *PackageRequest {
	command := BuildCommand(manager, action, packages, flags)
	// Rules match against the flagless "<manager> <action> <pkgs...>" form
	// so a whitelisted flag can never change a verdict.
	target := strings.Join(append([]string{manager, action}, packages...), " ")
	ruleset := b.cfg.Ruleset()
	verdict := rules.Evaluate(ruleset, rules.Packages, target)

	base := &PackageRequest{
		Manager:   manager,
		Action:    action,
		Packages:  packages,
		Flags:     flags,
		Cwd:       cwd,
		Reason:    reason,
		TimeoutMs: timeoutMs,
		CreatedAt: nowMillis(),
	}

	switch verdict {
	case rules.Deny:
		base.ID = fmt.Sprintf("pkg-denied-%d", nowMillis())
		base.Status = Denied
		b.store(base)
		b.logDecision(base, command, "denied", "")
		return base

	case rules.Allow:
		base.ID = fmt.Sprintf("pkg-auto-%d", nowMillis())
		base.Status = Running
		b.store(base)
		b.run(ctx, base, command)
		return base

	default:
		description := fmt.Sprintf("%s %s %s", manager, action, strings.Join(packages, " "))
		id, done := b.q.Request(queue.Category("packages"), target, description, reason, map[string]interface{}{
			"cwd":       cwd,
			"timeoutMs": timeoutMs,
		})
		base.ID = id
		base.PermissionRequestID = id
		base.Status = Pending
		b.store(base)

		go func() {
			approved := <-done
			b.mu.Lock()
			r := b.requests[id]
			b.mu.Unlock()
			if r == nil {
				return
			}
			if !approved {
				b.mu.Lock()
				r.Status = Denied
				r.CompletedAt = nowMillis()
				b.mu.Unlock()
				return
			}
			b.mu.Lock()
			r.Status = Running
			b.mu.Unlock()
			b.run(ctx, r, command)
		}()

		return base
	}
}

func (b *Broker) run(ctx context.Context, req *PackageRequest, command string) {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := cmdutil.RunShell(ctx, command, req.Cwd, timeout)

	b.mu.Lock()
	req.Stdout = result.Stdout
	req.Stderr = result.Stderr
	req.ExitCode = result.ExitCode
	req.CompletedAt = nowMillis()
	// Same convention as the exec broker: a real exit code means completed,
	// failed is reserved for timeouts and spawn failures.
	if err != nil || result.TimedOut {
		req.Status = Failed
	} else {
		req.Status = Completed
	}
	status := req.Status
	b.mu.Unlock()

	log.Info().Str("id", req.ID).Str("status", string(status)).Int("exitCode", result.ExitCode).Msg("package request finished")
	b.logDecision(req, command, string(status), "")
}

func (b *Broker) logDecision(req *PackageRequest, command, decision, resolvedBy string) {
	if b.audit == nil {
		return
	}
	b.audit.Append(audit.Entry{
		Timestamp:  nowMillis(),
		ID:         req.ID,
		Category:   "packages",
		Action:     command,
		Decision:   decision,
		ResolvedBy: resolvedBy,
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
