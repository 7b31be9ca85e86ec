// Package execbroker mediates host command execution requested by the
// agent: each submitted command runs through rule evaluation and, when no
// rule settles it, through the approval queue before the timeout-guarded
// runner in internal/cmdutil executes it.
package execbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sandboxd/internal/audit"
	"sandboxd/internal/cmdutil"
	"sandboxd/internal/config"
	"sandboxd/internal/queue"
	"sandboxd/internal/rules"
)

// Status is an ExecRequest's lifecycle state.
type Status string

const (
	Pending   Status = "pending"
	Approved  Status = "approved"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Denied    Status = "denied"
)

// ExecRequest is the lifecycle record for one agent-submitted command.
type ExecRequest struct {
	ID                   string `json:"id"`
	Command              string `json:"command"`
	Cwd                  string `json:"cwd,omitempty"`
	Reason               string `json:"reason,omitempty"`
	TimeoutMs            int64  `json:"timeoutMs,omitempty"`
	Status               Status `json:"status"`
	ExitCode             int    `json:"exitCode,omitempty"`
	Stdout               string `json:"stdout,omitempty"`
	Stderr               string `json:"stderr,omitempty"`
	PermissionRequestID  string `json:"permissionRequestId,omitempty"`
	CreatedAt            int64  `json:"createdAt"`
	CompletedAt          int64  `json:"completedAt,omitempty"`
}

// Broker owns the in-memory table of ExecRequests and the rules/queue/audit
// wiring needed to decide and run them.
type Broker struct {
	cfg   *config.Store
	q     *queue.Queue
	audit *audit.Logger

	mu       sync.Mutex
	requests map[string]*ExecRequest
}

// New creates an exec broker.
func New(cfg *config.Store, q *queue.Queue, auditLogger *audit.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		q:        q,
		audit:    auditLogger,
		requests: make(map[string]*ExecRequest),
	}
}

// Get returns the ExecRequest with the given id.
func (b *Broker) Get(id string) (ExecRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[id]
	if !ok {
		return ExecRequest{}, false
	}
	return *req, true
}

func (b *Broker) store(req *ExecRequest) {
	b.mu.Lock()
	b.requests[req.ID] = req
	b.mu.Unlock()
}

// Submit runs command through the rules → queue pipeline. Category mode for
// exec is always approve-each (hardened), so an unmatched rule verdict
// always enqueues a PermissionRequest rather than consulting config mode.
func (b *Broker) Submit(ctx context.Context, command, cwd, reason string, timeoutMs int64) *ExecRequest {
	ruleset := b.cfg.Ruleset()
	verdict := rules.Evaluate(ruleset, rules.Exec, command)

	switch verdict {
	case rules.Deny:
		req := &ExecRequest{
			ID:        fmt.Sprintf("exec-denied-%d", nowMillis()),
			Command:   command,
			Cwd:       cwd,
			Reason:    reason,
			TimeoutMs: timeoutMs,
			Status:    Denied,
			CreatedAt: nowMillis(),
		}
		b.store(req)
		b.logDecision(req, "denied", "")
		return req

	case rules.Allow:
		req := &ExecRequest{
			ID:        fmt.Sprintf("exec-auto-%d", nowMillis()),
			Command:   command,
			Cwd:       cwd,
			Reason:    reason,
			TimeoutMs: timeoutMs,
			Status:    Running,
			CreatedAt: nowMillis(),
		}
		b.store(req)
		b.run(ctx, req)
		return req

	default:
		description := fmt.Sprintf("run command: %s", command)
		id, done := b.q.Request(queue.Category("exec"), command, description, reason, map[string]interface{}{
			"cwd":       cwd,
			"timeoutMs": timeoutMs,
		})
		req := &ExecRequest{
			ID:                  id,
			Command:             command,
			Cwd:                 cwd,
			Reason:              reason,
			TimeoutMs:           timeoutMs,
			Status:              Pending,
			PermissionRequestID: id,
			CreatedAt:           nowMillis(),
		}
		b.store(req)

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
			b.run(ctx, r)
		}()

		return req
	}
}

// run executes req.Command via the shared shell runner and records the
// terminal status.
func (b *Broker) run(ctx context.Context, req *ExecRequest) {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := cmdutil.RunShell(ctx, req.Command, req.Cwd, timeout)

	b.mu.Lock()
	req.Stdout = result.Stdout
	req.Stderr = result.Stderr
	req.ExitCode = result.ExitCode
	req.CompletedAt = nowMillis()
	// A command that ran to a real exit code completed, even if that code is
	// non-zero; failed is reserved for timeouts and spawn failures.
	if err != nil || result.TimedOut {
		req.Status = Failed
	} else {
		req.Status = Completed
	}
	status := req.Status
	b.mu.Unlock()

	log.Info().Str("id", req.ID).Str("status", string(status)).Int("exitCode", result.ExitCode).Msg("exec request finished")
	b.logDecision(req, string(status), "")
}

func (b *Broker) logDecision(req *ExecRequest, decision, resolvedBy string) {
	if b.audit == nil {
		return
	}
	b.audit.Append(audit.Entry{
		Timestamp:  nowMillis(),
		ID:         req.ID,
		Category:   "exec",
		Action:     req.Command,
		Decision:   decision,
		ResolvedBy: resolvedBy,
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
