// Package gitsync mediates pushes from a bare staging repository to a real
// remote: it enumerates staging branches, computes ahead/behind and
// diffstat against the remote counterpart, and pushes a branch only after
// the rules/queue pipeline approves it.
package gitsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"sandboxd/internal/audit"
	"sandboxd/internal/cmdutil"
	"sandboxd/internal/config"
	"sandboxd/internal/queue"
	"sandboxd/internal/rules"
)

// BranchInfo summarizes one staging-repo branch against its real-remote
// counterpart.
type BranchInfo struct {
	Branch       string `json:"branch"`
	HasRemote    bool   `json:"hasRemote"`
	Ahead        int    `json:"ahead"`
	Behind       int    `json:"behind"`
	FilesChanged int    `json:"filesChanged,omitempty"`
	Insertions   int    `json:"insertions,omitempty"`
	Deletions    int    `json:"deletions,omitempty"`
}

// Syncer owns the staging repo and mediates pushes to the real remote.
type Syncer struct {
	repoPath   string
	remoteName string

	cfg   *config.Store
	q     *queue.Queue
	audit *audit.Logger

	mu     sync.Mutex
	cronID cron.EntryID
	c      *cron.Cron
}

// New creates a Syncer rooted at repoPath (the bare staging repo), pushing
// to the remote named remoteName.
func New(repoPath, remoteName string, cfg *config.Store, q *queue.Queue, auditLogger *audit.Logger) *Syncer {
	return &Syncer{repoPath: repoPath, remoteName: remoteName, cfg: cfg, q: q, audit: auditLogger}
}

// StartPeriodicRefresh recomputes branch diffstats on a cron schedule so
// the derived state stays warm outside the request path.
func (s *Syncer) StartPeriodicRefresh(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = cron.New()
	id, err := s.c.AddFunc(spec, func() {
		if _, err := s.Branches(); err != nil {
			log.Warn().Err(err).Msg("git sync periodic diffstat refresh failed")
		}
	})
	if err != nil {
		return err
	}
	s.cronID = id
	s.c.Start()
	return nil
}

// Stop halts the periodic refresh.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		s.c.Stop()
	}
}

// Branches enumerates local branches and computes diffstat vs
// remoteName/<branch>. Branches with no remote counterpart are reported
// as new (HasRemote=false).
func (s *Syncer) Branches() ([]BranchInfo, error) {
	out, err := cmdutil.RunFast("git", "-C", s.repoPath, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}

	var branches []BranchInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		branch := strings.TrimSpace(line)
		if branch == "" {
			continue
		}
		branches = append(branches, s.diffstat(branch))
	}
	return branches, nil
}

func (s *Syncer) diffstat(branch string) BranchInfo {
	remoteRef := s.remoteName + "/" + branch
	info := BranchInfo{Branch: branch}

	if _, err := cmdutil.RunFast("git", "-C", s.repoPath, "rev-parse", "--verify", remoteRef); err != nil {
		info.HasRemote = false
		return info
	}
	info.HasRemote = true

	countOut, err := cmdutil.RunFast("git", "-C", s.repoPath, "rev-list", "--left-right", "--count", remoteRef+"..."+branch)
	if err == nil {
		fields := strings.Fields(string(countOut))
		if len(fields) == 2 {
			fmt.Sscanf(fields[0], "%d", &info.Behind)
			fmt.Sscanf(fields[1], "%d", &info.Ahead)
		}
	}

	statOut, err := cmdutil.RunFast("git", "-C", s.repoPath, "diff", "--shortstat", remoteRef, branch)
	if err == nil {
		parseShortstat(string(statOut), &info)
	}
	return info
}

func parseShortstat(stat string, info *BranchInfo) {
	// e.g. " 3 files changed, 10 insertions(+), 2 deletions(-)"
	for _, part := range strings.Split(stat, ",") {
		part = strings.TrimSpace(part)
		var n int
		switch {
		case strings.Contains(part, "file"):
			fmt.Sscanf(part, "%d", &n)
			info.FilesChanged = n
		case strings.Contains(part, "insertion"):
			fmt.Sscanf(part, "%d", &n)
			info.Insertions = n
		case strings.Contains(part, "deletion"):
			fmt.Sscanf(part, "%d", &n)
			info.Deletions = n
		}
	}
}

// RequestGitSync runs branch through the rules → mode → queue pipeline and
// pushes on approval.
func (s *Syncer) RequestGitSync(ctx context.Context, branch, reason string) (bool, string) {
	action := fmt.Sprintf("push %s", branch)
	ruleset := s.cfg.Ruleset()

	// Git rules are written against the branch name, not the full action
	// string (see rules.Generate / rules.MatchTarget).
	switch rules.Evaluate(ruleset, rules.Git, branch) {
	case rules.Deny:
		s.logDecision(action, "denied", "")
		return false, ""
	case rules.Allow:
		s.push(branch)
		s.logDecision(action, "allowed", "")
		return true, ""
	}

	switch s.cfg.GetCategoryMode(rules.Git) {
	case config.AllowAll, config.ApproveBulk:
		s.push(branch)
		s.logDecision(action, "allowed", "")
		return true, ""
	case config.DenyAll:
		s.logDecision(action, "denied", "")
		return false, ""
	}

	description := fmt.Sprintf("push branch %s to real remote", branch)
	id, done := s.q.Request(queue.Category("git"), action, description, reason, map[string]interface{}{"branch": branch})
	approved := <-done
	if approved {
		s.push(branch)
	}
	return approved, id
}

func (s *Syncer) push(branch string) {
	if _, err := cmdutil.RunSlow("git", "-C", s.repoPath, "push", s.remoteName, branch); err != nil {
		log.Warn().Err(err).Str("branch", branch).Msg("git push to real remote failed")
	}
}

func (s *Syncer) logDecision(action, decision, resolvedBy string) {
	if s.audit == nil {
		return
	}
	s.audit.Append(audit.Entry{
		Timestamp:  time.Now().UnixMilli(),
		Category:   "git",
		Action:     action,
		Decision:   decision,
		ResolvedBy: resolvedBy,
	})
}
