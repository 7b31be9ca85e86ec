// Package filesync mirrors an agent's workspace onto the host and mediates
// per-file and per-edit approval. The live mirror is an fsnotify watch with
// a debounced flush on top of an rsync baseline taken when the watch starts
// (and again by the caller at shutdown); individual file
// exports and Write/Edit applications go through rules/queue gating.
package filesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"sandboxd/internal/audit"
	"sandboxd/internal/cmdutil"
	"sandboxd/internal/config"
	"sandboxd/internal/queue"
	"sandboxd/internal/rules"
)

// readinessPollInterval is how often the workspace readiness marker is
// polled before the first sync.
const readinessPollInterval = 2 * time.Second

// flushDebounce is the quiet period after the last watcher event before a
// batch of dirty paths is mirrored.
const flushDebounce = 300 * time.Millisecond

// SyncFile is a single file's last-known mirror state, surfaced via
// GET /api/sync/files.
type SyncFile struct {
	Path       string `json:"path"`
	LastSynced int64  `json:"lastSynced,omitempty"`
}

// Mirror owns the workspace→host live sync and the approve-on-apply path
// for agent Write/Edit requests.
type Mirror struct {
	src string
	dst string

	cfg   *config.Store
	q     *queue.Queue
	audit *audit.Logger

	watcher *fsnotify.Watcher
	stop    chan struct{}

	mu    sync.Mutex
	dirty map[string]bool
	timer *time.Timer

	syncedMu   sync.Mutex
	lastSynced map[string]int64 // rel path → unix millis of last copy
}

// New creates a Mirror copying files from src (the agent workspace) to dst
// (the host-visible project directory).
func New(src, dst string, cfg *config.Store, q *queue.Queue, auditLogger *audit.Logger) *Mirror {
	return &Mirror{
		src:   src,
		dst:   dst,
		cfg:   cfg,
		q:     q,
		audit:      auditLogger,
		dirty:      make(map[string]bool),
		lastSynced: make(map[string]int64),
	}
}

// WaitReady polls for the workspace readiness marker (.git/HEAD) at
// readinessPollInterval until ctx is canceled or the marker appears.
func (m *Mirror) WaitReady(ctx context.Context) error {
	marker := filepath.Join(m.src, ".git", "HEAD")
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(marker); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FullSync runs the non-negotiable rsync mirror: `rsync -a --delete
// --exclude .git --exclude node_modules SRC/ DST/`.
func (m *Mirror) FullSync() error {
	src := strings.TrimSuffix(m.src, "/") + "/"
	dst := strings.TrimSuffix(m.dst, "/") + "/"
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("creating mirror destination: %w", err)
	}
	out, err := cmdutil.RunSlow("rsync", "-a", "--delete", "--exclude", ".git", "--exclude", "node_modules", src, dst)
	if err != nil {
		log.Warn().Err(err).Str("output", string(out)).Msg("full sync rsync failed")
		return fmt.Errorf("rsync full sync: %w", err)
	}
	log.Info().Str("src", src).Str("dst", dst).Msg("full sync complete")
	return nil
}

// StartWatch performs the initial FullSync and attaches a recursive
// fsnotify watcher that batches events and flushes after flushDebounce of
// quiet.
func (m *Mirror) StartWatch() error {
	if err := m.FullSync(); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	m.watcher = w
	m.stop = make(chan struct{})

	if err := m.addRecursive(m.src); err != nil {
		return err
	}

	go m.watchLoop()
	return nil
}

func (m *Mirror) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if shouldSkip(path) {
				return filepath.SkipDir
			}
			return m.watcher.Add(path)
		}
		return nil
	})
}

func shouldSkip(path string) bool {
	base := filepath.Base(path)
	return base == ".git" || base == "node_modules"
}

func (m *Mirror) watchLoop() {
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if shouldSkip(ev.Name) || strings.Contains(ev.Name, string(filepath.Separator)+".git"+string(filepath.Separator)) || strings.Contains(ev.Name, string(filepath.Separator)+"node_modules"+string(filepath.Separator)) {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				m.watcher.Add(ev.Name)
			}
			m.markDirty(ev.Name)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (m *Mirror) markDirty(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[path] = true
	if m.timer != nil {
		m.timer.Reset(flushDebounce)
		return
	}
	m.timer = time.AfterFunc(flushDebounce, m.flush)
}

func (m *Mirror) flush() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.dirty))
	for p := range m.dirty {
		paths = append(paths, p)
	}
	m.dirty = make(map[string]bool)
	m.timer = nil
	m.mu.Unlock()

	for _, p := range paths {
		m.mirrorOne(p)
	}
}

func (m *Mirror) mirrorOne(srcPath string) {
	rel, err := filepath.Rel(m.src, srcPath)
	if err != nil {
		return
	}
	dstPath := filepath.Join(m.dst, rel)

	info, err := os.Stat(srcPath)
	if os.IsNotExist(err) {
		os.Remove(dstPath)
		return
	}
	if err != nil || info.IsDir() {
		return
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		log.Warn().Err(err).Str("path", dstPath).Msg("mirror mkdir failed")
		return
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return
	}
	if err := os.WriteFile(dstPath, data, 0644); err != nil {
		log.Warn().Err(err).Str("path", dstPath).Msg("mirror write failed")
		return
	}
	m.syncedMu.Lock()
	m.lastSynced[rel] = time.Now().UnixMilli()
	m.syncedMu.Unlock()
}

// Files enumerates the workspace (excluding .git and node_modules) with each
// file's last individual-copy time, if any. Files carried only by a bulk
// rsync report a zero LastSynced.
func (m *Mirror) Files() []SyncFile {
	m.syncedMu.Lock()
	synced := make(map[string]int64, len(m.lastSynced))
	for k, v := range m.lastSynced {
		synced[k] = v
	}
	m.syncedMu.Unlock()

	var out []SyncFile
	filepath.Walk(m.src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if shouldSkip(path) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(m.src, path)
		if err != nil {
			return nil
		}
		out = append(out, SyncFile{Path: rel, LastSynced: synced[rel]})
		return nil
	})
	return out
}

// Stop halts the watcher. Callers must call FullSync again afterward if a
// final consistent mirror is required (see graceful shutdown sequence).
func (m *Mirror) Stop() {
	if m.stop != nil {
		close(m.stop)
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
}

// ApplyResult is the outcome of applying a filesystem PermissionRequest.
type ApplyResult struct {
	OK    bool
	Error string
}

// ApplyFilesystemRequest interprets metadata.toolName at approval time:
// Write ensures the directory and writes content verbatim (idempotent);
// Edit requires old_string to be a literal substring of the current file
// and replaces its first occurrence; anything else is rejected with an
// error. Must be called after approval, never inside a lock-held path.
func ApplyFilesystemRequest(targetFile string, metadata map[string]interface{}) ApplyResult {
	toolName, _ := metadata["toolName"].(string)
	switch toolName {
	case "Write":
		content, _ := metadata["writeContent"].(string)
		if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
			return ApplyResult{OK: false, Error: err.Error()}
		}
		if err := os.WriteFile(targetFile, []byte(content), 0644); err != nil {
			return ApplyResult{OK: false, Error: err.Error()}
		}
		return ApplyResult{OK: true}

	case "Edit":
		editCtx, _ := metadata["editContext"].(map[string]interface{})
		oldString, _ := editCtx["old_string"].(string)
		newString, _ := editCtx["new_string"].(string)

		data, err := os.ReadFile(targetFile)
		if err != nil {
			return ApplyResult{OK: false, Error: "edit target is stale: file missing"}
		}
		current := string(data)
		if !strings.Contains(current, oldString) {
			return ApplyResult{OK: false, Error: "edit target is stale: old_string not found"}
		}
		updated := strings.Replace(current, oldString, newString, 1)
		if err := os.WriteFile(targetFile, []byte(updated), 0644); err != nil {
			return ApplyResult{OK: false, Error: err.Error()}
		}
		return ApplyResult{OK: true}

	default:
		return ApplyResult{OK: false, Error: fmt.Sprintf("unsupported tool %q", toolName)}
	}
}

// RequestFileSync decides, per file, whether to mirror it: deny-rule skips
// it, allow-rule or allow-all mode copies it immediately, otherwise it is
// queued and awaited. Returns path→copied.
func (m *Mirror) RequestFileSync(ctx context.Context, relPaths []string, reason string) map[string]bool {
	results := make(map[string]bool, len(relPaths))
	ruleset := m.cfg.Ruleset()

	for _, rel := range relPaths {
		action := fmt.Sprintf("sync %s", rel)
		switch rules.Evaluate(ruleset, rules.Filesystem, rel) {
		case rules.Deny:
			results[rel] = false
			m.logDecision(action, "denied", "")
			continue
		case rules.Allow:
			m.mirrorOne(filepath.Join(m.src, rel))
			results[rel] = true
			m.logDecision(action, "allowed", "")
			continue
		}

		if m.cfg.GetCategoryMode(rules.Filesystem) == config.AllowAll {
			m.mirrorOne(filepath.Join(m.src, rel))
			results[rel] = true
			m.logDecision(action, "allowed", "")
			continue
		}

		description := fmt.Sprintf("sync %s to host", rel)
		_, done := m.q.Request(queue.Category("filesystem"), action, description, reason, map[string]interface{}{"targetFile": rel})
		approved := <-done
		if approved {
			m.mirrorOne(filepath.Join(m.src, rel))
		}
		results[rel] = approved
	}
	return results
}

func (m *Mirror) logDecision(action, decision, resolvedBy string) {
	if m.audit == nil {
		return
	}
	m.audit.Append(audit.Entry{
		Timestamp:  time.Now().UnixMilli(),
		Category:   "filesystem",
		Action:     action,
		Decision:   decision,
		ResolvedBy: resolvedBy,
	})
}
