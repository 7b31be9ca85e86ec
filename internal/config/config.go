// Package config owns the process-wide sandbox configuration: the network
// allowlist, per-category modes, rules, and the git staging repo path.
// The lifecycle is load → memory → save, with all mutation funneled
// through Store methods so persistence stays consistent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"sandboxd/internal/rules"
)

// Mode is a per-category policy.
type Mode string

const (
	ApproveEach Mode = "approve-each"
	ApproveBulk Mode = "approve-bulk"
	AllowAll    Mode = "allow-all"
	DenyAll     Mode = "deny-all"
)

// hardenedCategories always read back as ApproveEach regardless of what was
// persisted; writes that try to set anything else are silently discarded.
var hardenedCategories = map[rules.Category]bool{
	rules.Exec:     true,
	rules.Packages: true,
}

// RuleStrings holds the allow/deny lists in their raw string form, the
// shape that round-trips through sandbox.config.json.
type RuleStrings struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Config is the on-disk/in-memory shape of SandboxConfig.
type Config struct {
	AllowedEndpoints []string                `json:"allowedEndpoints"`
	GitStagingRepo   string                  `json:"gitStagingRepo"`
	Categories       map[rules.Category]Mode `json:"categories"`
	Rules            RuleStrings             `json:"rules"`
}

func defaultConfig() Config {
	return Config{
		AllowedEndpoints: []string{},
		GitStagingRepo:   "",
		Categories: map[rules.Category]Mode{
			rules.Network:    ApproveEach,
			rules.Filesystem: ApproveEach,
			rules.Git:        ApproveEach,
			rules.Packages:   ApproveEach,
			rules.Sandbox:    ApproveEach,
			rules.Exec:       ApproveEach,
		},
		Rules: RuleStrings{Allow: []string{}, Deny: []string{}},
	}
}

// Store is the single process-wide config holder. All mutation goes through
// its methods; readers may observe a stale mode mid-write, which is
// acceptable because every decision path re-reads before acting.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

// New creates a Store backed by path, not yet loaded.
func New(path string) *Store {
	return &Store{path: path, cfg: defaultConfig()}
}

// Load reads path into memory. A missing or unparsable file falls back to
// built-in defaults so the server can keep running. Missing `rules` is
// patched to `{allow:[], deny:[]}` for forward compatibility.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.cfg = defaultConfig()
			s.mu.Unlock()
			return nil
		}
		log.Warn().Err(err).Str("path", s.path).Msg("config: read failed, using defaults")
		s.mu.Lock()
		s.cfg = defaultConfig()
		s.mu.Unlock()
		return nil
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("config: parse failed, using defaults")
		s.mu.Lock()
		s.cfg = defaultConfig()
		s.mu.Unlock()
		return nil
	}

	if cfg.Categories == nil {
		cfg.Categories = map[rules.Category]Mode{}
	}
	for cat, mode := range defaultConfig().Categories {
		if _, ok := cfg.Categories[cat]; !ok {
			cfg.Categories[cat] = mode
		}
	}
	if cfg.Rules.Allow == nil {
		cfg.Rules.Allow = []string{}
	}
	if cfg.Rules.Deny == nil {
		cfg.Rules.Deny = []string{}
	}
	if cfg.AllowedEndpoints == nil {
		cfg.AllowedEndpoints = []string{}
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Save writes the in-memory config to disk as pretty-printed JSON plus a
// trailing newline, via a tmp-then-rename atomic write.
func (s *Store) Save() error {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".sandbox-config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create tmp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// Get returns a copy of the current config.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// IsEndpointAllowed reports whether host equals or ends with ".suffix" for
// any configured allowlist entry.
func (s *Store) IsEndpointAllowed(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, suffix := range s.cfg.AllowedEndpoints {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// GetCategoryMode returns the effective mode, enforcing the hardened-
// category invariant regardless of what is persisted.
func (s *Store) GetCategoryMode(cat rules.Category) Mode {
	if hardenedCategories[cat] {
		return ApproveEach
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.cfg.Categories[cat]; ok {
		return m
	}
	return ApproveEach
}

// SetCategoryMode sets a category's mode. Hardened categories silently
// ignore any mode other than ApproveEach.
func (s *Store) SetCategoryMode(cat rules.Category, mode Mode) {
	if hardenedCategories[cat] && mode != ApproveEach {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Categories == nil {
		s.cfg.Categories = map[rules.Category]Mode{}
	}
	s.cfg.Categories[cat] = mode
}

// Ruleset returns the parsed Ruleset for rule evaluation.
func (s *Store) Ruleset() rules.Ruleset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs := rules.Ruleset{}
	for _, raw := range s.cfg.Rules.Allow {
		if r, ok := rules.Parse(raw); ok {
			rs.Allow = append(rs.Allow, r)
		}
	}
	for _, raw := range s.cfg.Rules.Deny {
		if r, ok := rules.Parse(raw); ok {
			rs.Deny = append(rs.Deny, r)
		}
	}
	return rs
}

// AddRule inserts a rule string into the allow or deny list. Unparseable or
// duplicate rules are rejected without mutating state.
func (s *Store) AddRule(kind string, rule string) bool {
	if _, ok := rules.Parse(rule); !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.ruleListLocked(kind)
	if list == nil {
		return false
	}
	for _, existing := range *list {
		if existing == rule {
			return false
		}
	}
	*list = append(*list, rule)
	return true
}

// RemoveRule removes a rule string from the allow or deny list, returning
// whether it was present.
func (s *Store) RemoveRule(kind string, rule string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.ruleListLocked(kind)
	if list == nil {
		return false
	}
	for i, existing := range *list {
		if existing == rule {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) ruleListLocked(kind string) *[]string {
	switch kind {
	case "allow":
		return &s.cfg.Rules.Allow
	case "deny":
		return &s.cfg.Rules.Deny
	default:
		return nil
	}
}

// AddAllowedEndpoint appends a host suffix to the allowlist if not already present.
func (s *Store) AddAllowedEndpoint(suffix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.cfg.AllowedEndpoints {
		if e == suffix {
			return false
		}
	}
	s.cfg.AllowedEndpoints = append(s.cfg.AllowedEndpoints, suffix)
	return true
}

// RemoveAllowedEndpoint removes a host suffix from the allowlist.
func (s *Store) RemoveAllowedEndpoint(suffix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.cfg.AllowedEndpoints {
		if e == suffix {
			s.cfg.AllowedEndpoints = append(s.cfg.AllowedEndpoints[:i], s.cfg.AllowedEndpoints[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyConfigChange walks a dot-separated path and assigns value, used when
// an agent-proposed sandbox change is approved.
func (s *Store) ApplyConfigChange(path string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs := strings.Split(path, ".")
	if len(segs) == 0 {
		return fmt.Errorf("config: empty path")
	}

	switch segs[0] {
	case "allowedEndpoints":
		if len(segs) == 1 {
			endpoints, err := toStringSlice(value)
			if err != nil {
				return err
			}
			s.cfg.AllowedEndpoints = endpoints
			return nil
		}
	case "gitStagingRepo":
		if len(segs) == 1 {
			str, ok := value.(string)
			if !ok {
				return fmt.Errorf("config: gitStagingRepo requires a string value")
			}
			s.cfg.GitStagingRepo = str
			return nil
		}
	case "categories":
		if len(segs) == 3 && segs[2] == "mode" {
			cat := rules.Category(segs[1])
			raw, ok := value.(string)
			if !ok {
				return fmt.Errorf("config: categories.%s.mode requires a string value", segs[1])
			}
			mode, err := ParseMode(raw)
			if err != nil {
				return err
			}
			if hardenedCategories[cat] && mode != ApproveEach {
				return nil // silently discarded, hardened categories stay approve-each
			}
			if s.cfg.Categories == nil {
				s.cfg.Categories = map[rules.Category]Mode{}
			}
			s.cfg.Categories[cat] = mode
			return nil
		}
	}
	return fmt.Errorf("config: unsupported path %q", path)
}

func toStringSlice(value interface{}) ([]string, error) {
	raw, ok := value.([]interface{})
	if !ok {
		if strs, ok := value.([]string); ok {
			return strs, nil
		}
		return nil, fmt.Errorf("config: expected an array value")
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("config: expected array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

// ParseMode validates a mode string from an external request body.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ApproveEach, ApproveBulk, AllowAll, DenyAll:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("config: invalid mode %q", s)
	}
}

// ParseDuration implements the grammar `Nd? Nh? Nm? Ns? Nms?`, or bare
// digits interpreted as milliseconds, returning the duration in
// milliseconds. Used for MAX_UPTIME.
func ParseDuration(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, true
	}

	factors := map[string]int64{
		"ms": 1,
		"s":  1000,
		"m":  60 * 1000,
		"h":  60 * 60 * 1000,
		"d":  24 * 60 * 60 * 1000,
	}

	var total int64
	rest := s
	matchedAny := false
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, false
		}
		numStr := rest[:i]
		rest = rest[i:]

		j := 0
		for j < len(rest) && (rest[j] < '0' || rest[j] > '9') {
			j++
		}
		unit := rest[:j]
		rest = rest[j:]

		factor, ok := factors[unit]
		if !ok {
			return 0, false
		}
		n, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return 0, false
		}
		total += n * factor
		matchedAny = true
	}
	if !matchedAny {
		return 0, false
	}
	return total, true
}
