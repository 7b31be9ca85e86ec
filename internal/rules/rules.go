// Package rules implements the pure allow/deny evaluation pipeline: parsing
// rule strings, matching a pattern against a target, and deciding a verdict
// from a ruleset. Nothing in this package touches disk or the network.
package rules

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// Category is one of the six mediation buckets.
type Category string

const (
	Network    Category = "network"
	Filesystem Category = "filesystem"
	Git        Category = "git"
	Packages   Category = "packages"
	Sandbox    Category = "sandbox"
	Exec       Category = "exec"
)

func validCategory(c Category) bool {
	switch c {
	case Network, Filesystem, Git, Packages, Sandbox, Exec:
		return true
	}
	return false
}

// Verdict is the outcome of evaluating a ruleset against a target.
type Verdict string

const (
	Allow     Verdict = "allow"
	Deny      Verdict = "deny"
	Unmatched Verdict = ""
)

// Rule is a parsed rule: a category plus the raw pattern string that
// produced it (not yet compiled — compilation happens lazily in Match so
// that a Rule value stays trivially comparable and JSON-serializable).
type Rule struct {
	Category Category
	Pattern  string
}

// String renders the rule back to its `category(pattern)` form.
func (r Rule) String() string {
	return fmt.Sprintf("%s(%s)", r.Category, r.Pattern)
}

// Parse accepts `category(pattern)` or a bare `category` (which parses as
// `category(*)`). It rejects unknown categories and empty patterns.
func Parse(rule string) (Rule, bool) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return Rule{}, false
	}

	open := strings.IndexByte(rule, '(')
	if open < 0 {
		cat := Category(rule)
		if !validCategory(cat) {
			return Rule{}, false
		}
		return Rule{Category: cat, Pattern: "*"}, true
	}

	if !strings.HasSuffix(rule, ")") {
		return Rule{}, false
	}
	cat := Category(rule[:open])
	if !validCategory(cat) {
		return Rule{}, false
	}
	pattern := rule[open+1 : len(rule)-1]
	if pattern == "" {
		return Rule{}, false
	}
	return Rule{Category: cat, Pattern: pattern}, true
}

// compile builds a glob matcher for pattern under category's matching
// flavor. filesystem patterns are path-aware: '*' matches one path segment,
// '**' crosses segments. Every other category uses a shell-style glob where
// '*' matches any run of characters, including '/' and spaces.
func compile(category Category, pattern string) (glob.Glob, error) {
	if category == Filesystem {
		return glob.Compile(pattern, '/')
	}
	return glob.Compile(pattern)
}

// Match reports whether target matches pattern under category's glob flavor.
// An uncompilable pattern never matches.
func Match(pattern, target string, category Category) bool {
	g, err := compile(category, pattern)
	if err != nil {
		return false
	}
	return g.Match(target)
}

// Ruleset is an ordered pair of allow/deny rule lists. Order is
// insertion order and is significant: within each list the first matching
// rule wins.
type Ruleset struct {
	Allow []Rule
	Deny  []Rule
}

// isBlanketHardened reports whether r is a blanket allow (`*` pattern) for
// one of the hardened categories (exec, packages). Such allow rules are
// never honored.
func isBlanketHardened(r Rule) bool {
	return (r.Category == Exec || r.Category == Packages) && r.Pattern == "*"
}

// Evaluate returns Deny if a deny rule matches (checked first, first match
// wins), Allow if an allow rule matches (checked second, first match wins,
// blanket exec/packages allows silently skipped), or Unmatched otherwise —
// the caller falls through to the category's mode.
func Evaluate(rs Ruleset, category Category, target string) Verdict {
	for _, r := range rs.Deny {
		if r.Category != category {
			continue
		}
		if Match(r.Pattern, target, category) {
			return Deny
		}
	}
	for _, r := range rs.Allow {
		if r.Category != category {
			continue
		}
		if isBlanketHardened(r) {
			continue
		}
		if Match(r.Pattern, target, category) {
			return Allow
		}
	}
	return Unmatched
}

// Generate derives an "always allow" rule string from an action, the way
// the control plane does when an operator approves with alwaysAllow=true.
func Generate(category Category, action string) string {
	switch category {
	case Network:
		host, ok := ExtractNetworkHost(action)
		if !ok || host == "" {
			return fmt.Sprintf("cat(%s)", action)
		}
		if isIPv4Literal(host) {
			return fmt.Sprintf("network(%s)", host)
		}
		labels := strings.Split(host, ".")
		if len(labels) <= 2 {
			return fmt.Sprintf("network(%s)", host)
		}
		return fmt.Sprintf("network(*.%s)", strings.Join(labels[len(labels)-2:], "."))

	case Filesystem:
		rest := strings.TrimPrefix(action, "sync ")
		dir := ""
		if idx := strings.LastIndexByte(rest, '/'); idx >= 0 {
			dir = rest[:idx]
		}
		if dir == "" {
			return fmt.Sprintf("filesystem(%s)", rest)
		}
		return fmt.Sprintf("filesystem(%s/*)", dir)

	case Git:
		branch := strings.TrimPrefix(action, "push ")
		return fmt.Sprintf("git(%s)", branch)

	case Exec, Packages, Sandbox:
		return fmt.Sprintf("%s(%s)", category, action)

	default:
		return fmt.Sprintf("cat(%s)", action)
	}
}

// MatchTarget derives the string a rule pattern is matched against from a
// recorded action, the inverse of the prefix-stripping Generate does. Used
// by the control plane to re-evaluate pending requests after a rule change
// (auto-resolve-matching).
func MatchTarget(category Category, action string) string {
	switch category {
	case Network:
		if host, ok := ExtractNetworkHost(action); ok {
			return host
		}
		return action
	case Filesystem:
		return strings.TrimPrefix(action, "sync ")
	case Git:
		return strings.TrimPrefix(action, "push ")
	default:
		return action
	}
}

func isIPv4Literal(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// ExtractNetworkHost pulls the host out of a proxy action string, handling
// both `CONNECT host[:port]` and `METHOD https?://host/...` forms.
func ExtractNetworkHost(action string) (string, bool) {
	action = strings.TrimSpace(action)
	fields := strings.SplitN(action, " ", 2)
	if len(fields) != 2 {
		return "", false
	}
	verb, rest := fields[0], fields[1]

	if strings.EqualFold(verb, "CONNECT") {
		host := rest
		if h, _, err := splitHostPort(host); err == nil {
			host = h
		}
		return host, host != ""
	}

	// METHOD https?://host/path...
	u, err := url.Parse(rest)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := u.Hostname()
	return host, host != ""
}

// splitHostPort is a small local helper so this package has no net import
// beyond net/url; it mirrors net.SplitHostPort's behavior for our narrow use.
func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return hostport, "", fmt.Errorf("missing port in address")
	}
	// Guard against bracketed IPv6 literals; not expected here but cheap to avoid mangling.
	if strings.Contains(hostport[idx+1:], "]") {
		return hostport, "", fmt.Errorf("invalid address")
	}
	return hostport[:idx], hostport[idx+1:], nil
}
