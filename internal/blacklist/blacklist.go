// Package blacklist decides whether a cache filename must never be
// written to disk.
//
// Wildcard patterns (containing '*') compile to a case-insensitive
// substring-search regexp; plain patterns are a case-insensitive substring
// containment check. This mirrors the spec's literal translation rule —
// deliberately not github.com/gobwas/glob, whose anchored whole-string
// match and richer wildcard grammar would change which filenames match.
package blacklist

import (
	"regexp"
	"strings"
	"sync"
)

// Matcher holds an immutable snapshot of compiled patterns, swapped
// atomically by writers under a dedicated mutex. Readers never block each
// other or writers for longer than a slice-reference copy.
type Matcher struct {
	mu       sync.RWMutex
	snapshot []compiled
}

type compiled struct {
	pattern string
	re      *regexp.Regexp // nil for plain substring patterns
}

// New returns an empty Matcher.
func New() *Matcher {
	return &Matcher{}
}

// Load replaces the matcher's snapshot wholesale. Malformed patterns are
// silently skipped rather than failing the whole load.
func (m *Matcher) Load(patterns []string) {
	next := make([]compiled, 0, len(patterns))
	for _, p := range patterns {
		c, ok := compile(p)
		if !ok {
			continue
		}
		next = append(next, c)
	}

	m.mu.Lock()
	m.snapshot = next
	m.mu.Unlock()
}

// Patterns returns a copy of the currently loaded pattern strings.
func (m *Matcher) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.snapshot))
	for i, c := range m.snapshot {
		out[i] = c.pattern
	}
	return out
}

// IsBlacklisted reports whether filename matches any loaded pattern.
func (m *Matcher) IsBlacklisted(filename string) bool {
	m.mu.RLock()
	snapshot := m.snapshot
	m.mu.RUnlock()

	for _, c := range snapshot {
		if c.re != nil {
			if c.re.MatchString(filename) {
				return true
			}
			continue
		}
		if strings.Contains(strings.ToLower(filename), strings.ToLower(c.pattern)) {
			return true
		}
	}
	return false
}

var dotEscaper = strings.NewReplacer(".", `\.`)

func compile(pattern string) (compiled, bool) {
	if !strings.Contains(pattern, "*") {
		return compiled{pattern: pattern}, true
	}

	expr := strings.ReplaceAll(dotEscaper.Replace(pattern), "*", ".*")
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return compiled{}, false
	}
	return compiled{pattern: pattern, re: re}, true
}
