// Package matcher maps URLs to site rules. Matching is pure: global exclude
// patterns always win over includes so logout/compose/DM-style pages can be
// carved out of an otherwise site-wide rule.
package matcher

import (
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/timegateapp/timegate/internal/quota"
)

const compileCacheSize = 256

// Matcher compiles patterns on demand, memoized by pattern text.
type Matcher struct {
	cache *lru.Cache[string, *regexp.Regexp]
	mu    sync.Mutex
}

// New creates a matcher with an empty compilation cache.
func New() *Matcher {
	cache, err := lru.New[string, *regexp.Regexp](compileCacheSize)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &Matcher{cache: cache}
}

// Compile returns the compiled regexp for pattern, or ok=false on invalid
// syntax. It never panics. Patterns are either bare regexp bodies or
// /body/flags literals; the flags i, m and s map to the corresponding Go
// inline flags, anything else is ignored.
func (m *Matcher) Compile(pattern string) (*regexp.Regexp, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if re, ok := m.cache.Get(pattern); ok {
		return re, re != nil
	}

	re, err := regexp.Compile(normalizePattern(pattern))
	if err != nil {
		m.cache.Add(pattern, nil)
		return nil, false
	}
	m.cache.Add(pattern, re)
	return re, true
}

// FindInvalid filters patterns to the subset that fail to compile. Used for
// settings-form validation feedback.
func (m *Matcher) FindInvalid(patterns []string) []string {
	var invalid []string
	for _, pattern := range patterns {
		if _, ok := m.Compile(pattern); !ok {
			invalid = append(invalid, pattern)
		}
	}
	return invalid
}

// MatchRule resolves url to the first rule whose include patterns match,
// unless any global exclude pattern matches first. Returns nil when the url
// is not governed. Invalid patterns are skipped.
func (m *Matcher) MatchRule(url string, rules []quota.SiteRule, globalExcludes []string) *quota.SiteRule {
	for _, pattern := range globalExcludes {
		if re, ok := m.Compile(pattern); ok && re.MatchString(url) {
			return nil
		}
	}
	for i := range rules {
		for _, pattern := range rules[i].IncludePatterns {
			if re, ok := m.Compile(pattern); ok && re.MatchString(url) {
				return &rules[i]
			}
		}
	}
	return nil
}

// IsGoverned reports whether url matches a configured rule and is not
// globally excluded.
func (m *Matcher) IsGoverned(url string, rules []quota.SiteRule, globalExcludes []string) bool {
	return m.MatchRule(url, rules, globalExcludes) != nil
}

// normalizePattern converts a /body/flags literal to a bare Go pattern with
// inline flags. Bare patterns pass through unchanged.
func normalizePattern(pattern string) string {
	if len(pattern) < 2 || !strings.HasPrefix(pattern, "/") {
		return pattern
	}
	end := strings.LastIndex(pattern, "/")
	if end == 0 {
		return pattern
	}
	body := pattern[1:end]
	flags := pattern[end+1:]

	var inline strings.Builder
	for _, flag := range flags {
		switch flag {
		case 'i', 'm', 's':
			inline.WriteRune(flag)
		}
	}
	if inline.Len() == 0 {
		return body
	}
	return "(?" + inline.String() + ")" + body
}
