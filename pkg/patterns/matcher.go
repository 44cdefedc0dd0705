// Package patterns implements the glob/regex key matching used by C4's
// DeletePattern, which backs C7's InvalidatePattern.
//
// Consolidated from two overlapping matchers the source carried (a
// PatternMatcher type and a second, duplicate set of free functions) into
// one canonical implementation. The PatternMatcher shape is kept because
// it amortizes regex compilation across repeated invalidations against the
// same pattern, which the free-function version did not do.
package patterns

import (
	"errors"
	"regexp"
	"strings"
	"sync"
)

// Matcher provides key matching with regex-compilation caching.
//
// Supported patterns:
//   - Exact: "user:123" matches only "user:123"
//   - Prefix wildcard: "user:*" matches "user:123", "user:456", etc.
//   - Suffix wildcard: "*:profile" matches "user:profile", "product:profile"
//   - Contains: "*:123:*" matches any key containing ":123:"
//   - Regex: "user:[0-9]+" matches "user:123", "user:456"
type Matcher struct {
	regexCache sync.Map // map[string]*regexp.Regexp
}

// New creates a matcher with an empty regex cache.
func New() *Matcher {
	return &Matcher{}
}

// Match returns all keys matching pattern.
func (m *Matcher) Match(pattern string, keys []string) []string {
	if pattern == "" {
		return nil
	}

	if !IsWildcard(pattern) && !IsRegex(pattern) {
		for _, key := range keys {
			if key == pattern {
				return []string{key}
			}
		}
		return nil
	}

	if IsWildcard(pattern) {
		return m.matchWildcard(pattern, keys)
	}
	return m.matchRegex(pattern, keys)
}

// IsWildcard reports whether pattern contains a wildcard character.
func IsWildcard(pattern string) bool {
	return strings.Contains(pattern, "*")
}

// IsRegex reports whether pattern looks like a regex.
func IsRegex(pattern string) bool {
	for _, ch := range []string{"[", "]", "(", ")", "^", "$", "+", "?", "{", "}", "|"} {
		if strings.Contains(pattern, ch) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchWildcard(pattern string, keys []string) []string {
	if pattern == "*" {
		return keys
	}

	var matches []string
	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		substring := strings.Trim(pattern, "*")
		for _, key := range keys {
			if strings.Contains(key, substring) {
				matches = append(matches, key)
			}
		}
	case strings.HasPrefix(pattern, "*"):
		suffix := strings.TrimPrefix(pattern, "*")
		for _, key := range keys {
			if strings.HasSuffix(key, suffix) {
				matches = append(matches, key)
			}
		}
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		for _, key := range keys {
			if strings.HasPrefix(key, prefix) {
				matches = append(matches, key)
			}
		}
	default:
		return m.matchRegex(wildcardToRegex(pattern), keys)
	}
	return matches
}

func (m *Matcher) matchRegex(pattern string, keys []string) []string {
	var re *regexp.Regexp
	if cached, ok := m.regexCache.Load(pattern); ok {
		re = cached.(*regexp.Regexp)
	} else {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil
		}
		m.regexCache.Store(pattern, re)
	}

	var matches []string
	for _, key := range keys {
		if re.MatchString(key) {
			matches = append(matches, key)
		}
	}
	return matches
}

func wildcardToRegex(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, "\\*", ".*")
	return "^" + escaped + "$"
}

// Validate checks that pattern is safe to compile/evaluate.
func (m *Matcher) Validate(pattern string) error {
	if pattern == "" {
		return nil
	}
	if len(pattern) > 1000 {
		return errors.New("patterns: pattern too long, potential DoS")
	}
	if IsRegex(pattern) {
		_, err := regexp.Compile(pattern)
		return err
	}
	return nil
}

// ClearCache drops all cached regex compilations.
func (m *Matcher) ClearCache() {
	m.regexCache = sync.Map{}
}
