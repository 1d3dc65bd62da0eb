package retrieval

import (
	"regexp"
	"strings"
	"sync"
)

// globCache compiles repository-scope globs once. `*` matches within a path
// segment and `**` matches across segments.
type globCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

func newGlobCache() *globCache {
	return &globCache{compiled: make(map[string]*regexp.Regexp)}
}

// Match reports whether path matches pattern.
func (c *globCache) Match(pattern, path string) bool {
	return c.get(pattern).MatchString(path)
}

func (c *globCache) get(pattern string) *regexp.Regexp {
	c.mu.RLock()
	re, ok := c.compiled[pattern]
	c.mu.RUnlock()
	if ok {
		return re
	}

	re = regexp.MustCompile(globToRegexp(pattern))
	c.mu.Lock()
	c.compiled[pattern] = re
	c.mu.Unlock()
	return re
}

// Len returns the number of cached patterns.
func (c *globCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiled)
}

// globToRegexp translates a glob into an anchored regular expression.
// Every non-wildcard rune is quoted, so the result always compiles.
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); {
		switch {
		case strings.HasPrefix(glob[i:], "**/"):
			// "a/**/b" also matches "a/b"
			b.WriteString("(?:.*/)?")
			i += 3
		case strings.HasPrefix(glob[i:], "**"):
			b.WriteString(".*")
			i += 2
		case glob[i] == '*':
			b.WriteString("[^/]*")
			i++
		default:
			j := i + 1
			for j < len(glob) && glob[j] != '*' {
				j++
			}
			b.WriteString(regexp.QuoteMeta(glob[i:j]))
			i = j
		}
	}
	b.WriteString("$")
	return b.String()
}
