// SCAN checks keys against Redis style glob patterns after paging through the key space; the following module
// implements glob matching. Patterns support `*`, `?`, `[...]` classes negated with `[^...]` or `[!...]`,
// `{a,b}` alternatives and backslash escapes.

package scan

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher reports whether a key matches a compiled pattern.
type Matcher func(key string) bool

// CompileGlob compiles `pattern`; an empty pattern or "*" matches every key.
func CompileGlob(pattern string) (Matcher, error) {
	if pattern == "" || pattern == "*" {
		return func(string) bool { return true }, nil
	}
	compiled, err := glob.Compile(redisToGlob(pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	return compiled.Match, nil
}

// redisToGlob rewrites the Redis class negation `[^...]` into the `[!...]` form gobwas/glob understands.
func redisToGlob(pattern string) string {
	var sb strings.Builder
	sb.Grow(len(pattern))
	escaped, inClass := false, false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		sb.WriteByte(c)
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '[' && !inClass:
			inClass = true
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				sb.WriteByte('!')
				i++
			}
		case c == ']' && inClass:
			inClass = false
		}
	}
	return sb.String()
}
