package gate

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
)

// DefaultPublicPatterns are reachable without a session when no valid list
// is configured.
var DefaultPublicPatterns = []string{"/favicon.ico", "/robots.txt"}

var ErrMalformedPattern = errors.New("malformed public path pattern")

type prefix struct {
	base     string
	wildcard bool
}

// PublicPaths is an immutable set of path patterns that bypass
// authentication. A pattern "/base" or "/base/*" matches "/base" and every
// path below "/base/". The pattern "/" matches only the root.
type PublicPaths struct {
	patterns []string
	prefixes []prefix
}

// ParsePublicPaths validates every pattern. A pattern is malformed if it is
// empty, does not start with "/", or contains "*" other than as a trailing
// "/*".
func ParsePublicPaths(patterns []string) (*PublicPaths, error) {
	p := &PublicPaths{}
	for _, raw := range patterns {
		pat := strings.TrimSpace(raw)
		if pat == "" || !strings.HasPrefix(pat, "/") {
			return nil, fmt.Errorf("%w: %q", ErrMalformedPattern, raw)
		}
		base, wildcard := strings.CutSuffix(pat, "/*")
		if strings.Contains(base, "*") {
			return nil, fmt.Errorf("%w: %q", ErrMalformedPattern, raw)
		}
		if base == "" {
			base = "/"
		}
		base = path.Clean(base)
		p.patterns = append(p.patterns, pat)
		p.prefixes = append(p.prefixes, prefix{base: base, wildcard: wildcard})
	}
	return p, nil
}

// ParsePublicPathsOrDefault is ParsePublicPaths with the fallback policy: any
// malformed entry discards the whole list in favour of the defaults. The
// returned error, if any, describes why the fallback happened.
func ParsePublicPathsOrDefault(patterns []string) (*PublicPaths, error) {
	p, err := ParsePublicPaths(patterns)
	if err != nil {
		return DefaultPublicPaths(), err
	}
	return p, nil
}

func DefaultPublicPaths() *PublicPaths {
	p, _ := ParsePublicPaths(DefaultPublicPatterns)
	return p
}

// Match reports whether the cleaned path p is public.
func (pp *PublicPaths) Match(p string) bool {
	if pp == nil {
		return false
	}
	for _, pre := range pp.prefixes {
		if p == pre.base {
			return true
		}
		if pre.base == "/" {
			if pre.wildcard {
				return true
			}
			continue
		}
		if strings.HasPrefix(p, pre.base+"/") {
			return true
		}
	}
	return false
}

// Patterns returns the patterns as configured.
func (pp *PublicPaths) Patterns() []string {
	if pp == nil {
		return nil
	}
	return slices.Clone(pp.patterns)
}
