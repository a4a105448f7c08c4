package scope

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Filter decides table participation from owner-qualified names (OWNER.TABLE)
type Filter interface {
	Match(owner, table string) bool
}

// GlobFilter matches owner-qualified table names against include and exclude
// glob patterns. Matching is case-insensitive. An empty include list admits
// every table; an exclude match always wins.
type GlobFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewGlobFilter compiles include and exclude patterns such as "SCOTT.*" or "*.AUDIT_*"
func NewGlobFilter(include, exclude []string) (*GlobFilter, error) {
	inc, err := compilePatterns(include)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	exc, err := compilePatterns(exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	return &GlobFilter{include: inc, exclude: exc}, nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		// A bare owner means every table of that owner
		if !strings.Contains(pattern, ".") {
			pattern += ".*"
		}
		g, err := glob.Compile(strings.ToUpper(pattern))
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns true if OWNER.TABLE is included and not excluded
func (f *GlobFilter) Match(owner, table string) bool {
	name := strings.ToUpper(owner + "." + table)

	for _, g := range f.exclude {
		if g.Match(name) {
			return false
		}
	}

	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(name) {
			return true
		}
	}
	return false
}
