package manifest

import (
	"fmt"

	"github.com/gobwas/glob"
)

// CompileExcludes turns glob patterns over binary class names into a
// matcher. '/' separates name segments, so "app/internal/*" matches only
// direct members of the package while "app/**" matches everything below.
// A nil matcher is returned when there are no patterns.
func CompileExcludes(patterns []string) (func(className string) bool, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return func(className string) bool {
		for _, g := range globs {
			if g.Match(className) {
				return true
			}
		}
		return false
	}, nil
}
