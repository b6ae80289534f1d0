package diff

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter drops files whose path matches any of the doublestar globs
// (for example "vendor/**" or "**/*.min.js"). Rename sources are matched
// too so a file moved out of an excluded tree is still excluded. A nil or
// empty glob list returns the input unchanged.
func Filter(files []File, globs []string) ([]File, error) {
	if len(globs) == 0 {
		return files, nil
	}
	// Validate patterns up front so a config typo fails loudly instead of
	// silently matching nothing.
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid exclude pattern %q", g)
		}
	}

	kept := make([]File, 0, len(files))
	for _, f := range files {
		if matchesAny(f.Path, globs) || (f.OldPath != "" && matchesAny(f.OldPath, globs)) {
			continue
		}
		kept = append(kept, f)
	}
	return kept, nil
}

func matchesAny(path string, globs []string) bool {
	for _, g := range globs {
		// Patterns were validated; Match cannot fail here.
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}
