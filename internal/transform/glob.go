package transform

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// splitPatterns separates include patterns from "!" exclusions.
func splitPatterns(patterns []string) (include, exclude []string) {
	for _, p := range patterns {
		if strings.HasPrefix(p, "!") {
			exclude = append(exclude, cleanPattern(p[1:]))
			continue
		}
		include = append(include, cleanPattern(p))
	}
	return include, exclude
}

func cleanPattern(p string) string {
	p = strings.TrimPrefix(p, "./")
	return path.Clean(p)
}

// Match reports whether rel, a slash separated path relative to the project
// root, is selected: it must match an include pattern and no exclusion.
func Match(patterns []string, rel string) bool {
	include, exclude := splitPatterns(patterns)
	included := false
	for _, p := range include {
		if ok, _ := doublestar.Match(p, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	return true
}

// Glob expands patterns against root and returns the matched files as sorted
// slash separated paths relative to root.
func Glob(root string, patterns []string) ([]string, error) {
	include, exclude := splitPatterns(patterns)
	fsys := os.DirFS(root)
	seen := make(map[string]bool)
	var out []string
	for _, p := range include {
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", p, err)
		}
	next:
		for _, m := range matches {
			if seen[m] {
				continue
			}
			for _, x := range exclude {
				if ok, _ := doublestar.Match(x, m); ok {
					continue next
				}
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// BaseOf returns the static directory prefix of a pattern, "" for the root.
func BaseOf(pattern string) string {
	base, _ := doublestar.SplitPattern(cleanPattern(strings.TrimPrefix(pattern, "!")))
	if base == "." {
		return ""
	}
	return base
}

// WatchRoots returns the distinct static prefixes of the include patterns.
func WatchRoots(patterns []string) []string {
	include, _ := splitPatterns(patterns)
	seen := make(map[string]bool)
	var roots []string
	for _, p := range include {
		b := BaseOf(p)
		if !seen[b] {
			seen[b] = true
			roots = append(roots, b)
		}
	}
	sort.Strings(roots)
	return roots
}
