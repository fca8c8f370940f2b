package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const maxIncludeDepth = 10

// processIncludes merges the files listed under "includes" into tree and
// returns the result. Included files are applied in order; the including file
// is applied last so its own keys win. basePath is the directory of the file
// that holds the includes; visited tracks absolute paths to detect cycles.
func processIncludes(tree map[string]any, basePath string, visited map[string]bool, depth int) (map[string]any, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	if visited == nil {
		visited = make(map[string]bool)
	}

	merged := map[string]any{}
	for _, pattern := range StringSlice(tree, "includes") {
		paths, err := resolveIncludePaths(pattern, basePath)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return nil, fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if visited[abs] {
				return nil, fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			visited[abs] = true

			included, err := readInclude(abs, visited, depth+1)
			if err != nil {
				return nil, err
			}
			merged = mergeTrees(merged, included)
		}
	}

	own := Clone(tree)
	delete(own, "includes")
	return mergeTrees(merged, own), nil
}

// resolveIncludePaths resolves a pattern (which may contain globs) relative to baseDir.
// It validates that the resolved path does not escape baseDir.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	rel, err := filepath.Rel(baseDir, pattern)
	if err == nil && len(rel) >= 2 && rel[:2] == ".." {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		// A literal path that does not exist is reported by readInclude.
		if !hasMeta(pattern) {
			return []string{pattern}, nil
		}
		return nil, nil
	}
	return matches, nil
}

// hasMeta reports whether the pattern contains any glob metacharacters.
func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// readInclude parses one included file and resolves its own includes.
func readInclude(path string, visited map[string]bool, depth int) (map[string]any, error) {
	if err := validatePermissions(path); err != nil {
		return nil, fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config includes: read %q: %w", path, err)
	}
	parsed, err := Parse(FormatFor(path), data)
	if err != nil {
		return nil, fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if parsed == nil {
		return map[string]any{}, nil
	}
	tree, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config includes: %q must contain an object", path)
	}
	if len(StringSlice(tree, "includes")) == 0 {
		return tree, nil
	}
	return processIncludes(tree, filepath.Dir(path), visited, depth)
}

// mergeTrees overlays b onto a. Objects merge recursively, everything else
// in b replaces a. Unlike MergePatch, null in b is kept as a value.
func mergeTrees(a, b map[string]any) map[string]any {
	out := Clone(a)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range b {
		if bv, ok := v.(map[string]any); ok {
			if av, ok := out[k].(map[string]any); ok {
				out[k] = mergeTrees(av, bv)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}
