package router

import "strings"

// IsStaticPath reports whether path has no named params, wildcards or
// regex constraints.
func IsStaticPath(path string) bool {
	return !strings.ContainsAny(path, ":*(")
}

// NormalizePath enforces a leading slash and, when ignoreTrailingSlash is
// set, drops a single trailing slash unless path is the root.
func NormalizePath(path string, ignoreTrailingSlash bool) string {
	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}
	if ignoreTrailingSlash {
		if n := len(path); n > 1 && path[n-1] == '/' {
			return path[:n-1]
		}
	}
	return path
}

// JoinPaths normalizes each non-empty part, concatenates them and
// normalizes the result.
func JoinPaths(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		p = NormalizePath(p, true)
		if p == "/" {
			continue
		}
		b.WriteString(p)
	}
	return NormalizePath(b.String(), true)
}

// collapseSlashes folds runs of '/' into one.
func collapseSlashes(path string) string {
	if !strings.Contains(path, "//") {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	prev := byte(0)
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' && prev == '/' {
			continue
		}
		b.WriteByte(c)
		prev = c
	}
	return b.String()
}

// splitSegments splits a normalized path (without its leading slash) on
// '/' outside of parentheses, so regex constraints may contain slashes.
func splitSegments(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	segs := make([]string, 0, strings.Count(path, "/")+1)
	depth, start := 0, 0
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '/':
			if depth == 0 {
				segs = append(segs, path[start:i])
				start = i + 1
			}
		}
	}
	return append(segs, path[start:])
}
