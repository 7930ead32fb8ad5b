package engine

import (
	"fmt"
	gopath "path"
	"strings"
)

// RootPath is the normalized path of a mount's root directory node.
const RootPath = "/"

// NormalizePath validates and canonicalizes a caller-supplied path.
// The result is always "/"-rooted with no trailing slash (except the root
// itself), no empty or dot segments, and no escape above the root.
func NormalizePath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(raw, '\x00') {
		return "", fmt.Errorf("%w: path contains NUL", ErrInvalidPath)
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	cleaned := gopath.Clean(raw)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	return cleaned, nil
}

// Depth returns the number of path segments. The mount root has depth 0,
// "/a" has depth 1, "/a/b" depth 2. Stored on nodes so ancestor chains can
// be ordered without re-parsing paths.
func Depth(path string) int {
	if path == RootPath {
		return 0
	}
	return strings.Count(path, "/")
}

// BaseName returns the last segment of a normalized path.
func BaseName(path string) string {
	if path == RootPath {
		return "/"
	}
	return gopath.Base(path)
}

// ParentPath returns the parent of a normalized path, or "/" for depth-1
// paths. The root has no parent; callers must not pass it.
func ParentPath(path string) string {
	return gopath.Dir(path)
}

// AncestorPaths returns every strict ancestor of path, nearest first,
// ending with the root. Returns nil for the root itself.
func AncestorPaths(path string) []string {
	if path == RootPath {
		return nil
	}
	var ancestors []string
	for p := ParentPath(path); ; p = ParentPath(p) {
		ancestors = append(ancestors, p)
		if p == RootPath {
			return ancestors
		}
	}
}

// IsPathWithin reports whether candidate equals root or sits below it.
func IsPathWithin(candidate, root string) bool {
	if root == RootPath {
		return true
	}
	return candidate == root || strings.HasPrefix(candidate, root+"/")
}

// RebasePath maps a path inside srcRoot to the same relative location under
// dstRoot. Both paths must be normalized and path must be within srcRoot.
func RebasePath(path, srcRoot, dstRoot string) string {
	if path == srcRoot {
		return dstRoot
	}
	return dstRoot + strings.TrimPrefix(path, srcRoot)
}
