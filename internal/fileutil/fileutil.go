// Package fileutil provides filesystem helpers for confining client-supplied
// paths to a base directory.
package fileutil

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrForbiddenPath is returned when a path escapes the base directory.
var ErrForbiddenPath = errors.New("forbidden path")

// ResolveSafePath resolves rel (a slash-separated relative path) against base
// and returns the absolute path. It rejects:
//   - empty rel
//   - paths with a leading slash
//   - paths that escape base via ".." traversal or symlink
func ResolveSafePath(base, rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", ErrForbiddenPath
	}

	// filepath.Join cleans "..", so check the result still sits inside base.
	abs := filepath.Join(base, filepath.FromSlash(rel))
	cleanBase := filepath.Clean(base)
	if !within(abs, cleanBase) {
		return "", ErrForbiddenPath
	}

	// Resolve symlinks to defeat symlink-escape attacks.
	// If abs does not yet exist, walk up until we find an existing ancestor.
	resolved, err := resolveExisting(abs, cleanBase)
	if err != nil {
		return "", ErrForbiddenPath
	}
	realBase, err := filepath.EvalSymlinks(cleanBase)
	if err != nil {
		return "", ErrForbiddenPath
	}
	if !within(resolved, realBase) {
		return "", ErrForbiddenPath
	}
	return abs, nil
}

// VirtualRel maps a client path from a chrooted view (where "/" is the base
// directory) to a relative path. "/a/../b" and "b" both become "b"; the root
// itself becomes "".
func VirtualRel(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func within(p, base string) bool {
	return p == base || strings.HasPrefix(p, base+string(os.PathSeparator))
}

// resolveExisting walks up the path until it finds an existing ancestor, then
// evaluates symlinks on that ancestor. Returns the real path of the deepest
// existing component.
func resolveExisting(abs, base string) (string, error) {
	cur := abs
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			return filepath.EvalSymlinks(cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, base) {
			// Reached fs root or left base; anchor on base.
			return filepath.EvalSymlinks(base)
		}
		cur = parent
	}
}
