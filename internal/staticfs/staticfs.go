// Package staticfs implements the path-traversal-safe canonicalization
// rule the optional HTTP static-asset boundary would rely on. The asset
// server itself ships no files; this package exists so the boundary's
// contract is exercised even though nothing mounts it yet.
package staticfs

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when the requested path would resolve
// outside root after cleaning.
var ErrOutsideRoot = errors.New("staticfs: path escapes root")

// Resolve joins a request path onto root and returns the cleaned absolute
// path, rejecting any request that would escape root via "..", an
// absolute override, or a symlink-oblivious traversal. Callers still own
// resolving real symlinks (os.Lstat/EvalSymlinks) before opening the file.
func Resolve(root, requestPath string) (string, error) {
	cleanRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", err
	}
	// filepath.Join already Cleans, collapsing any ".." that would
	// otherwise climb above root once joined.
	joined := filepath.Join(cleanRoot, filepath.FromSlash(requestPath))
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return joined, nil
}

// IsSafeAbsPath reports whether p is an absolute path that cleaning
// leaves unchanged (aside from a trailing separator). The empty string is
// accepted. Nothing outside this package's tests calls it.
func IsSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	sep := string(filepath.Separator)
	trimmed := strings.TrimRight(p, sep)
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}
