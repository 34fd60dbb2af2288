package transport

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a requested path would resolve outside
// the configured filesystem root, including via a symlink.
var ErrPathTraversal = errors.New("path escapes filesystem root")

// resolveWithinRoot maps a request path to a local filesystem path under
// root, rejecting traversal via "..", absolute overrides, or symlinks that
// point outside root. Adapted from FileCrusher's internal/fsutil.ResolveWithinRoot
// for the Filesystem backend mode (SPEC_FULL.md §11).
func resolveWithinRoot(root, userPath string) (string, error) {
	if root == "" {
		return "", errors.New("filesystem root is required")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootAbs = filepath.Clean(rootAbs)

	p := strings.TrimLeft(userPath, "/\\")
	localRel := filepath.FromSlash(p)
	joined := filepath.Clean(filepath.Join(rootAbs, localRel))

	if !isWithin(rootAbs, joined) {
		return "", ErrPathTraversal
	}
	if hasSymlinkComponent(rootAbs, joined) {
		return "", ErrPathTraversal
	}

	existing := nearestExisting(joined)
	if existing != "" {
		resolved, err := filepath.EvalSymlinks(existing)
		if err != nil {
			return "", err
		}
		if !isWithin(rootAbs, filepath.Clean(resolved)) {
			return "", ErrPathTraversal
		}
	}
	return joined, nil
}

func hasSymlinkComponent(rootAbs, fullPath string) bool {
	rootAbs = filepath.Clean(rootAbs)
	fullPath = filepath.Clean(fullPath)
	if !isWithin(rootAbs, fullPath) {
		return true
	}
	rel, err := filepath.Rel(rootAbs, fullPath)
	if err != nil {
		return true
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return false
	}
	cur := rootAbs
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		st, err := os.Lstat(cur)
		if err != nil {
			return false
		}
		if st.Mode()&os.ModeSymlink != 0 {
			return true
		}
	}
	return false
}

func isWithin(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}

func nearestExisting(p string) string {
	cur := p
	for {
		if _, err := os.Lstat(cur); err == nil {
			return cur
		} else if !os.IsNotExist(err) {
			return ""
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}
