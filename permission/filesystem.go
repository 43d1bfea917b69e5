package permission

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CheckFilesystem reports whether the plugin may access the given path with
// the given mode. The request path is normalized first; any path carrying a
// parent-directory traversal segment is denied outright, regardless of what
// the set grants.
func (s *Set) CheckFilesystem(path string, mode FileMode) Decision {
	if s == nil || len(s.Filesystem) == 0 {
		return deny("no filesystem access granted")
	}
	if mode != ModeRead && mode != ModeWrite && mode != ModeReadWrite {
		return deny(fmt.Sprintf("unknown access mode %q", mode))
	}
	if hasTraversal(path) {
		return deny("path contains a parent-directory traversal segment")
	}

	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		return deny("path must be absolute")
	}

	for _, g := range s.Filesystem {
		grantPath := filepath.Clean(g.Path)
		if !pathWithin(cleaned, grantPath) {
			continue
		}
		if modeSatisfies(g.Mode, mode) {
			return allow()
		}
		return deny(fmt.Sprintf("path %s granted %s, requested %s", grantPath, g.Mode, mode))
	}
	return deny(fmt.Sprintf("path %s matches no filesystem grant", cleaned))
}

// hasTraversal reports whether any segment of the raw path is "..".
func hasTraversal(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// pathWithin reports whether p equals root or lies underneath it.
func pathWithin(p, root string) bool {
	if p == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// modeSatisfies reports whether a granted mode covers a requested mode.
// readwrite satisfies everything; read and write only satisfy themselves.
func modeSatisfies(granted, requested FileMode) bool {
	if granted == ModeReadWrite {
		return true
	}
	if requested == ModeReadWrite {
		return false
	}
	return granted == requested
}
