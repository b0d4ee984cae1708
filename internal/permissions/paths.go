package permissions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidatePath checks that path is readable (or writable) under the given
// sandbox directory per the profile's filesystem rules. Relative escapes are
// resolved before the containment check; symlinks are rejected unless the
// profile allows them.
func ValidatePath(p *Profile, sandboxDir, path string, write bool) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(sandboxDir, path)
	}
	resolved := filepath.Clean(path)

	if !p.Filesystem.AllowSymlinks {
		if fi, err := os.Lstat(resolved); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink access denied: %s", path)
		}
	}

	allowed := p.Filesystem.ReadPaths
	if write {
		allowed = p.Filesystem.WritePaths
	}
	for _, root := range allowed {
		if !filepath.IsAbs(root) {
			root = filepath.Join(sandboxDir, root)
		}
		root = filepath.Clean(root)
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return nil
		}
	}
	mode := "read"
	if write {
		mode = "write"
	}
	return fmt.Errorf("path outside permitted %s roots: %s", mode, path)
}
