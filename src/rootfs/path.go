// Package rootfs holds the filesystem primitives shared by stages, the package
// installer and the validator: rootfs-confined path resolution, tree copies that
// preserve modes and symlinks, content digests, and deterministic tar archives.
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Join resolves an image path (e.g. "/usr/local/bin/app") inside root.
// Symlinks are evaluated as if root were "/", so the result never escapes root.
func Join(root, p string) (string, error) {
	resolved, err := securejoin.SecureJoin(root, p)
	if err != nil {
		return "", fmt.Errorf("resolving %s inside %s: %w", p, root, err)
	}
	return resolved, nil
}

// Clean normalizes an image path to its absolute, slash-separated form.
func Clean(p string) string {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// Exists reports whether the image path p exists inside root (without following
// a final symlink).
func Exists(root, p string) bool {
	full, err := joinParent(root, p)
	if err != nil {
		return false
	}
	_, err = os.Lstat(full)
	return err == nil
}

// joinParent resolves the parent directory of p securely but keeps the final
// element unresolved, so symlinks themselves can be inspected or replaced.
func joinParent(root, p string) (string, error) {
	p = Clean(p)
	if p == "/" {
		return root, nil
	}
	dir, err := Join(root, filepath.Dir(p))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(p)), nil
}

// Lstat stats the image path p inside root without following a final symlink.
func Lstat(root, p string) (os.FileInfo, error) {
	full, err := joinParent(root, p)
	if err != nil {
		return nil, err
	}
	return os.Lstat(full)
}

// HostPath returns the host location of image path p without following a final
// symlink. Intermediate symlinks are resolved inside root.
func HostPath(root, p string) (string, error) {
	return joinParent(root, p)
}
