package rootfs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// CopyTree copies src (a file, symlink or directory on the host) to dst (a
// host path). Directories are merged into dst: existing entries are overwritten,
// unrelated entries are kept. Modes and symlink targets are preserved; ownership
// is not.
func CopyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return copyEntry(src, dst, info)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyEntry(path, target, info)
	})
}

// copyEntry materializes a single entry at target.
func copyEntry(path, target string, info fs.FileInfo) error {
	mode := info.Mode()

	switch {
	case mode.IsDir():
		if existing, err := os.Lstat(target); err == nil && !existing.IsDir() {
			if err := os.Remove(target); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		return os.Chmod(target, mode.Perm())

	case mode&fs.ModeSymlink != 0:
		link, err := os.Readlink(path)
		if err != nil {
			return err
		}
		if err := removeNonDir(target); err != nil {
			return err
		}
		return os.Symlink(link, target)

	case mode.IsRegular():
		if err := removeNonDir(target); err != nil {
			return err
		}
		return copyFile(path, target, mode.Perm())

	default:
		// Devices, sockets and fifos have no place in a built image tree.
		return nil
	}
}

func removeNonDir(target string) error {
	existing, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if existing.IsDir() {
		return fmt.Errorf("cannot replace directory %s with a file", target)
	}
	return os.Remove(target)
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile honours the umask; restore the exact source bits.
	return os.Chmod(dst, perm)
}

// CopyInto copies the image path srcPath of srcRoot to the image path dstPath
// of dstRoot. Both sides are resolved inside their roots.
func CopyInto(srcRoot, srcPath, dstRoot, dstPath string) error {
	src, err := HostPath(srcRoot, srcPath)
	if err != nil {
		return err
	}
	return MergeInto(src, dstRoot, dstPath)
}

// MergeInto copies the host path src to the image path p of root. Unlike
// CopyTree every destination entry is resolved inside root, so a directory
// merged onto a symlink to a directory (/bin -> usr/bin) lands in the link
// target and the link is kept.
func MergeInto(src, root, p string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	p = Clean(p)
	if !info.IsDir() {
		target, err := HostPath(root, p)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return copyEntry(src, target, info)
	}

	return filepath.WalkDir(src, func(hostPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, hostPath)
		if err != nil {
			return err
		}
		imagePath := path.Join(p, filepath.ToSlash(rel))
		target, err := HostPath(root, imagePath)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.IsDir() && linksToDir(root, imagePath, target) {
			return nil
		}
		return copyEntry(hostPath, target, info)
	})
}

// linksToDir reports whether target is a symlink whose destination, resolved
// inside root, is a directory.
func linksToDir(root, imagePath, target string) bool {
	existing, err := os.Lstat(target)
	if err != nil || existing.Mode()&fs.ModeSymlink == 0 {
		return false
	}
	resolved, err := Join(root, imagePath)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && info.IsDir()
}
