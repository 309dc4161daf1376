package rootfs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// TreeDigest computes a content digest of the directory tree at root.
// Entries are visited in lexical order; the digest covers relative paths,
// entry types, permission bits, file contents and symlink targets, but not
// timestamps or ownership, so identical trees built at different times match.
func TreeDigest(root string) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()

		switch {
		case mode.IsDir():
			fmt.Fprintf(h, "d %s %o\x00", rel, mode.Perm())
		case mode&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "l %s %s\x00", rel, link)
		case mode.IsRegular():
			fmt.Fprintf(h, "f %s %o %d\x00", rel, mode.Perm(), info.Size())
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("digesting %s: %w", root, err)
	}
	return d.Digest(), nil
}

// FileDigest computes the canonical digest of a single file.
func FileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}
