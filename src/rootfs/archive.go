package rootfs

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// epoch is stamped on every archived entry so archives are reproducible.
var epoch = time.Unix(0, 0).UTC()

// Decompress wraps r with the decompressor matching its magic bytes.
// Uncompressed tar streams are returned as-is.
func Decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := pgzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return zr, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(br), nil
	}
}

// ExtractFile extracts the (optionally compressed) tar archive at path into root.
func ExtractFile(path, root string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Extract(f, root)
}

// Extract unpacks an (optionally compressed) tar stream into root and returns
// the sorted image paths of the non-directory entries it wrote. Every entry is
// resolved inside root; hard links are materialized as copies.
func Extract(r io.Reader, root string) ([]string, error) {
	dr, err := Decompress(r)
	if err != nil {
		return nil, err
	}
	defer dr.Close()

	var written []string
	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}

		name := Clean(hdr.Name)
		if name == "/" {
			continue
		}
		target, err := HostPath(root, name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		mode := fs.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
			if err := os.Chmod(target, mode); err != nil {
				return nil, err
			}
			continue

		case tar.TypeReg:
			if err := removeNonDir(target); err != nil {
				return nil, err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return nil, err
			}
			if err := out.Close(); err != nil {
				return nil, err
			}
			if err := os.Chmod(target, mode); err != nil {
				return nil, err
			}

		case tar.TypeSymlink:
			if err := removeNonDir(target); err != nil {
				return nil, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, err
			}

		case tar.TypeLink:
			src, err := HostPath(root, Clean(hdr.Linkname))
			if err != nil {
				return nil, err
			}
			if err := removeNonDir(target); err != nil {
				return nil, err
			}
			if err := copyFile(src, target, mode); err != nil {
				return nil, fmt.Errorf("materializing hard link %s: %w", name, err)
			}

		default:
			continue
		}
		written = append(written, name)
	}

	sort.Strings(written)
	return written, nil
}

// WriteTar writes the tree at root to w as a deterministic tar stream:
// entries in lexical order, timestamps pinned to the epoch, owners zeroed.
func WriteTar(root string, w io.Writer) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
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

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}
		hdr.ModTime = epoch
		hdr.AccessTime = time.Time{}
		hdr.ChangeTime = time.Time{}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		hdr.Format = tar.FormatPAX

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", root, err)
	}
	return tw.Close()
}

// WriteTarGz writes the tree at root as a gzip-compressed deterministic tar file.
func WriteTarGz(root, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	zw := pgzip.NewWriter(f)
	if err := WriteTar(root, zw); err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
