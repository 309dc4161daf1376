package image

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sofmeright/stagecraft/src/rootfs"
)

// archiveExts are the base image archive suffixes tried, in order.
var archiveExts = []string{".tar", ".tar.gz", ".tgz", ".tar.zst"}

// LocalStore resolves references against directories laid out as
// <root>/<name>/<tag>/ (a rootfs tree) or <root>/<name>/<tag>.tar[.gz|.zst].
type LocalStore struct {
	Roots []string
}

// NewLocalStore creates a store searching roots in order.
func NewLocalStore(roots ...string) *LocalStore {
	return &LocalStore{Roots: roots}
}

func (s *LocalStore) Name() string { return "local" }

// Resolve looks the reference up in each root. Directory images are identified
// by their tree digest, archives by the digest of the archive file.
func (s *LocalStore) Resolve(ctx context.Context, ref Ref) (*Image, error) {
	for _, root := range s.Roots {
		base := filepath.Join(root, filepath.FromSlash(ref.Name), ref.Tag)

		if info, err := os.Stat(base); err == nil && info.IsDir() {
			d, err := rootfs.TreeDigest(base)
			if err != nil {
				return nil, err
			}
			dir := base
			return &Image{
				Ref:    ref,
				Digest: d,
				Source: s.Name(),
				Tree:   true,
				unpack: func(ctx context.Context, dst string) error {
					return rootfs.CopyTree(dir, dst)
				},
			}, nil
		}

		for _, ext := range archiveExts {
			path := base + ext
			if _, err := os.Stat(path); err != nil {
				continue
			}
			d, err := rootfs.FileDigest(path)
			if err != nil {
				return nil, err
			}
			archive := path
			return &Image{
				Ref:    ref,
				Digest: d,
				Source: s.Name(),
				unpack: func(ctx context.Context, dst string) error {
					_, err := rootfs.ExtractFile(archive, dst)
					return err
				},
			}, nil
		}
	}
	return nil, ErrNotFound
}
