package pkgmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/sofmeright/stagecraft/src/fetch"
)

// Cache is a download cache of package archives keyed by their sha256.
// Within a process, concurrent requests for the same key share one download;
// across processes an advisory lock file serializes writers. Entries only
// appear under their final name after their checksum has been verified.
type Cache struct {
	Dir    string
	Client *fetch.Client

	group singleflight.Group
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string, client *fetch.Client) *Cache {
	return &Cache{Dir: dir, Client: client}
}

// Path returns where the archive with the given sha256 is stored.
// Uses 2-char prefix subdirectory to avoid huge flat directories.
func (c *Cache) Path(sum string) string {
	return filepath.Join(c.Dir, sum[:2], sum)
}

// Get returns the local path of the archive with checksum sum, downloading
// it from rawURL when it is not cached yet. An empty sum skips verification
// and caching (unpinned direct URLs in relaxed mode).
func (c *Cache) Get(ctx context.Context, sum, rawURL string) (path string, hit bool, err error) {
	if sum == "" {
		return c.fetchUnpinned(ctx, rawURL)
	}
	final := c.Path(sum)
	if _, err := os.Stat(final); err == nil {
		return final, true, nil
	}

	v, err, _ := c.group.Do(sum, func() (any, error) {
		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
		unlock, err := lockFile(final + ".lock")
		if err != nil {
			return nil, fmt.Errorf("locking cache entry: %w", err)
		}
		defer unlock()

		// Another process may have finished the download while we waited.
		if _, err := os.Stat(final); err == nil {
			return true, nil
		}
		return false, c.download(ctx, sum, rawURL, final)
	})
	if err != nil {
		return "", false, err
	}
	return final, v.(bool), nil
}

func (c *Cache) download(ctx context.Context, sum, rawURL, final string) error {
	tmp, err := os.CreateTemp(filepath.Dir(final), ".dl-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := c.Client.File(ctx, rawURL, tmpName); err != nil {
		return err
	}
	got, err := fileSHA256(tmpName)
	if err != nil {
		return err
	}
	if got != sum {
		return &ChecksumError{Want: sum, Got: got}
	}
	return os.Rename(tmpName, final)
}

func (c *Cache) fetchUnpinned(ctx context.Context, rawURL string) (string, bool, error) {
	dir := filepath.Join(c.Dir, "unpinned")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}
	tmp, err := os.CreateTemp(dir, "pkg-*")
	if err != nil {
		return "", false, err
	}
	tmp.Close()
	if err := c.Client.File(ctx, rawURL, tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return "", false, err
	}
	return tmp.Name(), false, nil
}

// Prune removes every cached archive.
func (c *Cache) Prune() error {
	return os.RemoveAll(c.Dir)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
