package build

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/opencontainers/go-digest"

	"github.com/sofmeright/stagecraft/src/rootfs"
)

const stageCacheVersion = "2"

// StageCache stores finished stage filesystems keyed by everything that
// determines their content.
type StageCache struct {
	Dir string
}

// NewStageCache creates a cache rooted at dir.
func NewStageCache(dir string) *StageCache {
	return &StageCache{Dir: dir}
}

type stageEntry struct {
	Stage  string        `json:"stage"`
	Base   digest.Digest `json:"base"`
	Digest digest.Digest `json:"digest"`
}

// CachedStage is a stored stage filesystem.
type CachedStage struct {
	Dir        string
	BaseDigest digest.Digest
	Digest     digest.Digest
}

// Key computes a cache key from the ordered key parts.
func (c *StageCache) Key(parts []string) string {
	d := digest.Canonical.Digester()
	h := d.Hash()
	h.Write([]byte(stageCacheVersion))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return d.Digest().Encoded()
}

// Get returns the cached rootfs directory with its base and final digests.
func (c *StageCache) Get(key string) (*CachedStage, bool) {
	dir := c.path(key)
	data, err := os.ReadFile(filepath.Join(dir, "entry.json"))
	if err != nil {
		return nil, false
	}
	var e stageEntry
	if err := json.Unmarshal(data, &e); err != nil || e.Digest.Validate() != nil || e.Base.Validate() != nil {
		return nil, false
	}
	return &CachedStage{Dir: filepath.Join(dir, "rootfs"), BaseDigest: e.Base, Digest: e.Digest}, true
}

// Put stores a copy of the tree at src. Entries are assembled in a temporary
// directory and renamed into place; an existing entry is left as is.
func (c *StageCache) Put(key, stage, src string, base, d digest.Digest) error {
	final := c.path(key)
	if _, err := os.Stat(final); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(final), ".put-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := rootfs.CopyTree(src, filepath.Join(tmp, "rootfs")); err != nil {
		return err
	}
	data, err := json.Marshal(stageEntry{Stage: stage, Base: base, Digest: d})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, "entry.json"), data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		// Lost a race with another writer; theirs is equivalent.
		if errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOTEMPTY) {
			return nil
		}
		return err
	}
	return nil
}

// Prune removes every cached stage.
func (c *StageCache) Prune() error {
	return os.RemoveAll(c.Dir)
}

// path returns the directory for a cache key.
// Uses 2-char prefix subdirectory to avoid huge flat directories.
func (c *StageCache) path(key string) string {
	return filepath.Join(c.Dir, key[:2], key)
}
