package lint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const engineVersion = "1"

// CacheableModule is implemented by file modules whose findings depend only
// on file content, so results can be reused across images.
type CacheableModule interface {
	Cacheable() bool
}

// Cache provides content-addressed validation result caching.
type Cache struct {
	Dir string
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{Dir: dir}
}

type cacheEntry struct {
	Findings []Finding `json:"findings"`
}

// Key computes a cache key from file content and module name.
func (c *Cache) Key(content []byte, moduleName string) string {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte(moduleName))
	h.Write([]byte(engineVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves cached findings. Returns nil, false on cache miss.
func (c *Cache) Get(key string) ([]Finding, bool) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return entry.Findings, true
}

// Put stores findings in the cache.
func (c *Cache) Put(key string, findings []Finding) error {
	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	data, err := json.Marshal(cacheEntry{Findings: findings})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Clear removes the entire cache directory.
func (c *Cache) Clear() error {
	return os.RemoveAll(c.Dir)
}

// path returns the filesystem path for a cache key.
// Uses 2-char prefix subdirectory to avoid huge flat directories.
func (c *Cache) path(key string) string {
	return filepath.Join(c.Dir, key[:2], key+".json")
}
