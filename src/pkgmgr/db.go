package pkgmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/sofmeright/stagecraft/src/rootfs"
)

// DBPath is where the installed-package manifest lives inside a rootfs.
const DBPath = "/var/lib/stagecraft/packages.json"

// Installed records one package applied to a rootfs.
type Installed struct {
	Name       string   `json:"name"`
	Version    string   `json:"version,omitempty"`
	SHA256     string   `json:"sha256,omitempty"`
	URL        string   `json:"url"`
	Repository string   `json:"repository,omitempty"`
	Files      []string `json:"files"`
}

// DB is the installed-package manifest. Packages are kept sorted by name and
// files sorted lexically so that identical installs serialize identically.
type DB struct {
	Packages []Installed `json:"packages"`
}

// ReadDB loads the manifest from root. A missing manifest is an empty DB.
func ReadDB(root string) (*DB, error) {
	p, err := rootfs.Join(root, DBPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return &DB{}, nil
	}
	if err != nil {
		return nil, err
	}
	var db DB
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", DBPath, err)
	}
	return &db, nil
}

// Write stores the manifest in root.
func (db *DB) Write(root string) error {
	sort.Slice(db.Packages, func(i, j int) bool { return db.Packages[i].Name < db.Packages[j].Name })
	for i := range db.Packages {
		if db.Packages[i].Files == nil {
			db.Packages[i].Files = []string{}
		}
		sort.Strings(db.Packages[i].Files)
	}

	data, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return err
	}
	p, err := rootfs.HostPath(root, DBPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, append(data, '\n'), 0o644)
}

// Get returns the installed record for name.
func (db *DB) Get(name string) (Installed, bool) {
	for _, p := range db.Packages {
		if p.Name == name {
			return p, true
		}
	}
	return Installed{}, false
}

// Put adds or replaces the record for p.Name.
func (db *DB) Put(p Installed) {
	for i := range db.Packages {
		if db.Packages[i].Name == p.Name {
			db.Packages[i] = p
			return
		}
	}
	db.Packages = append(db.Packages, p)
}
