package pkgmgr

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/sofmeright/stagecraft/src/fetch"
)

// Index is the YAML document a repository publishes.
type Index struct {
	Packages []IndexPackage `yaml:"packages"`
}

// IndexPackage describes one downloadable package version.
type IndexPackage struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	URL     string   `yaml:"url"`
	SHA256  string   `yaml:"sha256"`
	Depends []string `yaml:"depends,omitempty"`
}

// Repository is a loaded index: candidates grouped by name with archive URLs
// made absolute against the index location.
type Repository struct {
	Name     string
	Location string
	Digest   digest.Digest

	candidates map[string][]candidate
}

type candidate struct {
	IndexPackage
	version *semver.Version
	repo    string
}

// LoadRepository fetches and parses the index at location. When pin is
// non-empty the index bytes must hash to it.
func LoadRepository(ctx context.Context, client *fetch.Client, name, location, pin string) (*Repository, error) {
	data, err := client.Bytes(ctx, location)
	if err != nil {
		return nil, &DownloadError{URL: location, Err: fmt.Errorf("repository %q index: %w", name, err)}
	}

	got := digest.Canonical.FromBytes(data)
	if pin != "" && got.String() != pin {
		return nil, &DownloadError{URL: location, Err: fmt.Errorf("repository %q index: %w", name, &ChecksumError{Want: pin, Got: got.String()})}
	}

	var idx Index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("repository %q: parsing index %s: %w", name, location, err)
	}

	repo := &Repository{
		Name:       name,
		Location:   location,
		Digest:     got,
		candidates: make(map[string][]candidate),
	}
	for i, p := range idx.Packages {
		if p.Name == "" || p.URL == "" {
			return nil, fmt.Errorf("repository %q: packages[%d]: name and url are required", name, i)
		}
		if !sha256Re.MatchString(p.SHA256) {
			return nil, fmt.Errorf("repository %q: package %s: sha256 must be 64 lowercase hex characters", name, p.Name)
		}
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			return nil, fmt.Errorf("repository %q: package %s: invalid version %q: %w", name, p.Name, p.Version, err)
		}
		abs, err := resolveURL(location, p.URL)
		if err != nil {
			return nil, fmt.Errorf("repository %q: package %s: %w", name, p.Name, err)
		}
		p.URL = abs
		repo.candidates[p.Name] = append(repo.candidates[p.Name], candidate{IndexPackage: p, version: v, repo: name})
	}
	return repo, nil
}

// resolveURL makes ref absolute relative to the index at base.
func resolveURL(base, ref string) (string, error) {
	if strings.Contains(ref, "://") {
		return ref, nil
	}
	if strings.Contains(base, "://") {
		b, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		r, err := url.Parse(ref)
		if err != nil {
			return "", err
		}
		return b.ResolveReference(r).String(), nil
	}
	if filepath.IsAbs(ref) {
		return ref, nil
	}
	return filepath.Join(filepath.Dir(base), filepath.FromSlash(ref)), nil
}
