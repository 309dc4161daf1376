package pkgmgr

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	nameRe   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9+_.\-]*$`)
	sha256Re = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Entry is one element of an install step: a package name with an optional
// version constraint, or a direct archive URL.
type Entry struct {
	Raw        string
	Name       string
	Constraint string              // raw constraint text, "" for any version
	constraint *semver.Constraints // parsed Constraint, nil for any version

	URL    string // direct archive location
	SHA256 string // pin from the #sha256= fragment
}

// IsURL reports whether the entry names an archive directly.
func (e Entry) IsURL() bool { return e.URL != "" }

// ParseEntry parses "name", "name@constraint" or "scheme://host/path#sha256=hex".
func ParseEntry(raw string) (Entry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Entry{}, fmt.Errorf("empty package entry")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Entry{}, fmt.Errorf("package url %q: %w", raw, err)
		}
		e := Entry{Raw: raw}
		if frag := u.Fragment; frag != "" {
			sum, ok := strings.CutPrefix(frag, "sha256=")
			if !ok || !sha256Re.MatchString(sum) {
				return Entry{}, fmt.Errorf("package url %q: fragment must be sha256=<64 hex>", raw)
			}
			e.SHA256 = sum
		}
		u.Fragment = ""
		e.URL = u.String()
		e.Name = archiveName(u.Path)
		if e.Name == "" {
			return Entry{}, fmt.Errorf("package url %q: no file name", raw)
		}
		return e, nil
	}

	name, constraint, _ := strings.Cut(raw, "@")
	if !nameRe.MatchString(name) {
		return Entry{}, fmt.Errorf("invalid package name %q", name)
	}
	e := Entry{Raw: raw, Name: name, Constraint: constraint}
	if constraint != "" {
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return Entry{}, fmt.Errorf("package %q: invalid version constraint %q: %w", name, constraint, err)
		}
		e.constraint = c
	}
	return e, nil
}

// archiveName strips the directory and archive extensions from a URL path.
func archiveName(p string) string {
	base := path.Base(p)
	for _, ext := range []string{".tar.gz", ".tar.zst", ".tgz", ".tar"} {
		if n, ok := strings.CutSuffix(base, ext); ok {
			return n
		}
	}
	if base == "/" || base == "." {
		return ""
	}
	return base
}
