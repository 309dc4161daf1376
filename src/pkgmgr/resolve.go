package pkgmgr

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// maxResolvePasses bounds the fixpoint iteration; dependency graphs that keep
// changing their selection after this many passes are reported unresolved.
const maxResolvePasses = 64

// Package is a resolved, downloadable package.
type Package struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	URL        string   `json:"url"`
	SHA256     string   `json:"sha256"`
	Repository string   `json:"repository,omitempty"`
	Depends    []string `json:"depends,omitempty"`
}

type requirement struct {
	raw string
	c   *semver.Constraints
}

// Resolve selects one version per package name for the requested entries and
// their transitive dependencies. All constraints on a name are intersected; the
// highest satisfying version wins and earlier repositories win ties. The result
// is sorted by name. Duplicate entries collapse.
func Resolve(entries []Entry, repos []*Repository) ([]Package, error) {
	root := make(map[string][]requirement)
	direct := make(map[string]Entry)
	for _, e := range entries {
		if e.IsURL() {
			if prev, ok := direct[e.Name]; ok && prev.URL != e.URL {
				return nil, &UnresolvedPackage{Name: e.Name, Reason: fmt.Sprintf("conflicting urls %s and %s", prev.URL, e.URL)}
			}
			direct[e.Name] = e
			continue
		}
		root[e.Name] = append(root[e.Name], requirement{raw: e.Constraint, c: e.constraint})
	}

	selected := make(map[string]candidate)
	for pass := 0; pass < maxResolvePasses; pass++ {
		reqs := cloneRequirements(root)
		for _, name := range sortedNames(selected) {
			for _, dep := range selected[name].Depends {
				e, err := ParseEntry(dep)
				if err != nil {
					return nil, fmt.Errorf("package %s: depends: %w", name, err)
				}
				if e.IsURL() {
					return nil, &UnresolvedPackage{Name: e.Name, Reason: "dependencies must name index packages, not urls"}
				}
				reqs[e.Name] = append(reqs[e.Name], requirement{raw: e.Constraint, c: e.constraint})
			}
		}

		next := make(map[string]candidate, len(reqs))
		for _, name := range sortedNames(reqs) {
			if _, ok := direct[name]; ok {
				continue
			}
			c, err := pick(name, reqs[name], repos)
			if err != nil {
				return nil, err
			}
			next[name] = c
		}

		if sameSelection(selected, next) {
			return packages(selected, direct), nil
		}
		selected = next
	}
	return nil, &UnresolvedPackage{Name: sortedNames(selected)[0], Reason: "dependency resolution did not converge"}
}

// pick returns the best candidate for name that satisfies every requirement.
func pick(name string, reqs []requirement, repos []*Repository) (candidate, error) {
	var best *candidate
	found := false
	for _, repo := range repos {
		for _, c := range repo.candidates[name] {
			found = true
			if !satisfies(c, reqs) {
				continue
			}
			if best == nil || c.version.GreaterThan(best.version) {
				best = &c
			}
		}
	}
	if best != nil {
		return *best, nil
	}

	var raw []string
	for _, r := range reqs {
		if r.raw != "" {
			raw = append(raw, r.raw)
		}
	}
	reason := "no repository provides it"
	if found {
		reason = "no version satisfies all constraints"
	}
	return candidate{}, &UnresolvedPackage{Name: name, Constraints: raw, Reason: reason}
}

func satisfies(c candidate, reqs []requirement) bool {
	for _, r := range reqs {
		if r.c != nil && !r.c.Check(c.version) {
			return false
		}
	}
	return true
}

func sameSelection(a, b map[string]candidate) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ca := range a {
		cb, ok := b[name]
		if !ok || ca.repo != cb.repo || !ca.version.Equal(cb.version) {
			return false
		}
	}
	return true
}

func packages(selected map[string]candidate, direct map[string]Entry) []Package {
	out := make([]Package, 0, len(selected)+len(direct))
	for _, c := range selected {
		out = append(out, Package{
			Name:       c.Name,
			Version:    c.version.String(),
			URL:        c.URL,
			SHA256:     c.SHA256,
			Repository: c.repo,
			Depends:    c.Depends,
		})
	}
	for _, e := range direct {
		out = append(out, Package{Name: e.Name, URL: e.URL, SHA256: e.SHA256})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cloneRequirements(m map[string][]requirement) map[string][]requirement {
	out := make(map[string][]requirement, len(m))
	for k, v := range m {
		out[k] = append([]requirement(nil), v...)
	}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
