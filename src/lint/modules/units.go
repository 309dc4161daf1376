package modules

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/rootfs"
	"github.com/sofmeright/stagecraft/src/unit"
)

var unitSuffixes = []string{".service", ".socket", ".timer", ".target", ".mount", ".path"}

func init() {
	lint.Register("units", func() lint.Module { return &unitsModule{} })
}

// unitsModule parses installed systemd units and checks that every
// enablement link resolves.
type unitsModule struct{}

func (m *unitsModule) Name() string        { return "units" }
func (m *unitsModule) DefaultEnabled() bool { return true }

func (m *unitsModule) CheckRoot(ctx context.Context, t *lint.Target) ([]lint.Finding, error) {
	var findings []lint.Finding
	for _, dir := range []string{unit.SystemDir, unit.AdminDir} {
		names, err := readDirNames(t.Root, dir)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			p := path.Join(dir, name)
			switch {
			case strings.HasSuffix(name, ".wants") || strings.HasSuffix(name, ".requires"):
				fs, err := m.checkLinks(t.Root, p)
				if err != nil {
					return nil, err
				}
				findings = append(findings, fs...)
			case isUnitFile(name):
				fs, err := m.checkUnit(t.Root, p)
				if err != nil {
					return nil, err
				}
				findings = append(findings, fs...)
			}
		}
	}
	return findings, nil
}

func (m *unitsModule) checkUnit(root, p string) ([]lint.Finding, error) {
	host, err := rootfs.Join(root, p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(host)
	if err != nil || info.IsDir() {
		// Masked or dangling units surface through the link checks.
		return nil, nil
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return nil, err
	}
	u, err := unit.Parse(path.Base(p), data)
	if err != nil {
		return []lint.Finding{m.critical(p, err.Error())}, nil
	}
	var findings []lint.Finding
	for _, problem := range u.Problems() {
		findings = append(findings, m.critical(p, problem))
	}
	return findings, nil
}

func (m *unitsModule) checkLinks(root, wantsDir string) ([]lint.Finding, error) {
	names, err := readDirNames(root, wantsDir)
	if err != nil {
		return nil, err
	}
	var findings []lint.Finding
	for _, name := range names {
		p := path.Join(wantsDir, name)
		host, err := rootfs.Join(root, p)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(host); err != nil {
			findings = append(findings, m.critical(p, "enablement link does not resolve to an installed unit"))
		}
	}
	return findings, nil
}

func (m *unitsModule) critical(file, msg string) lint.Finding {
	return lint.Finding{
		File:     file,
		Module:   m.Name(),
		Severity: lint.SeverityCritical,
		Message:  fmt.Sprintf("unit: %s", msg),
	}
}

func isUnitFile(name string) bool {
	for _, s := range unitSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// readDirNames lists an image directory; a missing directory is empty.
func readDirNames(root, dir string) ([]string, error) {
	host, err := rootfs.Join(root, dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(host)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
