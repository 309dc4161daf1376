package modules

import (
	"context"
	"fmt"
	"os"

	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/pkgmgr"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

func init() {
	lint.Register("packages", func() lint.Module { return &packagesModule{} })
}

// packagesModule checks the installed-package manifest against the tree.
type packagesModule struct{}

func (m *packagesModule) Name() string        { return "packages" }
func (m *packagesModule) DefaultEnabled() bool { return true }

func (m *packagesModule) CheckRoot(ctx context.Context, t *lint.Target) ([]lint.Finding, error) {
	db, err := pkgmgr.ReadDB(t.Root)
	if err != nil {
		return []lint.Finding{{
			File:     pkgmgr.DBPath,
			Module:   m.Name(),
			Severity: lint.SeverityCritical,
			Message:  err.Error(),
		}}, nil
	}

	var findings []lint.Finding
	for _, p := range db.Packages {
		for _, f := range p.Files {
			if _, err := rootfs.Lstat(t.Root, f); err != nil {
				if !os.IsNotExist(err) {
					return nil, err
				}
				findings = append(findings, lint.Finding{
					File:     f,
					Module:   m.Name(),
					Severity: lint.SeverityCritical,
					Message:  fmt.Sprintf("file of package %s %s is missing", p.Name, p.Version),
				})
			}
		}
	}
	return findings, nil
}
