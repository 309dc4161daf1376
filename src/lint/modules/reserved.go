package modules

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

const maxListedEntries = 5

func init() {
	lint.Register("reserved", func() lint.Module { return &reservedModule{} })
}

// reservedModule requires reserved directories (runtime mounts, scratch
// space) to ship empty.
type reservedModule struct{}

func (m *reservedModule) Name() string        { return "reserved" }
func (m *reservedModule) DefaultEnabled() bool { return true }

func (m *reservedModule) CheckRoot(ctx context.Context, t *lint.Target) ([]lint.Finding, error) {
	var findings []lint.Finding
	for _, dir := range t.Reserved {
		p, err := rootfs.Join(t.Root, dir)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}

		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		listed := names
		if len(listed) > maxListedEntries {
			listed = append(listed[:maxListedEntries:maxListedEntries], "...")
		}
		findings = append(findings, lint.Finding{
			File:     rootfs.Clean(dir),
			Module:   m.Name(),
			Severity: lint.SeverityCritical,
			Message:  fmt.Sprintf("reserved directory is not empty (%d entries: %s)", len(names), strings.Join(listed, ", ")),
		})
	}
	return findings, nil
}
