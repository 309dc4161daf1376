package modules

import (
	"context"
	"fmt"
	"os"

	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

func init() {
	lint.Register("entrypoints", func() lint.Module { return &entrypointsModule{} })
}

// entrypointsModule requires every declared entrypoint to exist and be executable.
type entrypointsModule struct{}

func (m *entrypointsModule) Name() string        { return "entrypoints" }
func (m *entrypointsModule) DefaultEnabled() bool { return true }

func (m *entrypointsModule) CheckRoot(ctx context.Context, t *lint.Target) ([]lint.Finding, error) {
	var findings []lint.Finding
	for _, ep := range t.Entrypoints {
		p, err := rootfs.Join(t.Root, ep)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			findings = append(findings, lint.Finding{
				File:     rootfs.Clean(ep),
				Module:   m.Name(),
				Severity: lint.SeverityCritical,
				Message:  "entrypoint does not exist",
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		if info.Mode().IsRegular() && info.Mode().Perm()&0o111 == 0 {
			findings = append(findings, lint.Finding{
				File:     rootfs.Clean(ep),
				Module:   m.Name(),
				Severity: lint.SeverityWarning,
				Message:  fmt.Sprintf("entrypoint is not executable (mode %s)", info.Mode().Perm()),
			})
		}
	}
	return findings, nil
}
