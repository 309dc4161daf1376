package modules

import (
	"context"
	"os"
	"path"

	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

func init() {
	lint.Register("symlinks", func() lint.Module { return &symlinksModule{} })
}

// symlinksModule warns about links whose target does not exist inside the image.
type symlinksModule struct{}

func (m *symlinksModule) Name() string        { return "symlinks" }
func (m *symlinksModule) DefaultEnabled() bool { return true }

func (m *symlinksModule) Check(ctx context.Context, t *lint.Target, file lint.FileInfo) ([]lint.Finding, error) {
	if file.Mode&os.ModeSymlink == 0 {
		return nil, nil
	}
	target, err := os.Readlink(file.AbsPath)
	if err != nil {
		return nil, err
	}
	resolved := target
	if !path.IsAbs(target) {
		resolved = path.Join(path.Dir(file.Path), target)
	}
	host, err := rootfs.Join(t.Root, resolved)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(host); err == nil {
		return nil, nil
	}
	return []lint.Finding{{
		File:     file.Path,
		Module:   m.Name(),
		Severity: lint.SeverityWarning,
		Message:  "dangling symlink to " + target,
	}}, nil
}
