package steps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/manifest"
	"github.com/sofmeright/stagecraft/src/rootfs"
	"github.com/sofmeright/stagecraft/src/unit"
)

func init() {
	build.Register(manifest.KindService, func() build.StepHandler { return &Service{} })
}

// Service installs a systemd unit and, when enabled, links it into the
// .wants/ and .requires/ directories named by its [Install] section.
type Service struct{}

func (s *Service) Kind() string { return manifest.KindService }

func (s *Service) Run(_ context.Context, sc *build.StepContext) error {
	spec := sc.Step.Service
	data, err := os.ReadFile(filepath.Join(sc.ContextDir, filepath.FromSlash(spec.Unit)))
	if err != nil {
		return fmt.Errorf("reading unit: %w", err)
	}

	name := spec.Name
	if name == "" {
		name = path.Base(spec.Unit)
	}
	u, err := unit.Parse(name, data)
	if err != nil {
		return err
	}
	if problems := u.Problems(); len(problems) > 0 {
		return fmt.Errorf("unit %s: %s", name, problems[0])
	}

	unitPath := path.Join(unit.SystemDir, name)
	dst, err := rootfs.HostPath(sc.Root, unitPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("installing unit: %w", err)
	}
	sc.Logger.Info("installed unit", "unit", unitPath)

	if !spec.Enable {
		return nil
	}
	links := 0
	for _, dir := range enableDirs(u) {
		link := path.Join(unit.AdminDir, dir, name)
		if err := symlink(sc.Root, unitPath, link); err != nil {
			return fmt.Errorf("enabling %s: %w", name, err)
		}
		links++
	}
	if links == 0 {
		sc.Logger.Warn("unit has no [Install] targets; nothing enabled", "unit", name)
	}
	return nil
}

// enableDirs lists the <target>.wants and <target>.requires directories the
// unit is linked into.
func enableDirs(u *unit.Unit) []string {
	var dirs []string
	for _, t := range u.WantedBy() {
		dirs = append(dirs, t+".wants")
	}
	for _, t := range u.RequiredBy() {
		dirs = append(dirs, t+".requires")
	}
	return dirs
}

// symlink creates (or replaces) the image path link pointing at target.
func symlink(root, target, link string) error {
	host, err := rootfs.HostPath(root, link)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return err
	}
	if err := os.Remove(host); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(target, host)
}
