package steps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/manifest"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

func init() {
	build.Register(manifest.KindCopy, func() build.StepHandler { return &Copy{} })
}

// Copy copies local files from the manifest context, or an artifact of a
// finished stage, into the rootfs.
type Copy struct{}

func (c *Copy) Kind() string { return manifest.KindCopy }

func (c *Copy) Run(_ context.Context, sc *build.StepContext) error {
	spec := sc.Step.Copy
	if spec.From != "" {
		return c.fromStage(sc, spec)
	}
	return c.local(sc, spec)
}

// local copies src from the context. A directory src ending in "/" is merged
// into dest; without the slash it is copied as dest/<base>. A file copied to a
// dest ending in "/" keeps its name.
func (c *Copy) local(sc *build.StepContext, spec *manifest.Copy) error {
	src := filepath.Join(sc.ContextDir, filepath.FromSlash(spec.Src))
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("copy source %s: %w", spec.Src, err)
	}

	dest := spec.Dest
	switch {
	case info.IsDir() && !strings.HasSuffix(spec.Src, "/"):
		dest = path.Join(dest, path.Base(path.Clean(spec.Src)))
	case !info.IsDir() && strings.HasSuffix(dest, "/"):
		dest = path.Join(dest, filepath.Base(src))
	}

	if err := rootfs.MergeInto(src, sc.Root, dest); err != nil {
		return fmt.Errorf("copying %s to %s: %w", spec.Src, dest, err)
	}
	sc.Logger.Debug("copied local files", "src", spec.Src, "dest", dest)
	return nil
}

// fromStage copies the artifact path from a finished stage snapshot.
func (c *Copy) fromStage(sc *build.StepContext, spec *manifest.Copy) error {
	snap, ok := sc.Snapshots[spec.From]
	if !ok {
		return &build.UnknownStage{Stage: sc.Stage.Name, Ref: spec.From}
	}

	src := spec.Src
	if spec.Artifact != "" {
		from, _ := findStage(sc, spec.From)
		if from == nil {
			return &build.UnknownStage{Stage: sc.Stage.Name, Ref: spec.From}
		}
		p, ok := from.Outputs[spec.Artifact]
		if !ok {
			return &build.MissingArtifact{Stage: sc.Stage.Name, From: spec.From, Artifact: spec.Artifact}
		}
		src = p
	}

	missing := &build.MissingArtifact{Stage: sc.Stage.Name, From: spec.From, Artifact: spec.Artifact, Path: src}
	if _, err := rootfs.Lstat(snap.Dir, src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return missing
		}
		return err
	}

	if err := rootfs.CopyInto(snap.Dir, src, sc.Root, spec.Dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return missing
		}
		return fmt.Errorf("copying %s:%s to %s: %w", spec.From, src, spec.Dest, err)
	}
	sc.Logger.Debug("copied artifact", "from", spec.From, "src", src, "dest", spec.Dest)
	return nil
}

func findStage(sc *build.StepContext, name string) (*manifest.Stage, bool) {
	if sc.Manifest == nil {
		return nil, false
	}
	return sc.Manifest.Stage(name)
}
