package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/sofmeright/stagecraft/src/image"
	"github.com/sofmeright/stagecraft/src/manifest"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

var fullCommitRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// runStage seeds a fresh rootfs from the stage base image and runs its steps
// in order. On failure or cancellation the stage directory is removed and no
// snapshot is returned.
func (b *Builder) runStage(ctx context.Context, run *buildRun, ps *PlannedStage, sr *StageResult) (snap *Snapshot, err error) {
	log := b.opts.Logger.With("stage", ps.Name)

	img, err := b.resolveBase(ctx, ps)
	if err != nil {
		return nil, err
	}
	sr.ImageDigest = img.Digest
	sr.BaseSource = img.Source

	dir := filepath.Join(run.dir, "stages", ps.Name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	key, cacheable, err := b.stageKey(run, ps, img)
	if err != nil {
		return nil, err
	}
	if cacheable {
		sr.CacheKey = key
	}

	if cacheable && !b.opts.NoCache && b.opts.Stages != nil {
		if cached, ok := b.opts.Stages.Get(key); ok {
			log.Info("stage cache hit", "key", key[:12])
			if err := rootfs.CopyTree(cached.Dir, dir); err != nil {
				return nil, fmt.Errorf("restoring cached stage: %w", err)
			}
			sr.BaseDigest = cached.BaseDigest
			sr.Cached = true
			for i := range ps.Steps {
				step := &ps.Steps[i]
				status := StatusCached
				if !step.IsEnabled() {
					status = StatusSkipped
				}
				sr.Steps = append(sr.Steps, StepResult{Index: i + 1, Kind: step.Kind(), Label: step.Label(), Status: status})
			}
			return &Snapshot{Stage: ps.Name, Dir: dir, Digest: cached.Digest}, nil
		}
	}

	log.Info("unpacking base image", "ref", ps.From, "digest", img.Digest.String())
	if err := img.Unpack(ctx, dir); err != nil {
		return nil, &ImageResolveError{Stage: ps.Name, Ref: ps.From, Err: fmt.Errorf("unpacking: %w", err)}
	}
	sr.BaseDigest = img.Digest
	if !img.Tree {
		if sr.BaseDigest, err = rootfs.TreeDigest(dir); err != nil {
			return nil, fmt.Errorf("digesting base: %w", err)
		}
	}

	env := make(map[string]string, len(ps.Env))
	for k, v := range ps.Env {
		env[k] = v
	}

	for i := range ps.Steps {
		step := &ps.Steps[i]
		res := StepResult{Index: i + 1, Kind: step.Kind(), Label: step.Label()}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !step.IsEnabled() {
			res.Status = StatusSkipped
			sr.Steps = append(sr.Steps, res)
			log.Debug("step disabled", "step", res.Index, "kind", res.Kind)
			continue
		}

		start := time.Now()
		err := b.runStep(ctx, run, ps, step, i+1, dir, env, &res)
		res.Duration = time.Since(start)
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
			sr.Steps = append(sr.Steps, res)
			return nil, err
		}
		res.Status = StatusSuccess
		sr.Steps = append(sr.Steps, res)
		log.Info("step done", "step", res.Index, "kind", res.Kind, "label", res.Label, "elapsed", res.Duration.Round(time.Millisecond))
	}

	d, err := rootfs.TreeDigest(dir)
	if err != nil {
		return nil, fmt.Errorf("digesting stage: %w", err)
	}

	if cacheable && b.opts.Stages != nil {
		if err := b.opts.Stages.Put(key, ps.Name, dir, sr.BaseDigest, d); err != nil {
			log.Warn("stage cache write failed", "err", err)
		}
	}
	return &Snapshot{Stage: ps.Name, Dir: dir, Digest: d}, nil
}

func (b *Builder) runStep(ctx context.Context, run *buildRun, ps *PlannedStage, step *manifest.Step, index int, dir string, env map[string]string, res *StepResult) error {
	kind := step.Kind()
	handler, err := Get(kind)
	if err != nil {
		return &InstructionError{Stage: ps.Name, Index: index, Kind: kind, Err: err}
	}

	timeout, _ := step.TimeoutDuration()
	if timeout == 0 && kind == manifest.KindRun {
		timeout = b.opts.RunTimeout
	}

	tail := newTailBuffer(outputTail)
	lw := newLogWriter(b.opts.Logger, "stage", ps.Name, "step", index)
	defer lw.Flush()

	sc := &StepContext{
		Manifest:   run.manifest,
		Stage:      ps.Stage,
		Step:       step,
		Index:      index,
		Root:       dir,
		ContextDir: run.manifest.ContextDir(),
		Env:        env,
		Snapshots:  run.snapshots,
		Installer:  run.installer,
		Fetch:      b.opts.Fetch,
		Timeout:    timeout,
		Output:     io.MultiWriter(tail, lw),
		Logger:     b.opts.Logger.With("stage", ps.Name, "step", index),
		Result:     res,
	}

	err = handler.Run(ctx, sc)
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if err != nil {
		var ma *MissingArtifact
		if errors.As(err, &ma) {
			return err
		}
		return &InstructionError{Stage: ps.Name, Index: index, Kind: kind, Output: tail.String(), Err: err}
	}
	return nil
}

func (b *Builder) resolveBase(ctx context.Context, ps *PlannedStage) (*image.Image, error) {
	ref, err := image.ParseRef(ps.From)
	if err != nil {
		return nil, &ImageResolveError{Stage: ps.Name, Ref: ps.From, Err: err}
	}
	img, err := b.opts.Images.Resolve(ctx, ref)
	if err != nil {
		return nil, &ImageResolveError{Stage: ps.Name, Ref: ps.From, Err: err}
	}
	if !ref.Pinned() && !ref.IsScratch() && img.Source != "local" {
		msg := fmt.Sprintf("stage %q: base image %s has no digest (resolved to %s)", ps.Name, ps.From, img.Digest)
		if b.opts.StrictPins {
			return nil, &PinError{Violations: []string{msg}}
		}
		b.opts.Logger.Warn(msg)
	}
	return img, nil
}

// stageKey derives the cache key of a stage from its base, its definition,
// the local files it reads, its upstream snapshots and the repositories it
// installs from. Stages that reference unpinned remote content are not cached.
func (b *Builder) stageKey(run *buildRun, ps *PlannedStage, img *image.Image) (string, bool, error) {
	def, err := json.Marshal(ps.Stage)
	if err != nil {
		return "", false, err
	}
	parts := []string{
		"base=" + img.Digest.String(),
		"stage=" + string(def),
	}

	cacheable := true
	installs := false
	for _, step := range ps.Steps {
		if !step.IsEnabled() {
			continue
		}
		switch {
		case step.Copy != nil && step.Copy.From == "":
			d, err := localDigest(run.manifest.ContextDir(), step.Copy.Src)
			if err != nil {
				return "", false, fmt.Errorf("stage %q: copy source %s: %w", ps.Name, step.Copy.Src, err)
			}
			parts = append(parts, "src:"+step.Copy.Src+"="+d.String())
		case step.Service != nil:
			d, err := localDigest(run.manifest.ContextDir(), step.Service.Unit)
			if err != nil {
				return "", false, fmt.Errorf("stage %q: unit %s: %w", ps.Name, step.Service.Unit, err)
			}
			parts = append(parts, "unit:"+step.Service.Unit+"="+d.String())
		case step.Install != nil:
			installs = true
			for _, e := range step.Install {
				if strings.Contains(e, "://") && !strings.Contains(e, "#sha256=") {
					cacheable = false
				}
			}
		case step.Clone != nil:
			if !fullCommitRe.MatchString(step.Clone.Commit) {
				cacheable = false
			}
		}
	}

	deps := append([]string(nil), ps.Deps...)
	sort.Strings(deps)
	for _, dep := range deps {
		s, ok := run.snapshots[dep]
		if !ok {
			return "", false, fmt.Errorf("stage %q: dependency %q has no snapshot", ps.Name, dep)
		}
		parts = append(parts, "dep:"+dep+"="+s.Digest.String())
	}
	if installs {
		for _, r := range run.repos {
			parts = append(parts, "repo:"+r.Name+"="+r.Digest.String())
		}
	}
	return b.stageCacheKey(parts), cacheable, nil
}

func (b *Builder) stageCacheKey(parts []string) string {
	if b.opts.Stages != nil {
		return b.opts.Stages.Key(parts)
	}
	return (&StageCache{}).Key(parts)
}

func localDigest(contextDir, rel string) (digest.Digest, error) {
	p := filepath.Join(contextDir, filepath.FromSlash(rel))
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return rootfs.TreeDigest(p)
	}
	return rootfs.FileDigest(p)
}
