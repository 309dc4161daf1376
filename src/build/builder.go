package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sofmeright/stagecraft/src/fetch"
	"github.com/sofmeright/stagecraft/src/image"
	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/manifest"
	"github.com/sofmeright/stagecraft/src/pkgmgr"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

// Options configures a Builder. Caches and clients are injected; a nil cache
// disables that cache.
type Options struct {
	WorkDir    string // scratch space for stage filesystems
	CacheDir   string // exposed to hooks
	OutputDir  string
	Format     string // FormatTar or FormatDir
	Target     string // stage to build; "" means the last declared
	NoCache    bool   // skip stage cache reads
	StrictPins bool
	Parallel   int // concurrent package downloads
	RunTimeout time.Duration

	Images   *image.Resolver
	Fetch    *fetch.Client
	Packages *pkgmgr.Cache
	Stages   *StageCache
	Lint     *lint.Cache
	Logger   *log.Logger
}

// Builder runs manifests.
type Builder struct {
	opts Options
}

// New creates a builder, filling unset options with defaults.
func New(opts Options) *Builder {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "out"
	}
	if opts.Format == "" {
		opts.Format = FormatTar
	}
	if opts.Parallel < 1 {
		opts.Parallel = 4
	}
	if opts.Images == nil {
		opts.Images = image.NewResolver()
	}
	if opts.Fetch == nil {
		opts.Fetch = fetch.New(30*time.Second, 3, 500*time.Millisecond, opts.Logger)
	}
	if opts.Packages == nil {
		opts.Packages = pkgmgr.NewCache(filepath.Join(opts.WorkDir, "packages"), opts.Fetch)
	}
	return &Builder{opts: opts}
}

// buildRun is the state of one Build call.
type buildRun struct {
	manifest  *manifest.Manifest
	dir       string
	snapshots map[string]*Snapshot
	repos     []*pkgmgr.Repository
	installer *pkgmgr.Installer
}

// Build plans and runs every stage the target needs, validates the target
// filesystem, runs the post-build hook and commits the image. The returned
// result is always non-nil and records the state transitions; on success the
// report is written next to the image.
func (b *Builder) Build(ctx context.Context, m *manifest.Manifest) (*BuildResult, error) {
	start := time.Now()
	machine := NewMachine()
	res := &BuildResult{Name: m.Name, Manifest: m.Path}

	err := b.build(ctx, m, machine, res)
	if err != nil {
		machine.Reject()
		res.Error = err.Error()
	} else if cerr := machine.Commit(); cerr != nil {
		err = cerr
		res.Error = err.Error()
	}
	res.State = machine.Current().String()
	res.Transitions = machine.History()
	res.Duration = time.Since(start)

	logger := b.opts.Logger
	if err != nil {
		logger.Error("build rejected", "path", machine.Path())
		return res, err
	}
	if _, werr := WriteReport(b.opts.OutputDir, res); werr != nil {
		return res, fmt.Errorf("writing build report: %w", werr)
	}
	logger.Info("build committed", "output", res.Output, "digest", res.Digest.String())
	return res, nil
}

func (b *Builder) build(ctx context.Context, m *manifest.Manifest, machine *Machine, res *BuildResult) error {
	logger := b.opts.Logger

	plan, err := NewPlan(m, b.opts.Target)
	if err != nil {
		return err
	}
	res.Target = plan.Target().Name
	logger.Info("planned build", "stages", strings.Join(plan.Names(), " -> "))

	if v := plan.PinViolations(); len(v) > 0 {
		if b.opts.StrictPins {
			return &PinError{Violations: v}
		}
		for _, msg := range v {
			logger.Warn("unpinned reference", "ref", msg)
		}
	}

	if err := os.MkdirAll(b.opts.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	dir, err := os.MkdirTemp(b.opts.WorkDir, "run-*")
	if err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	defer os.RemoveAll(dir)
	if dir, err = filepath.Abs(dir); err != nil {
		return err
	}

	run := &buildRun{manifest: m, dir: dir, snapshots: map[string]*Snapshot{}}
	if err := b.loadRepositories(ctx, run); err != nil {
		return err
	}
	run.installer = pkgmgr.NewInstaller(run.repos, b.opts.Packages, b.opts.Parallel, logger)

	for _, ps := range plan.Stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := machine.StartStage(ps.Name); err != nil {
			return err
		}

		stageStart := time.Now()
		sr := StageResult{Name: ps.Name, Base: ps.From}
		snap, err := b.runStage(ctx, run, ps, &sr)
		sr.Duration = time.Since(stageStart)
		if err != nil {
			sr.Status = StatusFailed
			res.Stages = append(res.Stages, sr)
			return err
		}
		sr.Status = StatusSuccess
		if sr.Cached {
			sr.Status = StatusCached
		}
		sr.Digest = snap.Digest
		res.Stages = append(res.Stages, sr)
		run.snapshots[ps.Name] = snap

		if err := machine.FinishStage(ps.Name); err != nil {
			return err
		}
		logger.Info("stage done", "stage", ps.Name, "digest", snap.Digest.String(), "cached", sr.Cached, "elapsed", sr.Duration.Round(time.Millisecond))
	}

	if err := machine.Validate(); err != nil {
		return err
	}
	final := run.snapshots[plan.Target().Name]

	findings, err := b.validate(ctx, m, final.Dir)
	res.Findings = findings
	if err != nil {
		return err
	}

	if err := b.runHook(ctx, run, final.Dir); err != nil {
		return err
	}

	res.Digest = final.Digest
	if m.Hooks.PostBuild != "" {
		if res.Digest, err = rootfs.TreeDigest(final.Dir); err != nil {
			return fmt.Errorf("digesting image: %w", err)
		}
	}

	db, err := pkgmgr.ReadDB(final.Dir)
	if err != nil {
		return err
	}
	for _, p := range db.Packages {
		res.Packages = append(res.Packages, pkgmgr.Package{
			Name:       p.Name,
			Version:    p.Version,
			URL:        p.URL,
			SHA256:     p.SHA256,
			Repository: p.Repository,
		})
	}

	out, err := b.commit(m.Name, final.Dir)
	if err != nil {
		return err
	}
	res.Output = out
	return nil
}

// validate runs the image validator battery over dir. Critical findings
// reject the image.
func (b *Builder) validate(ctx context.Context, m *manifest.Manifest, dir string) ([]lint.Finding, error) {
	target := &lint.Target{
		Root:        dir,
		Entrypoints: m.Validate.Entrypoints,
		Reserved:    m.ReservedPaths(),
		Exclude:     m.Validate.Exclude,
	}
	engine, err := lint.NewEngine(target, m.Validate.Skip, b.opts.Lint, b.opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("validate.skip: %w", err)
	}
	findings, err := engine.Run(ctx)
	if err != nil {
		return findings, err
	}
	for _, f := range findings {
		if f.Severity != lint.SeverityCritical {
			b.opts.Logger.Warn(f.String())
		}
	}
	if critical := lint.Critical(findings); len(critical) > 0 {
		violations := make([]string, len(critical))
		for i, f := range critical {
			violations[i] = f.String()
		}
		return findings, &ValidationError{Violations: violations}
	}
	return findings, nil
}

// loadRepositories fetches the repository indexes in declaration order.
// Relative index locations are resolved against the manifest context.
func (b *Builder) loadRepositories(ctx context.Context, run *buildRun) error {
	for _, r := range run.manifest.Repositories {
		loc := r.Index
		if !strings.Contains(loc, "://") && !filepath.IsAbs(loc) {
			loc = filepath.Join(run.manifest.ContextDir(), filepath.FromSlash(loc))
		}
		repo, err := pkgmgr.LoadRepository(ctx, b.opts.Fetch, r.Name, loc, r.Digest)
		if err != nil {
			return err
		}
		b.opts.Logger.Debug("loaded repository", "repo", r.Name, "digest", repo.Digest.String())
		run.repos = append(run.repos, repo)
	}
	return nil
}
