package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/fetch"
	"github.com/sofmeright/stagecraft/src/image"
	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/manifest"
	"github.com/sofmeright/stagecraft/src/output"
	"github.com/sofmeright/stagecraft/src/pkgmgr"
	"github.com/sofmeright/stagecraft/src/version"
)

var (
	buildNoCache       bool
	buildStage         string
	buildOutput        string
	buildFormat        string
	buildAllowUnpinned bool
)

var buildCmd = &cobra.Command{
	Use:   "build <manifest>",
	Short: "Build an image from a manifest",
	Long: `Build the target stage of a manifest and every stage it copies from.

The finished filesystem is validated and, if it passes, committed to the
output directory as <name>.tar.gz (or a <name>/ tree with --format dir)
together with a <name>.json build report. Nothing is committed when any
stage, the validator or the post-build hook fails.`,
	Args: exactArgs(1),
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().BoolVar(&buildNoCache, "no-cache", false, "ignore cached stage snapshots")
	buildCmd.Flags().StringVar(&buildStage, "stage", "", "stage to build (default: last declared)")
	buildCmd.Flags().StringVar(&buildOutput, "output", "out", "output directory")
	buildCmd.Flags().StringVar(&buildFormat, "format", build.FormatTar, "image format: tar or dir")
	buildCmd.Flags().BoolVar(&buildAllowUnpinned, "allow-unpinned", false, "warn instead of failing on unpinned references")

	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	if buildFormat != build.FormatTar && buildFormat != build.FormatDir {
		return usageError(fmt.Errorf("--format: unknown format %q (want tar or dir)", buildFormat))
	}
	m, err := manifest.Load(args[0])
	if err != nil {
		return usageError(err)
	}

	w := cmd.OutOrStdout()
	color := output.UseColor(w)
	output.Banner(w, version.Version, color)
	output.ContextBlock(w, []output.KV{
		{Key: "manifest", Value: m.Name},
		{Key: "stage", Value: orDefault(buildStage, "(last)")},
		{Key: "format", Value: buildFormat},
		{Key: "output", Value: buildOutput},
	})

	b := build.New(builderOptions())

	output.SectionStart(w, "stagecraft_build", "Build")
	res, buildErr := b.Build(cmd.Context(), m)
	output.SectionEnd(w, "stagecraft_build")

	for _, sr := range res.Stages {
		output.StageSection(w, sr, color)
	}
	output.FindingsSection(w, res.Findings, 0, color)
	output.BuildSummary(w, res, color)
	return buildErr
}

// builderOptions assembles the builder dependencies from the tool config and
// the build flags.
func builderOptions() build.Options {
	sources := []image.Source{image.NewLocalStore(cfg.ImagePaths...)}
	if cfg.DockerImages {
		sources = append(sources, image.NewDocker())
	}
	client := fetch.New(cfg.Fetch.Timeout, cfg.Fetch.Retries, cfg.Fetch.Backoff, logger)
	caches := newCaches(client)

	return build.Options{
		WorkDir:    cfg.WorkDir,
		CacheDir:   cfg.CacheDir,
		OutputDir:  buildOutput,
		Format:     buildFormat,
		Target:     buildStage,
		NoCache:    buildNoCache,
		StrictPins: cfg.StrictPins && !buildAllowUnpinned,
		Parallel:   cfg.ParallelDownloads,
		RunTimeout: cfg.RunTimeout,
		Images:     image.NewResolver(sources...),
		Fetch:      client,
		Packages:   caches.packages,
		Stages:     caches.stages,
		Lint:       caches.lint,
		Logger:     logger,
	}
}

// caches are the persistent caches under cache_dir.
type caches struct {
	packages *pkgmgr.Cache
	stages   *build.StageCache
	lint     *lint.Cache
}

func newCaches(client *fetch.Client) caches {
	return caches{
		packages: pkgmgr.NewCache(filepath.Join(cfg.CacheDir, "packages"), client),
		stages:   build.NewStageCache(filepath.Join(cfg.CacheDir, "stages")),
		lint:     lint.NewCache(filepath.Join(cfg.CacheDir, "lint")),
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
