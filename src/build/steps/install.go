package steps

import (
	"context"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/manifest"
)

func init() {
	build.Register(manifest.KindInstall, func() build.StepHandler { return &Install{} })
}

// Install applies a package set to the rootfs.
type Install struct{}

func (i *Install) Kind() string { return manifest.KindInstall }

func (i *Install) Run(ctx context.Context, sc *build.StepContext) error {
	res, err := sc.Installer.Install(ctx, sc.Root, sc.Step.Install)
	if err != nil {
		return err
	}
	sc.Result.Packages = res.Packages
	sc.Logger.Info("installed packages",
		"packages", len(res.Packages),
		"downloaded", res.Downloaded,
		"cache_hits", res.CacheHits,
		"unchanged", res.Unchanged,
	)
	return nil
}
