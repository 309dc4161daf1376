package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/manifest"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

func init() {
	build.Register(manifest.KindClone, func() build.StepHandler { return &Clone{} })
}

// Clone checks out a git repository at a fixed commit into the rootfs.
type Clone struct{}

func (c *Clone) Kind() string { return manifest.KindClone }

func (c *Clone) Run(ctx context.Context, sc *build.StepContext) error {
	spec := sc.Step.Clone
	dest, err := rootfs.Join(sc.Root, spec.Dest)
	if err != nil {
		return err
	}
	if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return fmt.Errorf("clone destination %s is not empty", spec.Dest)
	}

	var repo *git.Repository
	err = sc.Fetch.Retry(ctx, spec.URL, func() error {
		// A failed attempt can leave a partial checkout behind.
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		var err error
		repo, err = git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
			URL:        spec.URL,
			NoCheckout: true,
			Progress:   sc.Output,
		})
		return err
	})
	if err != nil {
		os.RemoveAll(dest)
		return fmt.Errorf("cloning %s: %w", spec.URL, err)
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(spec.Commit))
	if err != nil {
		return fmt.Errorf("resolving %s in %s: %w", spec.Commit, spec.URL, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", hash, err)
	}

	if !spec.KeepGit {
		if err := os.RemoveAll(filepath.Join(dest, ".git")); err != nil {
			return err
		}
	}
	sc.Logger.Info("cloned repository", "url", spec.URL, "commit", hash.String(), "dest", spec.Dest)
	return nil
}
