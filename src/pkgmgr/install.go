// Package pkgmgr resolves package entries against repository indexes,
// downloads archives through a shared checksum-keyed cache and applies them
// to a rootfs, recording what was installed.
package pkgmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/sofmeright/stagecraft/src/rootfs"
)

// Installer applies install steps to a rootfs.
type Installer struct {
	Repos    []*Repository
	Cache    *Cache
	Parallel int
	Logger   *log.Logger
}

// Result summarizes one install step.
type Result struct {
	Packages   []Package
	Downloaded int
	CacheHits  int
	Unchanged  int
}

// NewInstaller creates an installer over repos searched in order.
func NewInstaller(repos []*Repository, cache *Cache, parallel int, logger *log.Logger) *Installer {
	if parallel < 1 {
		parallel = 1
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Installer{Repos: repos, Cache: cache, Parallel: parallel, Logger: logger}
}

type fetched struct {
	path      string
	temporary bool
}

// Install resolves entries, downloads every archive (concurrently, collecting
// all failures), then extracts them into root in name order and updates the
// package manifest. Packages already installed with the same checksum are
// left untouched; a different version replaces the old files.
func (in *Installer) Install(ctx context.Context, root string, raw []string) (*Result, error) {
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		e, err := ParseEntry(r)
		if err != nil {
			return nil, &UnresolvedPackage{Name: r, Reason: err.Error()}
		}
		entries = append(entries, e)
	}

	pkgs, err := Resolve(entries, in.Repos)
	if err != nil {
		return nil, err
	}

	db, err := ReadDB(root)
	if err != nil {
		return nil, err
	}

	res := &Result{Packages: pkgs}
	todo := make([]Package, 0, len(pkgs))
	for _, p := range pkgs {
		if cur, ok := db.Get(p.Name); ok && p.SHA256 != "" && cur.SHA256 == p.SHA256 {
			res.Unchanged++
			continue
		}
		todo = append(todo, p)
	}

	files, err := in.download(ctx, todo, res)
	defer func() {
		for _, f := range files {
			if f.temporary {
				os.Remove(f.path)
			}
		}
	}()
	if err != nil {
		return nil, err
	}

	for i, p := range todo {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if old, ok := db.Get(p.Name); ok {
			in.Logger.Debug("replacing package", "pkg", p.Name, "from", old.Version, "to", p.Version)
			if err := removeFiles(root, old.Files); err != nil {
				return nil, fmt.Errorf("removing %s %s: %w", old.Name, old.Version, err)
			}
		}
		written, err := rootfs.ExtractFile(files[i].path, root)
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", p.Name, err)
		}
		db.Put(Installed{
			Name:       p.Name,
			Version:    p.Version,
			SHA256:     p.SHA256,
			URL:        p.URL,
			Repository: p.Repository,
			Files:      written,
		})
		in.Logger.Info("installed package", "pkg", p.Name, "version", p.Version, "files", len(written))
	}

	if err := db.Write(root); err != nil {
		return nil, fmt.Errorf("writing package manifest: %w", err)
	}
	return res, nil
}

func (in *Installer) download(ctx context.Context, pkgs []Package, res *Result) ([]fetched, error) {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	files := make([]fetched, len(pkgs))
	sem := semaphore.NewWeighted(int64(in.Parallel))

	for i, p := range pkgs {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			path, hit, err := in.Cache.Get(ctx, p.SHA256, p.URL)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, &DownloadError{Package: p.Name, URL: p.URL, Err: err})
				return
			}
			files[i] = fetched{path: path, temporary: p.SHA256 == ""}
			if hit {
				res.CacheHits++
			} else {
				res.Downloaded++
			}
			in.Logger.Debug("fetched package", "pkg", p.Name, "cached", hit)
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		return files, errors.Join(errs...)
	}
	return files, nil
}

func removeFiles(root string, files []string) error {
	for _, f := range files {
		p, err := rootfs.HostPath(root, f)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
