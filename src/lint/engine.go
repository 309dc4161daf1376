// Package lint validates a finished image rootfs with a registry of check
// modules. Checks never modify the tree they inspect.
package lint

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/moby/patternmatcher"
	"golang.org/x/sync/semaphore"
)

// Target is the image under validation and the rules it is checked against.
type Target struct {
	Root        string   // rootfs directory on the host
	Entrypoints []string // image paths that must exist
	Reserved    []string // image directories that must be empty
	Exclude     []string // dockerignore-style patterns excluded from file checks
}

// Engine orchestrates validation modules across an image.
type Engine struct {
	Target  *Target
	Modules []Module
	Cache   *Cache
	Logger  *log.Logger

	CacheHits   atomic.Int64
	CacheMisses atomic.Int64

	exclude *patternmatcher.PatternMatcher
}

// NewEngine creates an engine with every default-enabled module except the
// skipped ones. Unknown names in skip are an error.
func NewEngine(t *Target, skipNames []string, cache *Cache, logger *log.Logger) (*Engine, error) {
	skipSet := make(map[string]bool, len(skipNames))
	for _, name := range skipNames {
		if _, err := Get(name); err != nil {
			return nil, err
		}
		skipSet[name] = true
	}

	var modules []Module
	for _, name := range All() {
		if skipSet[name] {
			continue
		}
		m, err := Get(name)
		if err != nil {
			return nil, err
		}
		if m.DefaultEnabled() {
			modules = append(modules, m)
		}
	}

	var patterns []string
	for _, p := range t.Exclude {
		patterns = append(patterns, strings.TrimPrefix(p, "/"))
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("lint: invalid exclude pattern: %w", err)
	}

	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Engine{
		Target:  t,
		Modules: modules,
		Cache:   cache,
		Logger:  logger,
		exclude: pm,
	}, nil
}

// ModuleStats holds per-module scan statistics.
type ModuleStats struct {
	Name     string
	Files    int
	Cached   int
	Findings int
	Critical int
	Warnings int
}

func (s *ModuleStats) count(results []Finding) {
	for _, r := range results {
		s.Findings++
		switch r.Severity {
		case SeverityCritical:
			s.Critical++
		case SeverityWarning:
			s.Warnings++
		}
	}
}

// Run executes all modules and returns sorted findings.
func (e *Engine) Run(ctx context.Context) ([]Finding, error) {
	findings, _, err := e.RunWithStats(ctx)
	return findings, err
}

// RunWithStats executes all modules and returns findings plus per-module statistics.
func (e *Engine) RunWithStats(ctx context.Context) ([]Finding, []ModuleStats, error) {
	var (
		mu       sync.Mutex
		findings []Finding
		wg       sync.WaitGroup
		errs     []error
	)

	modStats := make([]ModuleStats, len(e.Modules))
	for i, m := range e.Modules {
		modStats[i].Name = m.Name()
	}

	// Whole-image checks.
	for mi, mod := range e.Modules {
		rm, ok := mod.(RootModule)
		if !ok {
			continue
		}
		results, err := rm.CheckRoot(ctx, e.Target)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", mod.Name(), err))
			continue
		}
		modStats[mi].count(results)
		findings = append(findings, results...)
	}

	files, err := e.CollectFiles()
	if err != nil {
		return nil, modStats, fmt.Errorf("walking %s: %w", e.Target.Root, err)
	}

	sem := semaphore.NewWeighted(int64(runtime.NumCPU() * 2))

	for _, file := range files {
		for mi, mod := range e.Modules {
			if _, ok := mod.(FileModule); !ok {
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return nil, modStats, err
			}
			wg.Add(1)
			go func(name string, f FileInfo, idx int) {
				defer wg.Done()
				defer sem.Release(1)

				// Fresh instance per goroutine; modules may hold lazy state.
				inst, err := Get(name)
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				fm := inst.(FileModule)

				results, cached, err := e.checkFile(ctx, fm, f)
				mu.Lock()
				defer mu.Unlock()
				modStats[idx].Files++
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %s: %w", name, f.Path, err))
					return
				}
				if cached {
					modStats[idx].Cached++
				}
				modStats[idx].count(results)
				findings = append(findings, results...)
			}(mod.Name(), file, mi)
		}
	}

	wg.Wait()

	SortFindings(findings)
	if len(errs) > 0 {
		return findings, modStats, fmt.Errorf("%d module errors (first: %w)", len(errs), errs[0])
	}
	return findings, modStats, nil
}

// checkFile runs fm on f, consulting the content cache for modules whose
// result depends only on file content.
func (e *Engine) checkFile(ctx context.Context, fm FileModule, f FileInfo) ([]Finding, bool, error) {
	cm, ok := fm.(CacheableModule)
	if e.Cache == nil || !ok || !cm.Cacheable() || !f.Mode.IsRegular() {
		results, err := fm.Check(ctx, e.Target, f)
		return results, false, err
	}

	content, err := os.ReadFile(f.AbsPath)
	if err != nil {
		results, err := fm.Check(ctx, e.Target, f)
		return results, false, err
	}
	key := e.Cache.Key(content, fm.Name())
	if cached, ok := e.Cache.Get(key); ok {
		e.CacheHits.Add(1)
		return relocate(cached, f.Path), true, nil
	}
	e.CacheMisses.Add(1)

	results, err := fm.Check(ctx, e.Target, f)
	if err != nil {
		return nil, false, err
	}
	// Cache even empty results (clean pass).
	if err := e.Cache.Put(key, results); err != nil {
		e.Logger.Debug("lint cache write failed", "module", fm.Name(), "file", f.Path, "err", err)
	}
	return results, false, nil
}

// relocate points cached findings at the file currently being checked; the
// same content may live at several paths.
func relocate(findings []Finding, path string) []Finding {
	out := make([]Finding, len(findings))
	for i, f := range findings {
		f.File = path
		out[i] = f
	}
	return out
}

// CollectFiles walks the rootfs and returns regular files and symlinks that are
// not excluded. Directories matched by an exclude pattern are not descended.
func (e *Engine) CollectFiles() ([]FileInfo, error) {
	var files []FileInfo
	root := e.Target.Root

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		excluded, err := e.exclude.MatchesOrParentMatches(rel)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if excluded {
				return filepath.SkipDir
			}
			return nil
		}
		if excluded {
			return nil
		}

		mode := d.Type()
		if !mode.IsRegular() && mode&fs.ModeSymlink == 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:    "/" + rel,
			AbsPath: path,
			Size:    info.Size(),
			Mode:    info.Mode(),
		})
		return nil
	})
	return files, err
}

// ModuleNames returns the names of all active modules in this engine.
func (e *Engine) ModuleNames() []string {
	names := make([]string, len(e.Modules))
	for i, m := range e.Modules {
		names[i] = m.Name()
	}
	return names
}
