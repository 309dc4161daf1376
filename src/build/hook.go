package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// runHook executes the post-build hook against the validated rootfs. The hook
// may modify the tree; a non-zero exit rejects the build.
func (b *Builder) runHook(ctx context.Context, run *buildRun, rootfsDir string) error {
	hook := run.manifest.Hooks.PostBuild
	if hook == "" {
		return nil
	}
	path := hook
	if !filepath.IsAbs(path) {
		path = filepath.Join(run.manifest.ContextDir(), filepath.FromSlash(hook))
	}

	logs := filepath.Join(run.dir, "logs")
	tmp := filepath.Join(run.dir, "tmp")
	for _, d := range []string{logs, tmp} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}

	tail := newTailBuffer(outputTail)
	lw := newLogWriter(b.opts.Logger, "hook", hook)
	defer lw.Flush()

	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = run.manifest.ContextDir()
	cmd.Env = append(os.Environ(),
		"STAGECRAFT_ROOTFS="+rootfsDir,
		"STAGECRAFT_CACHE="+b.opts.CacheDir,
		"STAGECRAFT_LOGS="+logs,
		"TMPDIR="+tmp,
	)
	out := io.MultiWriter(tail, lw)
	cmd.Stdout = out
	cmd.Stderr = out

	b.opts.Logger.Info("running post-build hook", "hook", hook)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &HookError{Hook: hook, Output: tail.String(), Err: fmt.Errorf("exec: %w", err)}
	}
	return nil
}
