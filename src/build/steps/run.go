// Package steps implements the build step handlers. Each handler registers
// itself with the build registry from init(); import the package for its side
// effects.
package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/manifest"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

func init() {
	build.Register(manifest.KindRun, func() build.StepHandler { return &Run{} })
}

// chrootPath is the PATH used inside a chroot.
const chrootPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Run executes a shell script against the stage rootfs.
type Run struct{}

func (r *Run) Kind() string { return manifest.KindRun }

func (r *Run) Run(ctx context.Context, sc *build.StepContext) error {
	if sc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
	}

	var err error
	switch sc.Stage.RunnerName() {
	case manifest.RunnerChroot:
		err = r.chroot(ctx, sc)
	default:
		err = r.shell(ctx, sc)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", sc.Timeout, err)
	}
	return err
}

// shell interprets the script in-process. Paths in the script are host paths;
// $ROOTFS points at the stage rootfs.
func (r *Run) shell(ctx context.Context, sc *build.StepContext) error {
	prog, err := syntax.NewParser().Parse(strings.NewReader(sc.Step.Run), sc.Stage.Name)
	if err != nil {
		return fmt.Errorf("parsing script: %w", err)
	}

	dir := sc.Root
	if sc.Step.Workdir != "" {
		if dir, err = rootfs.Join(sc.Root, sc.Step.Workdir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating workdir: %w", err)
		}
	}

	env := envList(sc.Env, map[string]string{
		"ROOTFS": sc.Root,
		"STAGE":  sc.Stage.Name,
		"HOME":   sc.Root + "/root",
		"PATH":   os.Getenv("PATH"),
	})

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, sc.Output, sc.Output),
	)
	if err != nil {
		return fmt.Errorf("creating interpreter: %w", err)
	}

	if err := runner.Run(ctx, prog); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return fmt.Errorf("exit status %d", status)
		}
		return err
	}
	return nil
}

// chroot runs the script with /bin/sh inside the rootfs.
func (r *Run) chroot(ctx context.Context, sc *build.StepContext) error {
	script := sc.Step.Run
	if wd := sc.Step.Workdir; wd != "" {
		quoted, err := syntax.Quote(wd, syntax.LangPOSIX)
		if err != nil {
			return err
		}
		script = "mkdir -p " + quoted + " && cd " + quoted + " || exit 1\n" + script
	}

	cmd := exec.CommandContext(ctx, "chroot", sc.Root, "/bin/sh", "-c", script)
	cmd.Env = envList(sc.Env, map[string]string{
		"ROOTFS": "/",
		"STAGE":  sc.Stage.Name,
		"HOME":   "/root",
		"PATH":   chrootPath,
	})
	cmd.Stdout = sc.Output
	cmd.Stderr = sc.Output
	return cmd.Run()
}

// envList renders the stage environment plus fixed overrides as sorted
// KEY=value pairs.
func envList(env, fixed map[string]string) []string {
	merged := make(map[string]string, len(env)+len(fixed))
	for k, v := range env {
		merged[k] = v
	}
	for k, v := range fixed {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
