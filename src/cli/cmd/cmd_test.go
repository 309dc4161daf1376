package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/pkgmgr"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitCommitted},
		{"plain", errors.New("boom"), ExitInternal},
		{"explicit", usageError(errors.New("bad flag")), ExitUsage},
		{"cancelled", fmt.Errorf("stage: %w", context.Canceled), ExitCancelled},
		{"image", &build.ImageResolveError{Ref: "base:1", Err: errors.New("not found")}, ExitResolve},
		{"unknown stage", &build.UnknownStage{Ref: "nope"}, ExitResolve},
		{"missing artifact", &build.MissingArtifact{Stage: "b", Artifact: "app"}, ExitResolve},
		{"unresolved package", &pkgmgr.UnresolvedPackage{Name: "gcc"}, ExitResolve},
		{"download", &pkgmgr.DownloadError{URL: "http://x", Err: errors.New("reset")}, ExitResolve},
		{
			"instruction wrapping resolve",
			&build.InstructionError{Stage: "s", Index: 1, Kind: "install", Err: &pkgmgr.UnresolvedPackage{Name: "gcc"}},
			ExitResolve,
		},
		{"instruction", &build.InstructionError{Stage: "s", Index: 2, Kind: "run", Err: errors.New("exit status 1")}, ExitInstruction},
		{"validation", &build.ValidationError{Violations: []string{"x"}}, ExitValidation},
		{"hook", &build.HookError{Hook: "check.sh", Err: errors.New("exit status 3")}, ExitValidation},
		{"pin", &build.PinError{Violations: []string{"x"}}, ExitUsage},
		{"cycle", &build.CycleError{Stages: []string{"a", "b", "a"}}, ExitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

// cli runs the root command in an isolated environment and returns stdout
// and the exit code.
func cli(t *testing.T, args ...string) (string, int) {
	t.Helper()
	buildNoCache, buildStage, buildOutput, buildFormat, buildAllowUnpinned = false, "", "out", build.FormatTar, false
	planStage = ""
	validateManifest, validateSkip, validateNoCache = "", nil, false
	cfgFile, verbose, logLevel = "", false, ""

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		t.Logf("stderr:\n%s\nerror: %v", stderr.String(), err)
	}
	return stdout.String(), exitCode(err)
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("STAGECRAFT_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("STAGECRAFT_WORK_DIR", filepath.Join(dir, "work"))
	t.Setenv("NO_COLOR", "1")
	t.Setenv("GITLAB_CI", "")
	t.Chdir(dir)
	return dir
}

func writeManifest(t *testing.T, dir, doc string) string {
	t.Helper()
	p := filepath.Join(dir, "stagecraft.yaml")
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const appManifest = `
version: 1
name: demo
stages:
  - name: builder
    from: scratch
    steps:
      - run: |
          mkdir -p "$ROOTFS/out"
          echo hello > "$ROOTFS/out/app"
          chmod 755 "$ROOTFS/out/app"
    outputs:
      app: /out/app
  - name: final
    from: scratch
    steps:
      - copy: {from: builder, artifact: app, dest: /usr/local/bin/app}
validate:
  entrypoints: [/usr/local/bin/app]
`

func TestBuildCommandCommits(t *testing.T) {
	dir := isolate(t)
	m := writeManifest(t, dir, appManifest)

	out, code := cli(t, "build", m, "--format", "dir", "--output", "image")
	if code != ExitCommitted {
		t.Fatalf("exit code = %d, want 0\n%s", code, out)
	}
	data, err := os.ReadFile(filepath.Join(dir, "image", "demo", "usr", "local", "bin", "app"))
	if err != nil {
		t.Fatalf("artifact not committed: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("artifact = %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "image", "demo.json")); err != nil {
		t.Errorf("build report missing: %v", err)
	}
	for _, want := range []string{"Stage builder", "Stage final", "Committed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBuildCommandExitCodes(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		args []string
		want int
	}{
		{
			name: "failing run step",
			doc:  "version: 1\nname: x\nstages: [{name: a, from: scratch, steps: [{run: 'exit 3'}]}]\n",
			want: ExitInstruction,
		},
		{
			name: "unknown stage",
			doc:  appManifest,
			args: []string{"--stage", "nope"},
			want: ExitResolve,
		},
		{
			name: "schema error",
			doc:  "version: 1\nname: x\nstages: []\n",
			want: ExitUsage,
		},
		{
			name: "missing entrypoint",
			doc:  "version: 1\nname: x\nstages: [{name: a, from: scratch}]\nvalidate: {entrypoints: [/sbin/init]}\n",
			want: ExitValidation,
		},
		{
			name: "bad format",
			doc:  appManifest,
			args: []string{"--format", "zip"},
			want: ExitUsage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			m := writeManifest(t, dir, tt.doc)
			args := append([]string{"build", m}, tt.args...)
			if _, code := cli(t, args...); code != tt.want {
				t.Errorf("exit code = %d, want %d", code, tt.want)
			}
			if _, err := os.Stat(filepath.Join(dir, "out", "x.tar.gz")); err == nil {
				t.Error("failed build committed an image")
			}
		})
	}
}

func TestBuildCommandMissingArgument(t *testing.T) {
	isolate(t)
	if _, code := cli(t, "build"); code != ExitUsage {
		t.Errorf("exit code = %d, want %d", code, ExitUsage)
	}
}

func TestPlanCommand(t *testing.T) {
	dir := isolate(t)
	m := writeManifest(t, dir, appManifest)

	out, code := cli(t, "plan", m)
	if code != ExitCommitted {
		t.Fatalf("exit code = %d", code)
	}
	if strings.Index(out, "1. builder") > strings.Index(out, "2. final") {
		t.Errorf("unexpected order:\n%s", out)
	}

	if _, code := cli(t, "plan", m, "--stage", "ghost"); code != ExitResolve {
		t.Errorf("unknown stage exit code = %d, want %d", code, ExitResolve)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := isolate(t)
	root := filepath.Join(dir, "rootfs")
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		t.Fatal(err)
	}

	if out, code := cli(t, "validate", root); code != ExitCommitted {
		t.Fatalf("clean rootfs exit code = %d\n%s", code, out)
	}

	if err := os.WriteFile(filepath.Join(root, "tmp", "leftover"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, code := cli(t, "validate", root, "--no-cache")
	if code != ExitValidation {
		t.Fatalf("exit code = %d, want %d\n%s", code, ExitValidation, out)
	}
	if !strings.Contains(out, "CRIT") || !strings.Contains(out, "/tmp") {
		t.Errorf("findings do not report the reserved directory:\n%s", out)
	}

	if _, code := cli(t, "validate", filepath.Join(dir, "absent")); code != ExitUsage {
		t.Errorf("missing rootfs exit code = %d, want %d", code, ExitUsage)
	}
}

func TestCacheCommands(t *testing.T) {
	dir := isolate(t)

	out, code := cli(t, "cache", "path")
	if code != ExitCommitted || strings.TrimSpace(out) != filepath.Join(dir, "cache") {
		t.Fatalf("cache path = %q (exit %d)", out, code)
	}

	stale := filepath.Join(dir, "cache", "stages", "ab", "abcdef")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, code := cli(t, "cache", "prune"); code != ExitCommitted {
		t.Fatalf("prune exit code = %d", code)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stage cache entry survived prune: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	out, code := cli(t, "version")
	if code != ExitCommitted || !strings.HasPrefix(out, "stagecraft ") {
		t.Errorf("version = %q (exit %d)", out, code)
	}
}
