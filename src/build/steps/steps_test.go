package steps

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/manifest"
)

func newStepContext(t *testing.T, step manifest.Step) *build.StepContext {
	t.Helper()
	return &build.StepContext{
		Stage:      &manifest.Stage{Name: "test"},
		Step:       &step,
		Index:      1,
		Root:       t.TempDir(),
		ContextDir: t.TempDir(),
		Env:        map[string]string{},
		Snapshots:  map[string]*build.Snapshot{},
		Output:     io.Discard,
		Logger:     log.New(io.Discard),
		Result:     &build.StepResult{},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRegisteredKinds(t *testing.T) {
	for _, kind := range []string{
		manifest.KindInstall, manifest.KindRun, manifest.KindEnv,
		manifest.KindCopy, manifest.KindClone, manifest.KindService,
	} {
		h, err := build.Get(kind)
		if err != nil {
			t.Errorf("no handler for %s: %v", kind, err)
			continue
		}
		if h.Kind() != kind {
			t.Errorf("handler for %s reports kind %s", kind, h.Kind())
		}
	}
}

func TestRunUsesWorkdirAndEnvironment(t *testing.T) {
	sc := newStepContext(t, manifest.Step{
		Run:     `pwd > "$ROOTFS/pwd"; echo "$STAGE $GREETING" > "$ROOTFS/env"`,
		Workdir: "/work",
	})
	sc.Env["GREETING"] = "hi"

	if err := (&Run{}).Run(context.Background(), sc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(readFile(t, filepath.Join(sc.Root, "pwd"))); got != filepath.Join(sc.Root, "work") {
		t.Errorf("pwd = %q", got)
	}
	if got := readFile(t, filepath.Join(sc.Root, "env")); got != "test hi\n" {
		t.Errorf("env = %q", got)
	}
}

func TestRunExitStatusAndTimeout(t *testing.T) {
	sc := newStepContext(t, manifest.Step{Run: "exit 7"})
	err := (&Run{}).Run(context.Background(), sc)
	if err == nil || !strings.Contains(err.Error(), "exit status 7") {
		t.Errorf("exit error = %v", err)
	}

	sc = newStepContext(t, manifest.Step{Run: "sleep 5"})
	sc.Timeout = 100 * time.Millisecond
	start := time.Now()
	err = (&Run{}).Run(context.Background(), sc)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("timeout error = %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout did not stop the script")
	}
}

func TestEnvAffectsLaterSteps(t *testing.T) {
	sc := newStepContext(t, manifest.Step{Env: map[string]string{"A": "1"}})
	sc.Env["B"] = "2"
	if err := (&Env{}).Run(context.Background(), sc); err != nil {
		t.Fatal(err)
	}
	if sc.Env["A"] != "1" || sc.Env["B"] != "2" {
		t.Errorf("env = %v", sc.Env)
	}
}

func TestLocalCopy(t *testing.T) {
	tests := []struct {
		name string
		src  string
		dest string
		want []string
	}{
		{name: "trailing slash merges", src: "files/", dest: "/", want: []string{"a.txt", "sub/b.txt"}},
		{name: "directory keeps its name", src: "files", dest: "/opt", want: []string{"opt/files/a.txt", "opt/files/sub/b.txt"}},
		{name: "file into directory", src: "files/a.txt", dest: "/etc/", want: []string{"etc/a.txt"}},
		{name: "file renamed", src: "files/a.txt", dest: "/etc/renamed", want: []string{"etc/renamed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newStepContext(t, manifest.Step{Copy: &manifest.Copy{Src: tt.src, Dest: tt.dest}})
			writeFile(t, filepath.Join(sc.ContextDir, "files", "a.txt"), "a")
			writeFile(t, filepath.Join(sc.ContextDir, "files", "sub", "b.txt"), "b")

			if err := (&Copy{}).Run(context.Background(), sc); err != nil {
				t.Fatalf("Run: %v", err)
			}
			for _, p := range tt.want {
				if _, err := os.Stat(filepath.Join(sc.Root, filepath.FromSlash(p))); err != nil {
					t.Errorf("missing %s: %v", p, err)
				}
			}
		})
	}
}

func TestCopyFromStageMissingPath(t *testing.T) {
	sc := newStepContext(t, manifest.Step{Copy: &manifest.Copy{From: "builder", Src: "/out/missing", Dest: "/x"}})
	sc.Snapshots["builder"] = &build.Snapshot{Stage: "builder", Dir: t.TempDir()}

	err := (&Copy{}).Run(context.Background(), sc)
	ma, ok := err.(*build.MissingArtifact)
	if !ok {
		t.Fatalf("expected MissingArtifact, got %T: %v", err, err)
	}
	if ma.Path != "/out/missing" || ma.Stage != "test" {
		t.Errorf("MissingArtifact = %+v", ma)
	}
}

func TestCopyFromStagePreservesSymlinks(t *testing.T) {
	sc := newStepContext(t, manifest.Step{Copy: &manifest.Copy{From: "builder", Src: "/out", Dest: "/opt/app"}})
	snap := t.TempDir()
	writeFile(t, filepath.Join(snap, "out", "bin", "app-1.0"), "bin")
	if err := os.Symlink("app-1.0", filepath.Join(snap, "out", "bin", "app")); err != nil {
		t.Fatal(err)
	}
	sc.Snapshots["builder"] = &build.Snapshot{Stage: "builder", Dir: snap}

	if err := (&Copy{}).Run(context.Background(), sc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	target, err := os.Readlink(filepath.Join(sc.Root, "opt", "app", "bin", "app"))
	if err != nil || target != "app-1.0" {
		t.Errorf("symlink = %q, %v", target, err)
	}
}

func TestCopyLocalOverlayKeepsMergedUsrLinks(t *testing.T) {
	sc := newStepContext(t, manifest.Step{Copy: &manifest.Copy{Src: "files/", Dest: "/"}})
	writeFile(t, filepath.Join(sc.Root, "usr", "bin", "sh"), "shell")
	if err := os.Symlink("usr/bin", filepath.Join(sc.Root, "bin")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(sc.ContextDir, "files", "bin", "tool"), "tool")

	if err := (&Copy{}).Run(context.Background(), sc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := readFile(t, filepath.Join(sc.Root, "bin", "sh")); got != "shell" {
		t.Errorf("/bin/sh = %q after overlay", got)
	}
	if got := readFile(t, filepath.Join(sc.Root, "usr", "bin", "tool")); got != "tool" {
		t.Errorf("/usr/bin/tool = %q", got)
	}
	if target, err := os.Readlink(filepath.Join(sc.Root, "bin")); err != nil || target != "usr/bin" {
		t.Errorf("/bin link = %q, %v", target, err)
	}
}

const appUnit = `[Unit]
Description=App

[Service]
ExecStart=/usr/local/bin/app

[Install]
WantedBy=multi-user.target
RequiredBy=graphical.target
`

func TestServiceInstallsAndEnables(t *testing.T) {
	sc := newStepContext(t, manifest.Step{Service: &manifest.Service{Unit: "files/app.service", Enable: true}})
	writeFile(t, filepath.Join(sc.ContextDir, "files", "app.service"), appUnit)

	if err := (&Service{}).Run(context.Background(), sc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := readFile(t, filepath.Join(sc.Root, "usr/lib/systemd/system/app.service")); got != appUnit {
		t.Errorf("installed unit differs:\n%s", got)
	}
	for _, link := range []string{
		"etc/systemd/system/multi-user.target.wants/app.service",
		"etc/systemd/system/graphical.target.requires/app.service",
	} {
		target, err := os.Readlink(filepath.Join(sc.Root, link))
		if err != nil {
			t.Errorf("%s: %v", link, err)
			continue
		}
		if target != "/usr/lib/systemd/system/app.service" {
			t.Errorf("%s -> %s", link, target)
		}
	}
}

func TestServiceWithoutEnableOnlyInstalls(t *testing.T) {
	sc := newStepContext(t, manifest.Step{Service: &manifest.Service{Unit: "app.service", Name: "renamed.service"}})
	writeFile(t, filepath.Join(sc.ContextDir, "app.service"), appUnit)

	if err := (&Service{}).Run(context.Background(), sc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sc.Root, "usr/lib/systemd/system/renamed.service")); err != nil {
		t.Errorf("unit not installed under its name: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sc.Root, "etc/systemd")); !os.IsNotExist(err) {
		t.Error("disabled service was linked")
	}
}

func TestServiceAcceptsOneshotWithOnlyExecStop(t *testing.T) {
	sc := newStepContext(t, manifest.Step{Service: &manifest.Service{Unit: "cleanup.service"}})
	writeFile(t, filepath.Join(sc.ContextDir, "cleanup.service"),
		"[Unit]\nDescription=Cleanup on shutdown\n\n[Service]\nType=oneshot\nRemainAfterExit=yes\nExecStop=/usr/bin/cleanup\n")

	if err := (&Service{}).Run(context.Background(), sc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sc.Root, "usr/lib/systemd/system/cleanup.service")); err != nil {
		t.Errorf("unit not installed: %v", err)
	}
}

func TestServiceRejectsUnitWithoutExecStart(t *testing.T) {
	sc := newStepContext(t, manifest.Step{Service: &manifest.Service{Unit: "bad.service"}})
	writeFile(t, filepath.Join(sc.ContextDir, "bad.service"), "[Unit]\nDescription=x\n\n[Service]\nType=simple\n")

	err := (&Service{}).Run(context.Background(), sc)
	if err == nil || !strings.Contains(err.Error(), "ExecStart") {
		t.Errorf("expected ExecStart problem, got %v", err)
	}
}
