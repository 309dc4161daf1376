package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// isolate keeps the user's real config and environment out of the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, used, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != "" {
		t.Errorf("config file used = %q, want none", used)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("defaults (-want +got):\n%s", diff)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "tool.yaml")
	doc := `
cache_dir: /var/cache/sc
image_paths: [/srv/images, /opt/images]
strict_pins: false
run_timeout: 5m
fetch:
  retries: 1
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STAGECRAFT_PARALLEL_DOWNLOADS", "9")
	t.Setenv("STAGECRAFT_FETCH_TIMEOUT", "15s")
	t.Setenv("STAGECRAFT_LOG_FORMAT", "json")

	cfg, used, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != path {
		t.Errorf("config file used = %q", used)
	}

	want := Default()
	want.CacheDir = "/var/cache/sc"
	want.ImagePaths = []string{"/srv/images", "/opt/images"}
	want.StrictPins = false
	want.RunTimeout = 5 * time.Minute
	want.ParallelDownloads = 9
	want.Fetch.Timeout = 15 * time.Second
	want.Fetch.Retries = 1
	want.Log = LogConfig{Level: "debug", Format: "json"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
}

func TestLoadDiscoversWorkingDirectoryFile(t *testing.T) {
	dir := isolate(t)
	if err := os.WriteFile(filepath.Join(dir, "stagecraft.toml"), []byte("docker_images = true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, used, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DockerImages || filepath.Base(used) != "stagecraft.toml" {
		t.Errorf("docker_images = %v, used = %q", cfg.DockerImages, used)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	if _, _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.ParallelDownloads = 0
	cfg.Fetch.Retries = 99
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"parallel_downloads", "fetch.retries", "log.level", "log.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
