package pkgmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"

	"github.com/sofmeright/stagecraft/src/fetch"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

type testRepo struct {
	t     *testing.T
	dir   string
	index bytes.Buffer
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	r := &testRepo{t: t, dir: t.TempDir()}
	r.index.WriteString("packages:\n")
	return r
}

// add builds an archive containing files and lists it in the index.
func (r *testRepo) add(name, version string, files map[string]string, depends ...string) string {
	r.t.Helper()
	src := r.t.TempDir()
	for p, content := range files {
		full := filepath.Join(src, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			r.t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			r.t.Fatal(err)
		}
	}
	file := fmt.Sprintf("%s-%s.tar.gz", name, version)
	archive := filepath.Join(r.dir, "pool", file)
	if err := os.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
		r.t.Fatal(err)
	}
	if err := rootfs.WriteTarGz(src, archive); err != nil {
		r.t.Fatal(err)
	}
	sum, err := fileSHA256(archive)
	if err != nil {
		r.t.Fatal(err)
	}
	fmt.Fprintf(&r.index, "  - name: %s\n    version: %s\n    url: pool/%s\n    sha256: \"%s\"\n", name, version, file, sum)
	if len(depends) > 0 {
		fmt.Fprintf(&r.index, "    depends: [%s]\n", strings.Join(depends, ", "))
	}
	return sum
}

func (r *testRepo) load(name string) *Repository {
	r.t.Helper()
	path := filepath.Join(r.dir, "index.yaml")
	if err := os.WriteFile(path, r.index.Bytes(), 0o644); err != nil {
		r.t.Fatal(err)
	}
	repo, err := LoadRepository(context.Background(), fetch.New(0, 0, 0, nil), name, path, "")
	if err != nil {
		r.t.Fatalf("LoadRepository: %v", err)
	}
	return repo
}

func newInstaller(t *testing.T, repos ...*Repository) *Installer {
	t.Helper()
	client := fetch.New(time.Second, 0, time.Millisecond, nil)
	return NewInstaller(repos, NewCache(t.TempDir(), client), 4, nil)
}

func TestParseEntry(t *testing.T) {
	sum := strings.Repeat("ab", 32)
	tests := []struct {
		raw        string
		name       string
		constraint string
		url        string
		wantErr    bool
	}{
		{raw: "make", name: "make"},
		{raw: "make@4.3.0", name: "make", constraint: "4.3.0"},
		{raw: "libfoo@^1.2", name: "libfoo", constraint: "^1.2"},
		{raw: "https://example.com/dl/tool-1.0.tar.gz#sha256=" + sum, name: "tool-1.0", url: "https://example.com/dl/tool-1.0.tar.gz"},
		{raw: "https://example.com/tool.tar#md5=abc", wantErr: true},
		{raw: "bad name", wantErr: true},
		{raw: "x@not-a-constraint!", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			e, err := ParseEntry(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEntry: %v", err)
			}
			if e.Name != tt.name || e.Constraint != tt.constraint || e.URL != tt.url {
				t.Errorf("got %+v", e)
			}
		})
	}
}

func TestResolvePicksHighestSatisfying(t *testing.T) {
	r := newTestRepo(t)
	r.add("libfoo", "1.2.0", nil)
	r.add("libfoo", "1.4.1", nil)
	r.add("libfoo", "2.0.0", nil)
	repo := r.load("main")

	entries := mustEntries(t, "libfoo@^1.2", "libfoo@<1.4.0", "libfoo")
	pkgs, err := Resolve(entries, []*Repository{repo})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].Version != "1.2.0" {
		t.Fatalf("pkgs = %+v, want libfoo 1.2.0", pkgs)
	}
}

func TestResolveTransitiveAndRepoOrder(t *testing.T) {
	first := newTestRepo(t)
	first.add("app", "1.0.0", nil, "libbar@>=1.1")
	first.add("libbar", "1.1.0", map[string]string{"from": "first"})
	second := newTestRepo(t)
	second.add("libbar", "1.1.0", map[string]string{"from": "second"})
	second.add("libbar", "1.0.0", nil)

	repos := []*Repository{first.load("first"), second.load("second")}
	pkgs, err := Resolve(mustEntries(t, "app"), repos)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var got []string
	for _, p := range pkgs {
		got = append(got, p.Name+"="+p.Version+"@"+p.Repository)
	}
	want := []string{"app=1.0.0@first", "libbar=1.1.0@first"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("resolution (-want +got):\n%s", diff)
	}
}

func TestResolveUnresolved(t *testing.T) {
	r := newTestRepo(t)
	r.add("libfoo", "1.0.0", nil)
	repo := r.load("main")

	for _, entry := range []string{"missing", "libfoo@>=2"} {
		_, err := Resolve(mustEntries(t, entry), []*Repository{repo})
		var ue *UnresolvedPackage
		if !errors.As(err, &ue) {
			t.Fatalf("Resolve(%s): expected UnresolvedPackage, got %v", entry, err)
		}
	}
}

func TestLoadRepositoryDigestPin(t *testing.T) {
	r := newTestRepo(t)
	r.add("a", "1.0.0", nil)
	r.load("main")
	path := filepath.Join(r.dir, "index.yaml")
	data, _ := os.ReadFile(path)
	client := fetch.New(0, 0, 0, nil)

	good := digest.Canonical.FromBytes(data).String()
	if _, err := LoadRepository(context.Background(), client, "main", path, good); err != nil {
		t.Fatalf("pinned load: %v", err)
	}

	bad := "sha256:" + strings.Repeat("0", 64)
	_, err := LoadRepository(context.Background(), client, "main", path, bad)
	var de *DownloadError
	var ce *ChecksumError
	if !errors.As(err, &de) || !errors.As(err, &ce) {
		t.Fatalf("expected DownloadError wrapping ChecksumError, got %v", err)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	r.add("libfoo", "1.0.0", map[string]string{"usr/lib/libfoo.so": "foo", "usr/share/doc/libfoo/README": "doc"})
	r.add("libbar", "1.2.3", map[string]string{"usr/lib/libbar.so": "bar"})
	in := newInstaller(t, r.load("main"))

	root := t.TempDir()
	ctx := context.Background()
	if _, err := in.Install(ctx, root, []string{"libfoo", "libbar@1.2.3", "libfoo"}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	first := readManifest(t, root)

	res, err := in.Install(ctx, root, []string{"libbar", "libfoo"})
	if err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if res.Unchanged != 2 {
		t.Errorf("Unchanged = %d, want 2", res.Unchanged)
	}
	if second := readManifest(t, root); !bytes.Equal(first, second) {
		t.Errorf("package manifest changed on re-install:\n%s\n---\n%s", first, second)
	}

	db, err := ReadDB(root)
	if err != nil {
		t.Fatal(err)
	}
	foo, _ := db.Get("libfoo")
	want := []string{"/usr/lib/libfoo.so", "/usr/share/doc/libfoo/README"}
	if diff := cmp.Diff(want, foo.Files); diff != "" {
		t.Errorf("libfoo files (-want +got):\n%s", diff)
	}
	if db.Packages[0].Name != "libbar" {
		t.Errorf("packages not sorted by name: %+v", db.Packages)
	}
}

func TestInstallSameSetInFreshRootsIsByteIdentical(t *testing.T) {
	r := newTestRepo(t)
	r.add("a", "1.0.0", map[string]string{"etc/a": "a"})
	r.add("b", "1.0.0", map[string]string{"etc/b": "b"}, "a")
	repo := r.load("main")

	var manifests [][]byte
	for i := 0; i < 2; i++ {
		root := t.TempDir()
		entries := []string{"b", "a"}
		if i == 1 {
			entries = []string{"a", "b"}
		}
		if _, err := newInstaller(t, repo).Install(context.Background(), root, entries); err != nil {
			t.Fatal(err)
		}
		manifests = append(manifests, readManifest(t, root))
	}
	if !bytes.Equal(manifests[0], manifests[1]) {
		t.Errorf("manifests differ:\n%s\n---\n%s", manifests[0], manifests[1])
	}
}

func TestInstallReplacesOldVersion(t *testing.T) {
	r := newTestRepo(t)
	r.add("tool", "1.0.0", map[string]string{"usr/bin/tool": "v1", "usr/share/tool/old-only": "x"})
	r.add("tool", "2.0.0", map[string]string{"usr/bin/tool": "v2"})
	in := newInstaller(t, r.load("main"))

	root := t.TempDir()
	ctx := context.Background()
	if _, err := in.Install(ctx, root, []string{"tool@1.0.0"}); err != nil {
		t.Fatal(err)
	}
	if _, err := in.Install(ctx, root, []string{"tool@2.0.0"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(root, "usr/bin/tool"))
	if err != nil || string(data) != "v2" {
		t.Errorf("tool = %q, %v; want v2", data, err)
	}
	if _, err := os.Stat(filepath.Join(root, "usr/share/tool/old-only")); !os.IsNotExist(err) {
		t.Errorf("file of replaced version still present: %v", err)
	}
}

func TestInstallCollectsAllDownloadErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	idx := fmt.Sprintf("packages:\n  - {name: a, version: 1.0.0, url: a.tar.gz, sha256: %s}\n  - {name: b, version: 1.0.0, url: b.tar.gz, sha256: %s}\n",
		strings.Repeat("a", 64), strings.Repeat("b", 64))
	path := filepath.Join(t.TempDir(), "index.yaml")
	if err := os.WriteFile(path, []byte(idx), 0o644); err != nil {
		t.Fatal(err)
	}
	repo, err := LoadRepository(context.Background(), fetch.New(0, 0, 0, nil), "main", path, "")
	if err != nil {
		t.Fatal(err)
	}
	// Point the archives at the server.
	for name, cands := range repo.candidates {
		for i := range cands {
			cands[i].URL = srv.URL + "/" + name + ".tar.gz"
		}
	}

	root := t.TempDir()
	_, err = newInstaller(t, repo).Install(context.Background(), root, []string{"a", "b"})
	if err == nil {
		t.Fatal("expected download error")
	}
	for _, name := range []string{`download a`, `download b`} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not report %s", err, name)
		}
	}
	var de *DownloadError
	if !errors.As(err, &de) {
		t.Errorf("expected DownloadError in %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, DBPath)); !os.IsNotExist(err) {
		t.Error("package manifest written despite failed downloads")
	}
}

func TestCacheRejectsChecksumMismatch(t *testing.T) {
	src := filepath.Join(t.TempDir(), "pkg.tar")
	if err := os.WriteFile(src, []byte("not what you pinned"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewCache(t.TempDir(), fetch.New(0, 0, 0, nil))
	sum := strings.Repeat("f", 64)

	_, _, err := c.Get(context.Background(), sum, src)
	var ce *ChecksumError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ChecksumError, got %v", err)
	}
	if _, err := os.Stat(c.Path(sum)); !os.IsNotExist(err) {
		t.Error("unverified archive was stored under its final name")
	}
}

func TestCacheSharesConcurrentDownloads(t *testing.T) {
	payload := []byte("archive bytes")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Write(payload)
	}))
	defer srv.Close()

	c := NewCache(t.TempDir(), fetch.New(time.Second, 0, 0, nil))
	sum := digest.Canonical.FromBytes(payload).Encoded()

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, _, err := c.Get(context.Background(), sum, srv.URL)
			errs <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if _, hit, _ := c.Get(context.Background(), sum, srv.URL); !hit {
		t.Error("expected cache hit after download")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}
}

func mustEntries(t *testing.T, raw ...string) []Entry {
	t.Helper()
	var out []Entry
	for _, r := range raw {
		e, err := ParseEntry(r)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func readManifest(t *testing.T, root string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, DBPath))
	if err != nil {
		t.Fatal(err)
	}
	return data
}
