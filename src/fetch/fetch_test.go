package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestBytesRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c := New(time.Second, 3, time.Millisecond, nil)
	data, err := c.Bytes(context.Background(), srv.URL+"/pkg")
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q", data)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestBytesDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(time.Second, 5, time.Millisecond, nil)
	_, err := c.Bytes(context.Background(), srv.URL+"/missing")

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (404 is permanent)", calls.Load())
	}
}

func TestBytesGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(time.Second, 2, time.Millisecond, nil)
	if _, err := c.Bytes(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(20*time.Millisecond, 0, time.Millisecond, nil)
	_, err := c.Bytes(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !Transient(err) {
		t.Errorf("timeout not classified transient: %v", err)
	}
}

func TestFileURL(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "index.yaml")
	if err := os.WriteFile(src, []byte("packages: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(0, 0, 0, nil)
	for _, u := range []string{src, "file://" + src} {
		data, err := c.Bytes(context.Background(), u)
		if err != nil {
			t.Fatalf("Bytes(%s): %v", u, err)
		}
		if string(data) != "packages: []\n" {
			t.Errorf("Bytes(%s) = %q", u, data)
		}
	}

	dst := filepath.Join(dir, "copy")
	if err := c.File(context.Background(), src, dst); err != nil {
		t.Fatalf("File: %v", err)
	}
}

func TestPlainPathWithSpaces(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my images", "100% local")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "index.yaml")
	if err := os.WriteFile(src, []byte("packages: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(0, 0, 0, nil)
	data, err := c.Bytes(context.Background(), src)
	if err != nil {
		t.Fatalf("Bytes(%s): %v", src, err)
	}
	if string(data) != "packages: []\n" {
		t.Errorf("Bytes(%s) = %q", src, data)
	}
}

func TestUnsupportedScheme(t *testing.T) {
	c := New(0, 0, 0, nil)
	if _, err := c.Bytes(context.Background(), "ftp://example.com/x"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}
