// Package fetch retrieves remote and local resources (package archives,
// repository indexes) with per-attempt timeouts and bounded retry of
// transient network failures.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
)

// Client fetches http(s) and file URLs.
type Client struct {
	HTTP    *http.Client
	Timeout time.Duration // per attempt; zero means no per-attempt limit
	Retries int           // additional attempts for transient failures
	Backoff time.Duration // initial backoff, doubled per attempt
	Logger  *log.Logger
}

// New creates a client with the given limits.
func New(timeout time.Duration, retries int, initialBackoff time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Client{
		HTTP:    &http.Client{},
		Timeout: timeout,
		Retries: retries,
		Backoff: initialBackoff,
		Logger:  logger,
	}
}

// StatusError is returned for HTTP responses >= 400.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, e.Body)
}

// Do fetches rawURL and hands the body to consume. consume may be called once
// per attempt, so it must reset any state it writes to.
func (c *Client) Do(ctx context.Context, rawURL string, consume func(r io.Reader) error) error {
	// Plain filesystem paths are opened as-is; "%", "#" and "?" are literal.
	if !strings.Contains(rawURL, "://") {
		return c.doFile(rawURL, consume)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "file":
		return c.doFile(u.Path, consume)
	case "http", "https":
	default:
		return fmt.Errorf("unsupported url scheme %q in %s", u.Scheme, rawURL)
	}

	return c.Retry(ctx, rawURL, func() error {
		return c.doHTTP(ctx, rawURL, consume)
	})
}

// Retry runs op until it succeeds, fails with a non-transient error, or the
// retry budget is spent. what labels retry log lines.
func (c *Client) Retry(ctx context.Context, what string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.Backoff
	eb.MaxElapsedTime = 0
	var policy backoff.BackOff = eb
	policy = backoff.WithMaxRetries(policy, uint64(max(c.Retries, 0)))
	policy = backoff.WithContext(policy, ctx)

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.Logger.Warn("retrying", "url", what, "attempt", attempt, "wait", wait, "err", err)
	}
	return backoff.RetryNotify(wrapped, policy, notify)
}

// Bytes fetches rawURL into memory.
func (c *Client) Bytes(ctx context.Context, rawURL string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.Do(ctx, rawURL, func(r io.Reader) error {
		buf.Reset()
		_, err := io.Copy(&buf, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// File fetches rawURL into path, truncating it on every attempt.
func (c *Client) File(ctx context.Context, rawURL, path string) error {
	return c.Do(ctx, rawURL, func(r io.Reader) error {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func (c *Client) doHTTP(ctx context.Context, rawURL string, consume func(io.Reader) error) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: rawURL, Code: resp.StatusCode, Body: truncateBody(body, 256)}
	}

	if err := consume(resp.Body); err != nil {
		return fmt.Errorf("reading %s: %w", rawURL, err)
	}
	return nil
}

func (c *Client) doFile(path string, consume func(io.Reader) error) error {
	f, err := os.Open(filepath.FromSlash(path))
	if err != nil {
		return err
	}
	defer f.Close()
	return consume(f)
}

// Transient reports whether err is worth retrying: timeouts, truncated or reset
// connections, HTTP 429 and 5xx responses.
func Transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func truncateBody(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
