package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json", "logfmt"}
)

// Validate checks loaded settings. Every problem is reported, joined with "; ".
func Validate(cfg *Config) error {
	var errs []string

	// ── Paths ─────────────────────────────────────────────────────────────

	if cfg.CacheDir == "" {
		errs = append(errs, "cache_dir: required")
	}
	if cfg.WorkDir == "" {
		errs = append(errs, "work_dir: required")
	}
	for i, p := range cfg.ImagePaths {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Sprintf("image_paths[%d]: empty path", i))
		}
	}

	// ── Limits ────────────────────────────────────────────────────────────

	if cfg.ParallelDownloads < 1 || cfg.ParallelDownloads > 64 {
		errs = append(errs, fmt.Sprintf("parallel_downloads: must be between 1 and 64, got %d", cfg.ParallelDownloads))
	}
	if cfg.RunTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("run_timeout: must be positive, got %s", cfg.RunTimeout))
	}
	if cfg.Fetch.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("fetch.timeout: must be positive, got %s", cfg.Fetch.Timeout))
	}
	if cfg.Fetch.Retries < 0 || cfg.Fetch.Retries > 10 {
		errs = append(errs, fmt.Sprintf("fetch.retries: must be between 0 and 10, got %d", cfg.Fetch.Retries))
	}
	if cfg.Fetch.Backoff < 0 {
		errs = append(errs, fmt.Sprintf("fetch.backoff: must not be negative, got %s", cfg.Fetch.Backoff))
	}

	// ── Logging ───────────────────────────────────────────────────────────

	if !contains(logLevels, cfg.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level: unknown level %q (supported: %s)", cfg.Log.Level, strings.Join(logLevels, ", ")))
	}
	if !contains(logFormats, cfg.Log.Format) {
		errs = append(errs, fmt.Sprintf("log.format: unknown format %q (supported: %s)", cfg.Log.Format, strings.Join(logFormats, ", ")))
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
