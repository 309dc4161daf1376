// Package config loads stagecraft tool settings: defaults, an optional
// stagecraft.{yaml,toml,json} file and STAGECRAFT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppName names the config file, the env prefix and the config directory.
const AppName = "stagecraft"

// Config holds tool settings. Manifests describe what to build; Config
// describes where and how.
type Config struct {
	CacheDir          string        `mapstructure:"cache_dir"`
	WorkDir           string        `mapstructure:"work_dir"`
	ImagePaths        []string      `mapstructure:"image_paths"`
	DockerImages      bool          `mapstructure:"docker_images"`
	StrictPins        bool          `mapstructure:"strict_pins"`
	ParallelDownloads int           `mapstructure:"parallel_downloads"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	Fetch             FetchConfig   `mapstructure:"fetch"`
	Log               LogConfig     `mapstructure:"log"`
}

// FetchConfig bounds network access.
type FetchConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`
}

// LogConfig selects log verbosity and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in settings.
func Default() *Config {
	cacheDir := filepath.Join(os.TempDir(), AppName+"-cache")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, AppName)
	}
	return &Config{
		CacheDir:          cacheDir,
		WorkDir:           filepath.Join(os.TempDir(), AppName),
		ImagePaths:        []string{filepath.Join(cacheDir, "images")},
		StrictPins:        true,
		ParallelDownloads: 4,
		RunTimeout:        30 * time.Minute,
		Fetch: FetchConfig{
			Timeout: time.Minute,
			Retries: 3,
			Backoff: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Dir returns the per-user configuration directory.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		var err error
		if base, err = os.UserConfigDir(); err != nil {
			return "", fmt.Errorf("locating config dir: %w", err)
		}
	}
	return filepath.Join(base, AppName), nil
}

// Load reads settings. An explicit path must exist; otherwise
// stagecraft.* is looked up in Dir() and then the working directory, and a
// missing file means defaults. It returns the file used, or "".
func Load(path string) (*Config, string, error) {
	v := viper.New()

	d := Default()
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("work_dir", d.WorkDir)
	v.SetDefault("image_paths", d.ImagePaths)
	v.SetDefault("docker_images", d.DockerImages)
	v.SetDefault("strict_pins", d.StrictPins)
	v.SetDefault("parallel_downloads", d.ParallelDownloads)
	v.SetDefault("run_timeout", d.RunTimeout)
	v.SetDefault("fetch.timeout", d.Fetch.Timeout)
	v.SetDefault("fetch.retries", d.Fetch.Retries)
	v.SetDefault("fetch.backoff", d.Fetch.Backoff)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(AppName)
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, "", fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("parsing config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, "", err
	}
	return &cfg, v.ConfigFileUsed(), nil
}
