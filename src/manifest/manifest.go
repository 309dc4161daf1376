// Package manifest defines the declarative build document: stages, their
// ordered steps and named outputs, package repositories, validation settings
// and hooks. Manifests may be written in YAML, TOML or CUE; every encoding is
// checked against the same embedded CUE schema before decoding.
package manifest

import (
	"path/filepath"
	"strings"
	"time"
)

// Step kinds.
const (
	KindInstall = "install"
	KindRun     = "run"
	KindEnv     = "env"
	KindCopy    = "copy"
	KindClone   = "clone"
	KindService = "service"
)

// Runners for run steps.
const (
	RunnerShell  = "shell"
	RunnerChroot = "chroot"
)

// Manifest is the top-level build document.
type Manifest struct {
	Version      int          `json:"version" yaml:"version"`
	Name         string       `json:"name" yaml:"name"`
	Context      string       `json:"context,omitempty" yaml:"context,omitempty"`
	Repositories []Repository `json:"repositories,omitempty" yaml:"repositories,omitempty"`
	Stages       []Stage      `json:"stages" yaml:"stages"`
	Validate     Validation   `json:"validate,omitempty" yaml:"validate,omitempty"`
	Hooks        Hooks        `json:"hooks,omitempty" yaml:"hooks,omitempty"`

	// Path is the file the manifest was loaded from.
	Path string `json:"-" yaml:"-"`
}

// Repository is a package repository index.
type Repository struct {
	Name   string `json:"name" yaml:"name"`
	Index  string `json:"index" yaml:"index"`
	Digest string `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// Stage is one linear phase of the build with its own filesystem.
type Stage struct {
	Name    string            `json:"name" yaml:"name"`
	From    string            `json:"from" yaml:"from"`
	Runner  string            `json:"runner,omitempty" yaml:"runner,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Steps   []Step            `json:"steps,omitempty" yaml:"steps,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Step is a single instruction. Exactly one action field is set.
type Step struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Workdir string `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Install []string          `json:"install,omitempty" yaml:"install,omitempty"`
	Run     string            `json:"run,omitempty" yaml:"run,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Copy    *Copy             `json:"copy,omitempty" yaml:"copy,omitempty"`
	Clone   *Clone            `json:"clone,omitempty" yaml:"clone,omitempty"`
	Service *Service          `json:"service,omitempty" yaml:"service,omitempty"`
}

// Copy copies local files (From empty) or an artifact of a finished stage.
type Copy struct {
	From     string `json:"from,omitempty" yaml:"from,omitempty"`
	Artifact string `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Src      string `json:"src,omitempty" yaml:"src,omitempty"`
	Dest     string `json:"dest" yaml:"dest"`
}

// Clone fetches a git repository at a pinned commit.
type Clone struct {
	URL     string `json:"url" yaml:"url"`
	Commit  string `json:"commit" yaml:"commit"`
	Dest    string `json:"dest" yaml:"dest"`
	KeepGit bool   `json:"keep_git,omitempty" yaml:"keep_git,omitempty"`
}

// Service installs (and optionally enables) a systemd unit.
type Service struct {
	Unit   string `json:"unit" yaml:"unit"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Enable bool   `json:"enable,omitempty" yaml:"enable,omitempty"`
}

// Validation configures the image validator.
type Validation struct {
	Entrypoints []string `json:"entrypoints,omitempty" yaml:"entrypoints,omitempty"`
	Reserved    []string `json:"reserved,omitempty" yaml:"reserved,omitempty"`
	Skip        []string `json:"skip,omitempty" yaml:"skip,omitempty"`
	Exclude     []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// Hooks are external executables run around the build.
type Hooks struct {
	PostBuild string `json:"post_build,omitempty" yaml:"post_build,omitempty"`
}

// DefaultReserved are the directories that must be empty in a committed image
// when the manifest does not list its own.
var DefaultReserved = []string{"/tmp", "/var/tmp", "/run"}

// ContextDir returns the absolute directory local sources are read from.
func (m *Manifest) ContextDir() string {
	base := filepath.Dir(m.Path)
	if m.Context == "" {
		return base
	}
	if filepath.IsAbs(m.Context) {
		return m.Context
	}
	return filepath.Join(base, m.Context)
}

// Stage returns the stage with the given name.
func (m *Manifest) Stage(name string) (*Stage, bool) {
	for i := range m.Stages {
		if m.Stages[i].Name == name {
			return &m.Stages[i], true
		}
	}
	return nil, false
}

// ReservedPaths returns the configured reserved directories or the defaults.
func (m *Manifest) ReservedPaths() []string {
	if len(m.Validate.Reserved) > 0 {
		return m.Validate.Reserved
	}
	return DefaultReserved
}

// RunnerName returns the stage runner, defaulting to the in-process shell.
func (s *Stage) RunnerName() string {
	if s.Runner == "" {
		return RunnerShell
	}
	return s.Runner
}

// Dependencies returns the names of stages this stage copies from, in first-use order.
func (s *Stage) Dependencies() []string {
	seen := map[string]bool{}
	var deps []string
	for _, step := range s.Steps {
		if step.Copy == nil || step.Copy.From == "" || seen[step.Copy.From] {
			continue
		}
		seen[step.Copy.From] = true
		deps = append(deps, step.Copy.From)
	}
	return deps
}

// Kind returns the action kind of the step, or "" when none is set.
// When several actions are set, the first in declaration order wins;
// Validate rejects such steps.
func (s *Step) Kind() string {
	kinds := s.kinds()
	if len(kinds) == 0 {
		return ""
	}
	return kinds[0]
}

func (s *Step) kinds() []string {
	var kinds []string
	if s.Install != nil {
		kinds = append(kinds, KindInstall)
	}
	if s.Run != "" {
		kinds = append(kinds, KindRun)
	}
	if s.Env != nil {
		kinds = append(kinds, KindEnv)
	}
	if s.Copy != nil {
		kinds = append(kinds, KindCopy)
	}
	if s.Clone != nil {
		kinds = append(kinds, KindClone)
	}
	if s.Service != nil {
		kinds = append(kinds, KindService)
	}
	return kinds
}

// IsEnabled reports whether the step runs. Steps are enabled unless disabled explicitly.
func (s *Step) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// TimeoutDuration parses the step timeout; zero means "use the default".
func (s *Step) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(s.Timeout)
}

// Label is a short human description of the step for logs and reports.
func (s *Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind() {
	case KindInstall:
		return truncate(KindInstall+" "+strings.Join(s.Install, ", "), 60)
	case KindRun:
		return truncate(KindRun+" "+firstLine(s.Run), 60)
	case KindEnv:
		return KindEnv
	case KindCopy:
		src := s.Copy.Src
		if s.Copy.Artifact != "" {
			src = s.Copy.Artifact
		}
		if s.Copy.From != "" {
			src = s.Copy.From + ":" + src
		}
		return truncate("copy "+src+" -> "+s.Copy.Dest, 60)
	case KindClone:
		return truncate("clone "+s.Clone.URL, 60)
	case KindService:
		return truncate("service "+s.Service.Unit, 60)
	}
	return "?"
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
