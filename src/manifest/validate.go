package manifest

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	identifierRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.\-]*$`)
	envKeyRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	commitRe     = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// Validate checks structural invariants that the schema cannot express.
// Every problem is reported, joined with "; ". Stage references are checked
// when the build is planned.
func (m *Manifest) Validate() error {
	var errs []string

	if m.Version != 1 {
		errs = append(errs, fmt.Sprintf("version: must be 1, got %d", m.Version))
	}
	if m.Name == "" {
		errs = append(errs, "name: required")
	}
	if len(m.Stages) == 0 {
		errs = append(errs, "stages: at least one stage is required")
	}

	// ── Repositories ──────────────────────────────────────────────────────

	repoNames := make(map[string]bool)
	for i, r := range m.Repositories {
		rpath := fmt.Sprintf("repositories[%d]", i)
		if repoNames[r.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate repository name %q", rpath, r.Name))
		}
		repoNames[r.Name] = true
	}

	// ── Stages ────────────────────────────────────────────────────────────

	stageNames := make(map[string]bool)
	for i := range m.Stages {
		st := &m.Stages[i]
		spath := fmt.Sprintf("stages[%d]", i)

		if !identifierRe.MatchString(st.Name) {
			errs = append(errs, fmt.Sprintf("%s: name %q is not a valid identifier", spath, st.Name))
		} else if stageNames[st.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate stage name %q", spath, st.Name))
		}
		stageNames[st.Name] = true

		if st.Runner != "" && st.Runner != RunnerShell && st.Runner != RunnerChroot {
			errs = append(errs, fmt.Sprintf("%s: unknown runner %q (supported: shell, chroot)", spath, st.Runner))
		}
		errs = append(errs, checkEnv(spath+".env", st.Env)...)

		for _, name := range sortedKeys(st.Outputs) {
			if !identifierRe.MatchString(name) {
				errs = append(errs, fmt.Sprintf("%s.outputs: key %q is not a valid identifier", spath, name))
			}
			if !path.IsAbs(st.Outputs[name]) {
				errs = append(errs, fmt.Sprintf("%s.outputs.%s: path %q must be absolute", spath, name, st.Outputs[name]))
			}
		}

		for j := range st.Steps {
			errs = append(errs, checkStep(fmt.Sprintf("%s.steps[%d]", spath, j), &st.Steps[j])...)
		}
	}

	// ── Validation ────────────────────────────────────────────────────────

	for _, p := range m.Validate.Entrypoints {
		if !path.IsAbs(p) {
			errs = append(errs, fmt.Sprintf("validate.entrypoints: %q must be absolute", p))
		}
	}
	for _, p := range m.Validate.Reserved {
		if !path.IsAbs(p) {
			errs = append(errs, fmt.Sprintf("validate.reserved: %q must be absolute", p))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func checkStep(spath string, s *Step) []string {
	var errs []string

	kinds := s.kinds()
	switch len(kinds) {
	case 0:
		errs = append(errs, fmt.Sprintf("%s: no action (want one of install, run, env, copy, clone, service)", spath))
	case 1:
	default:
		errs = append(errs, fmt.Sprintf("%s: multiple actions %s (exactly one allowed)", spath, strings.Join(kinds, ", ")))
	}

	if _, err := s.TimeoutDuration(); err != nil {
		errs = append(errs, fmt.Sprintf("%s.timeout: %v", spath, err))
	}
	if s.Workdir != "" && s.Run == "" {
		errs = append(errs, fmt.Sprintf("%s.workdir: only valid for run steps", spath))
	}
	if s.Workdir != "" && !path.IsAbs(s.Workdir) {
		errs = append(errs, fmt.Sprintf("%s.workdir: %q must be absolute", spath, s.Workdir))
	}

	if s.Install != nil && len(s.Install) == 0 {
		errs = append(errs, fmt.Sprintf("%s.install: at least one package is required", spath))
	}
	errs = append(errs, checkEnv(spath+".env", s.Env)...)

	if c := s.Copy; c != nil {
		cpath := spath + ".copy"
		if !path.IsAbs(c.Dest) {
			errs = append(errs, fmt.Sprintf("%s.dest: %q must be absolute", cpath, c.Dest))
		}
		if c.From == "" {
			if c.Artifact != "" {
				errs = append(errs, fmt.Sprintf("%s: artifact requires from", cpath))
			}
			if c.Src == "" {
				errs = append(errs, fmt.Sprintf("%s: src is required for local copies", cpath))
			} else if path.IsAbs(c.Src) || escapes(c.Src) {
				errs = append(errs, fmt.Sprintf("%s.src: %q must be relative to the context and stay inside it", cpath, c.Src))
			}
		} else {
			if (c.Artifact == "") == (c.Src == "") {
				errs = append(errs, fmt.Sprintf("%s: exactly one of artifact or src is required with from", cpath))
			}
			if c.Src != "" && !path.IsAbs(c.Src) {
				errs = append(errs, fmt.Sprintf("%s.src: %q must be absolute in the source stage", cpath, c.Src))
			}
		}
	}

	if c := s.Clone; c != nil {
		if !path.IsAbs(c.Dest) {
			errs = append(errs, fmt.Sprintf("%s.clone.dest: %q must be absolute", spath, c.Dest))
		}
	}

	if sv := s.Service; sv != nil {
		if path.IsAbs(sv.Unit) || escapes(sv.Unit) {
			errs = append(errs, fmt.Sprintf("%s.service.unit: %q must be relative to the context", spath, sv.Unit))
		}
		if sv.Name != "" && strings.Contains(sv.Name, "/") {
			errs = append(errs, fmt.Sprintf("%s.service.name: %q must be a file name", spath, sv.Name))
		}
	}
	return errs
}

func checkEnv(epath string, env map[string]string) []string {
	var errs []string
	for _, k := range sortedKeys(env) {
		if !envKeyRe.MatchString(k) {
			errs = append(errs, fmt.Sprintf("%s: invalid variable name %q", epath, k))
		}
	}
	return errs
}

// PinViolations lists the references that are not pinned to exact content:
// repositories without an index digest, direct package URLs without
// #sha256=, and clones whose commit is not a full hex SHA. Base images are
// checked when they are resolved.
func (m *Manifest) PinViolations() []string {
	var out []string
	for _, r := range m.Repositories {
		if r.Digest == "" {
			out = append(out, fmt.Sprintf("repository %q: index digest not pinned", r.Name))
		}
	}
	for _, st := range m.Stages {
		for j, s := range st.Steps {
			loc := fmt.Sprintf("stage %q step %d", st.Name, j+1)
			for _, entry := range s.Install {
				if strings.Contains(entry, "://") && !strings.Contains(entry, "#sha256=") {
					out = append(out, fmt.Sprintf("%s: package url %q has no #sha256= pin", loc, entry))
				}
			}
			if s.Clone != nil && !commitRe.MatchString(s.Clone.Commit) {
				out = append(out, fmt.Sprintf("%s: clone commit %q is not a full 40-character sha", loc, s.Clone.Commit))
			}
		}
	}
	return out
}

func escapes(p string) bool {
	c := path.Clean(p)
	return c == ".." || strings.HasPrefix(c, "../")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
