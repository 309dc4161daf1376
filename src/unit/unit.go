// Package unit reads systemd unit files.
package unit

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/ini.v1"
)

// Directories unit files are installed to and looked up from inside an image.
const (
	SystemDir = "/usr/lib/systemd/system"
	AdminDir  = "/etc/systemd/system"
)

var loadOptions = ini.LoadOptions{
	AllowShadows:               true,
	AllowDuplicateShadowValues: true,
	IgnoreInlineComment:        true,
	KeyValueDelimiters:         "=",
}

// Unit is a parsed unit file.
type Unit struct {
	Name string
	file *ini.File
}

// Parse parses unit file content; name is the unit file name (e.g. app.service).
func Parse(name string, data []byte) (*Unit, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("parsing unit %s: %w", name, err)
	}
	return &Unit{Name: name, file: f}, nil
}

// Type is the unit type suffix without the dot ("service", "timer", ...).
func (u *Unit) Type() string {
	return strings.TrimPrefix(path.Ext(u.Name), ".")
}

// HasSection reports whether the unit declares section.
func (u *Unit) HasSection(section string) bool {
	s, err := u.file.GetSection(section)
	return err == nil && s != nil
}

// Values returns every value of key in section, in file order. Repeated keys
// accumulate, as systemd treats them.
func (u *Unit) Values(section, key string) []string {
	s, err := u.file.GetSection(section)
	if err != nil || !s.HasKey(key) {
		return nil
	}
	return s.Key(key).ValueWithShadows()
}

// Value returns the last value of key in section.
func (u *Unit) Value(section, key string) string {
	vals := u.Values(section, key)
	if len(vals) == 0 {
		return ""
	}
	return vals[len(vals)-1]
}

// WantedBy lists the targets from [Install] WantedBy=, split on whitespace.
func (u *Unit) WantedBy() []string { return u.fields("Install", "WantedBy") }

// RequiredBy lists the targets from [Install] RequiredBy=.
func (u *Unit) RequiredBy() []string { return u.fields("Install", "RequiredBy") }

func (u *Unit) fields(section, key string) []string {
	var out []string
	for _, v := range u.Values(section, key) {
		if v == "" {
			// An empty assignment resets the list.
			out = nil
			continue
		}
		out = append(out, strings.Fields(v)...)
	}
	return out
}

// Problems returns structural issues that would stop systemd from starting the unit.
func (u *Unit) Problems() []string {
	var problems []string
	if !u.HasSection("Unit") && !u.HasSection("Install") && !u.HasSection(sectionFor(u.Type())) {
		problems = append(problems, "no recognizable sections")
	}
	if u.Type() == "service" {
		if !u.HasSection("Service") {
			problems = append(problems, "missing [Service] section")
		} else if problem := u.serviceExecProblem(); problem != "" {
			problems = append(problems, problem)
		}
	}
	return problems
}

// serviceExecProblem applies systemd's load-time command checks: a service
// needs ExecStart=, ExecStop= or SuccessAction=, and only Type=oneshot may
// omit ExecStart=.
func (u *Unit) serviceExecProblem() string {
	if len(u.Values("Service", "ExecStart")) > 0 {
		return ""
	}
	if len(u.Values("Service", "ExecStop")) == 0 && u.Value("Service", "SuccessAction") == "" {
		return "[Service] has no ExecStart=, ExecStop= or SuccessAction="
	}
	if u.Value("Service", "Type") != "oneshot" {
		return "[Service] has no ExecStart=, which only Type=oneshot allows"
	}
	return ""
}

func sectionFor(typ string) string {
	if typ == "" {
		return ""
	}
	return strings.ToUpper(typ[:1]) + typ[1:]
}
