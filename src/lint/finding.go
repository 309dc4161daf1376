package lint

import (
	"fmt"
	"io/fs"
	"sort"
)

// Severity indicates how serious a finding is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText renders the severity by name in reports.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "info":
		*s = SeverityInfo
	case "warning":
		*s = SeverityWarning
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// Finding is a single validation result.
type Finding struct {
	File     string   `json:"file,omitempty"` // image path, e.g. /etc/passwd
	Line     int      `json:"line,omitempty"`
	Module   string   `json:"module"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// String formats the finding as "module: file:line: message".
func (f Finding) String() string {
	loc := f.File
	if loc != "" && f.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, f.Line)
	}
	if loc == "" {
		return fmt.Sprintf("%s: %s", f.Module, f.Message)
	}
	return fmt.Sprintf("%s: %s: %s", f.Module, loc, f.Message)
}

// FileInfo is passed to each file module for inspection.
type FileInfo struct {
	Path    string      // image path, slash-separated, absolute
	AbsPath string      // host path on disk
	Size    int64
	Mode    fs.FileMode // type bits distinguish regular files from symlinks
}

// Critical returns the critical findings.
func Critical(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			out = append(out, f)
		}
	}
	return out
}

// SortFindings orders findings by file, line, module, then message.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		return a.Message < b.Message
	})
}
