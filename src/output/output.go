// Package output renders human-facing CLI output: framed sections, status
// icons, findings and build summaries.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/sofmeright/stagecraft/src/lint"
)

var (
	styleBold   = lipgloss.NewStyle().Bold(true)
	styleRed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleGreen  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleYellow = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleCyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleGray   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleHeader = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Faint(true)
)

func paint(style lipgloss.Style, text string, color bool) string {
	if !color {
		return text
	}
	return style.Render(text)
}

// UseColor reports whether w should get colored output.
// Respects NO_COLOR, TERM=dumb and terminal detection.
func UseColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return true
		}
	}
	return IsCI()
}

// FindingsSummaryLine returns a one-line findings summary, optionally colored.
// The file count is omitted when filesScanned is not positive.
func FindingsSummaryLine(findings []lint.Finding, filesScanned int, color bool) string {
	var critical, warning, info int
	for _, f := range findings {
		switch f.Severity {
		case lint.SeverityCritical:
			critical++
		case lint.SeverityWarning:
			warning++
		default:
			info++
		}
	}

	parts := []string{}
	if critical > 0 {
		parts = append(parts, paint(styleRed, fmt.Sprintf("%d critical", critical), color))
	}
	if warning > 0 {
		parts = append(parts, paint(styleYellow, fmt.Sprintf("%d warning", warning), color))
	}
	if info > 0 {
		parts = append(parts, fmt.Sprintf("%d info", info))
	}

	summary := "no findings"
	if len(parts) > 0 {
		summary = strings.Join(parts, ", ")
	}
	total := paint(styleBold, fmt.Sprintf("%d", len(findings)), color)
	if filesScanned <= 0 {
		return fmt.Sprintf("%s findings: %s", total, summary)
	}
	return fmt.Sprintf("%s findings in %d files: %s", total, filesScanned, summary)
}

// severityTag returns a short severity label, optionally colored.
func severityTag(s lint.Severity, color bool) string {
	switch s {
	case lint.SeverityCritical:
		return paint(styleRed, "CRIT", color)
	case lint.SeverityWarning:
		return paint(styleYellow, "WARN", color)
	case lint.SeverityInfo:
		return paint(styleGray, "INFO", color)
	default:
		return s.String()
	}
}

// LintTable writes a per-module stats table inside a section.
func LintTable(sec *Section, stats []lint.ModuleStats) {
	sec.Row("%-16s%6s  %6s  %s", "module", "files", "cached", "findings")
	for _, s := range stats {
		sec.Row("%-16s%5d   %5d   %5d", s.Name, s.Files, s.Cached, s.Findings)
	}
}

// SectionFindings renders findings grouped by image path inside a section.
// Root-level findings without a file come first.
func SectionFindings(sec *Section, findings []lint.Finding, color bool) {
	if len(findings) == 0 {
		return
	}

	byFile := map[string][]lint.Finding{}
	for _, f := range findings {
		byFile[f.File] = append(byFile[f.File], f)
	}

	files := make([]string, 0, len(byFile))
	for file := range byFile {
		files = append(files, file)
	}
	sort.Strings(files)

	sec.Row("")
	for _, file := range files {
		ff := byFile[file]
		sort.Slice(ff, func(i, j int) bool {
			a, b := ff[i], ff[j]
			if a.Line != b.Line {
				return a.Line < b.Line
			}
			if a.Module != b.Module {
				return a.Module < b.Module
			}
			return a.Message < b.Message
		})

		name := file
		if name == "" {
			name = "(image)"
		}
		sec.Row("%s", paint(styleBold, name, color))

		for _, f := range ff {
			loc := "-"
			if f.Line > 0 {
				loc = fmt.Sprintf("%d", f.Line)
			}
			sec.Row("  %-6s %-4s  %-12s %s", paint(styleGray, loc, color), severityTag(f.Severity, color), paint(styleCyan, f.Module, color), f.Message)
		}
		sec.Row("")
	}
}

// RowStatus writes a row with label, detail, and a status icon.
func RowStatus(sec *Section, label, detail, status string, color bool) {
	icon := StatusIcon(status, color)
	if detail != "" {
		sec.Row("%s: %s %s", label, detail, icon)
	} else {
		sec.Row("%s %s", label, icon)
	}
}
