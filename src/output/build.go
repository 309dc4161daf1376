package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/lint"
)

// ShortDigest abbreviates a digest to algorithm plus 12 hex characters.
func ShortDigest(d digest.Digest) string {
	if d.Validate() != nil {
		return string(d)
	}
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return d.Algorithm().String() + ":" + enc
}

// StageSection renders the steps of one finished (or failed) stage.
func StageSection(w io.Writer, sr build.StageResult, color bool) {
	sec := NewSection(w, "Stage "+sr.Name, sr.Duration, color)
	base := sr.Base
	if sr.BaseDigest != "" {
		base += " " + Dimmed(ShortDigest(sr.BaseDigest), color)
	}
	sec.Row("%-8s%s", "base", base)
	if sr.Cached {
		sec.Row("%-8s%s", "cache", paint(styleCyan, "hit", color))
	}
	if len(sr.Steps) > 0 {
		sec.Separator()
	}
	for _, st := range sr.Steps {
		elapsed := ""
		if st.Duration > 0 {
			elapsed = Dimmed(FormatElapsed(st.Duration), color)
		}
		sec.Row("%2d %s %-8s %s %s", st.Index, StatusIcon(st.Status, color), st.Kind, st.Label, elapsed)
		for _, p := range st.Packages {
			sec.Row("       %s %s", p.Name, Dimmed(p.Version, color))
		}
	}
	if sr.Digest != "" {
		sec.Separator()
		sec.Row("%-8s%s", "digest", ShortDigest(sr.Digest))
	}
	sec.Close()
}

// BuildSummary renders the per-stage overview, the final state and where the
// image was written.
func BuildSummary(w io.Writer, res *build.BuildResult, color bool) {
	sec := NewSection(w, "Summary", 0, color)
	for _, sr := range res.Stages {
		detail := fmt.Sprintf("%d steps  %s", len(sr.Steps), FormatElapsed(sr.Duration))
		SummaryRow(w, sr.Name, sr.Status, detail, color)
	}
	states := make([]string, len(res.Transitions))
	for i, t := range res.Transitions {
		states[i] = t.State
	}
	sec.Separator()
	sec.Row("%-12s%s", "path", Dimmed(strings.Join(states, " → "), color))
	if res.Output != "" {
		sec.Row("%-12s%s", "image", res.Output)
		sec.Row("%-12s%s", "digest", res.Digest)
	}

	status := "success"
	if res.State != string(build.PhaseCommitted) {
		status = "failed"
	}
	SummaryTotal(w, res.Duration, status, color)
	sec.Close()
}

// PlanSection renders a build plan: stages in execution order with their
// bases, dependencies and steps.
func PlanSection(w io.Writer, plan *build.Plan, color bool) {
	sec := NewSection(w, "Plan "+plan.Manifest.Name, 0, color)
	for i, ps := range plan.Stages {
		if i > 0 {
			sec.Separator()
		}
		head := fmt.Sprintf("%d. %s", i+1, paint(styleBold, ps.Name, color))
		if ps.Name == plan.Target().Name {
			head += " " + Dimmed("(target)", color)
		}
		sec.Row("%s", head)
		sec.Row("   %-8s%s", "from", ps.From)
		if len(ps.Deps) > 0 {
			sec.Row("   %-8s%s", "needs", strings.Join(ps.Deps, ", "))
		}
		for j := range ps.Steps {
			step := &ps.Steps[j]
			status := "success"
			if !step.IsEnabled() {
				status = "skipped"
			}
			sec.Row("   %2d %s %-8s %s", j+1, StatusIcon(status, color), step.Kind(), step.Label())
		}
	}
	sec.Close()
}

// FindingsSection renders validator findings followed by a severity summary.
// Nothing is written when there are no findings.
func FindingsSection(w io.Writer, findings []lint.Finding, filesScanned int, color bool) {
	if len(findings) == 0 {
		return
	}
	sec := NewSection(w, "Findings", 0, color)
	SectionFindings(sec, findings, color)
	sec.Separator()
	sec.Row("%s", FindingsSummaryLine(findings, filesScanned, color))
	sec.Close()
}
