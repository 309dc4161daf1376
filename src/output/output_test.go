package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/manifest"
)

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Microsecond, "<1ms"},
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30.0s"},
	}
	for _, tt := range tests {
		if got := FormatElapsed(tt.d); got != tt.want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFindingsSummaryLine(t *testing.T) {
	findings := []lint.Finding{
		{Module: "reserved", Severity: lint.SeverityCritical},
		{Module: "symlinks", Severity: lint.SeverityWarning},
		{Module: "symlinks", Severity: lint.SeverityWarning},
	}
	got := FindingsSummaryLine(findings, 7, false)
	want := "3 findings in 7 files: 1 critical, 2 warning"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := FindingsSummaryLine(nil, 0, false); !strings.HasSuffix(got, "no findings") {
		t.Errorf("empty summary = %q", got)
	}
}

func TestSectionFindingsGroupsByFile(t *testing.T) {
	var buf bytes.Buffer
	sec := NewSection(&buf, "Validate", 0, false)
	SectionFindings(sec, []lint.Finding{
		{File: "/tmp", Module: "reserved", Severity: lint.SeverityCritical, Message: "not empty"},
		{File: "/etc/key", Line: 3, Module: "secrets", Severity: lint.SeverityCritical, Message: "private key"},
	}, false)
	sec.Close()

	out := buf.String()
	if strings.Index(out, "/etc/key") > strings.Index(out, "/tmp") {
		t.Errorf("files not sorted:\n%s", out)
	}
	if !strings.Contains(out, "CRIT") || !strings.Contains(out, "private key") {
		t.Errorf("finding rows missing:\n%s", out)
	}
}

func TestPlanSection(t *testing.T) {
	disabled := false
	m := &manifest.Manifest{Name: "demo", Stages: []manifest.Stage{
		{Name: "builder", From: "scratch", Outputs: map[string]string{"app": "/out/app"}, Steps: []manifest.Step{{Run: "make"}}},
		{Name: "final", From: "base:1", Steps: []manifest.Step{
			{Copy: &manifest.Copy{From: "builder", Artifact: "app", Dest: "/usr/bin/app"}},
			{Run: "echo off", Enabled: &disabled},
		}},
	}}
	plan, err := build.NewPlan(m, "")
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	PlanSection(&buf, plan, false)
	out := buf.String()
	for _, want := range []string{"1. builder", "2. final (target)", "needs   builder", "copy builder:app -> /usr/bin/app", "⊘"} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output missing %q:\n%s", want, out)
		}
	}
}

func TestShortDigest(t *testing.T) {
	d := digest.Digest("sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if got := ShortDigest(d); got != "sha256:0123456789ab" {
		t.Errorf("ShortDigest = %q", got)
	}
}

func TestBuildSummaryMarksRejectedBuild(t *testing.T) {
	res := &build.BuildResult{
		State: "Rejected",
		Stages: []build.StageResult{
			{Name: "builder", Status: build.StatusFailed, Steps: []build.StepResult{{Index: 1}}},
		},
		Transitions: []build.Transition{{State: "Pending"}, {State: "BuilderRunning"}, {State: "Rejected"}},
	}
	var buf bytes.Buffer
	BuildSummary(&buf, res, false)
	out := buf.String()
	if !strings.Contains(out, "Pending → BuilderRunning → Rejected") {
		t.Errorf("missing state path:\n%s", out)
	}
	if strings.Contains(out, "image") {
		t.Errorf("rejected build must not report an image:\n%s", out)
	}
	if !strings.Contains(out, "✗") {
		t.Errorf("missing failure icon:\n%s", out)
	}
}
