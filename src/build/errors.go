package build

import (
	"fmt"
	"strings"
)

// ImageResolveError is returned when a stage's base image cannot be resolved.
type ImageResolveError struct {
	Stage string
	Ref   string
	Err   error
}

func (e *ImageResolveError) Error() string {
	return fmt.Sprintf("stage %q: resolving base image %s: %v", e.Stage, e.Ref, e.Err)
}

func (e *ImageResolveError) Unwrap() error { return e.Err }

// InstructionError is returned when a step fails. Index is 1-based.
type InstructionError struct {
	Stage  string
	Index  int
	Kind   string
	Output string // tail of the captured step output
	Err    error
}

func (e *InstructionError) Error() string {
	msg := fmt.Sprintf("stage %q step %d (%s): %v", e.Stage, e.Index, e.Kind, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *InstructionError) Unwrap() error { return e.Err }

// MissingArtifact is returned when a copy names an artifact that the source
// stage does not declare (plan time) or whose path does not exist in the
// source snapshot (run time).
type MissingArtifact struct {
	Stage    string // consuming stage
	From     string // producing stage
	Artifact string
	Path     string
}

func (e *MissingArtifact) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("stage %q: stage %q declares no output %q", e.Stage, e.From, e.Artifact)
	}
	what := e.Path
	if e.Artifact != "" {
		what = fmt.Sprintf("%s (%s)", e.Artifact, e.Path)
	}
	return fmt.Sprintf("stage %q: artifact %s not found in stage %q", e.Stage, what, e.From)
}

// UnknownStage is returned for references to undeclared stages.
type UnknownStage struct {
	Stage string // referencing stage, "" for the build target
	Ref   string
}

func (e *UnknownStage) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("unknown stage %q", e.Ref)
	}
	return fmt.Sprintf("stage %q: copy from unknown stage %q", e.Stage, e.Ref)
}

// CycleError is returned when copy references form a cycle.
type CycleError struct {
	Stages []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("stage dependency cycle: %s", strings.Join(e.Stages, " -> "))
}

// PinError lists references that are not pinned in strict mode.
type PinError struct {
	Violations []string
}

func (e *PinError) Error() string {
	return fmt.Sprintf("unpinned references (strict mode; use --allow-unpinned to relax):\n  %s", strings.Join(e.Violations, "\n  "))
}

// ValidationError carries the violated rules of a rejected image.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("image validation failed (%d violations):\n  %s", len(e.Violations), strings.Join(e.Violations, "\n  "))
}

// HookError is returned when the post-build hook rejects the image.
type HookError struct {
	Hook   string
	Output string
	Err    error
}

func (e *HookError) Error() string {
	msg := fmt.Sprintf("post-build hook %s: %v", e.Hook, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *HookError) Unwrap() error { return e.Err }
