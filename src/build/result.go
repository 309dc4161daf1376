package build

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/pkgmgr"
)

// Step statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusCached  = "cached"
)

// Snapshot is the finished filesystem of a stage.
type Snapshot struct {
	Stage  string
	Dir    string
	Digest digest.Digest
}

// BuildResult is the report of a build run. It is written next to the
// committed image.
type BuildResult struct {
	Name        string           `json:"name"`
	Manifest    string           `json:"manifest"`
	Target      string           `json:"target"`
	State       string           `json:"state"`
	Transitions []Transition     `json:"transitions"`
	Stages      []StageResult    `json:"stages"`
	Packages    []pkgmgr.Package `json:"packages,omitempty"`
	Findings    []lint.Finding   `json:"findings,omitempty"`
	Digest      digest.Digest    `json:"digest,omitempty"`
	Output      string           `json:"output,omitempty"`
	Duration    time.Duration    `json:"duration"`
	Error       string           `json:"error,omitempty"`
}

// StageResult captures the outcome of one stage.
type StageResult struct {
	Name       string        `json:"name"`
	Base       string        `json:"base"`
	// BaseDigest is the tree digest of the unpacked base filesystem.
	// ImageDigest is what the image source reported: a tree digest, an
	// archive file digest, a docker image ID or the reference's pin.
	BaseDigest  digest.Digest `json:"base_digest,omitempty"`
	ImageDigest digest.Digest `json:"image_digest,omitempty"`
	BaseSource  string        `json:"base_source,omitempty"`
	Digest      digest.Digest `json:"digest,omitempty"`
	CacheKey    string        `json:"cache_key,omitempty"`
	Cached      bool          `json:"cached"`
	Status      string        `json:"status"`
	Steps       []StepResult  `json:"steps"`
	Duration    time.Duration `json:"duration"`
}

// StepResult captures the outcome of a single step.
type StepResult struct {
	Index    int              `json:"index"`
	Kind     string           `json:"kind"`
	Label    string           `json:"label"`
	Status   string           `json:"status"`
	Packages []pkgmgr.Package `json:"packages,omitempty"`
	Duration time.Duration    `json:"duration"`
	Error    string           `json:"error,omitempty"`
}
