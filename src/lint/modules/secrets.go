package modules

import (
	"bytes"
	"context"
	"os"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/sofmeright/stagecraft/src/lint"
)

// maxSecretScanSize bounds the files handed to the detector; larger files are
// almost always binaries or data sets.
const maxSecretScanSize = 1 << 20

func init() {
	lint.Register("secrets", func() lint.Module { return &secretsModule{} })
}

// The detector is shared; gitleaks scans fragments from many goroutines with one detector.
var sharedDetector = sync.OnceValues(detect.NewDetectorDefaultConfig)

type secretsModule struct{}

func (m *secretsModule) Name() string        { return "secrets" }
func (m *secretsModule) DefaultEnabled() bool { return true }
func (m *secretsModule) Cacheable() bool      { return true }

func (m *secretsModule) Check(ctx context.Context, t *lint.Target, file lint.FileInfo) ([]lint.Finding, error) {
	if !file.Mode.IsRegular() || file.Size == 0 || file.Size > maxSecretScanSize {
		return nil, nil
	}

	data, err := os.ReadFile(file.AbsPath)
	if err != nil {
		return nil, err
	}
	if isBinary(data) {
		return nil, nil
	}

	detector, err := sharedDetector()
	if err != nil {
		return nil, err
	}

	hits := detector.DetectBytes(data)
	if len(hits) == 0 {
		return nil, nil
	}

	findings := make([]lint.Finding, 0, len(hits))
	for _, h := range hits {
		findings = append(findings, lint.Finding{
			File:     file.Path,
			Line:     h.StartLine + 1, // gitleaks is 0-indexed
			Module:   m.Name(),
			Severity: lint.SeverityCritical,
			Message:  h.Description + " (" + h.RuleID + ")",
		})
	}
	return findings, nil
}

func isBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}
