package modules

import (
	"context"
	"fmt"

	"github.com/sofmeright/stagecraft/src/lint"
)

const defaultLargeFileMax int64 = 256 << 20

func init() {
	lint.Register("largefiles", func() lint.Module { return &largeFilesModule{maxBytes: defaultLargeFileMax} })
}

// largeFilesModule warns about oversized regular files, usually build
// leftovers such as core dumps or unpacked archives.
type largeFilesModule struct {
	maxBytes int64
}

func (m *largeFilesModule) Name() string        { return "largefiles" }
func (m *largeFilesModule) DefaultEnabled() bool { return true }

func (m *largeFilesModule) Check(ctx context.Context, t *lint.Target, file lint.FileInfo) ([]lint.Finding, error) {
	if !file.Mode.IsRegular() || file.Size <= m.maxBytes {
		return nil, nil
	}
	return []lint.Finding{{
		File:     file.Path,
		Module:   m.Name(),
		Severity: lint.SeverityWarning,
		Message:  fmt.Sprintf("file size %s exceeds threshold %s", humanSize(file.Size), humanSize(m.maxBytes)),
	}}, nil
}

func humanSize(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
