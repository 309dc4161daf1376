package modules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/sofmeright/stagecraft/src/lint"
)

func init() {
	lint.Register("configs", func() lint.Module { return &configsModule{} })
}

// configsModule parses YAML, JSON and TOML files under /etc. Syntax errors
// are critical; duplicate YAML keys are warnings.
type configsModule struct{}

func (m *configsModule) Name() string        { return "configs" }
func (m *configsModule) DefaultEnabled() bool { return true }

func (m *configsModule) Check(ctx context.Context, t *lint.Target, file lint.FileInfo) ([]lint.Finding, error) {
	if !file.Mode.IsRegular() || !strings.HasPrefix(file.Path, "/etc/") {
		return nil, nil
	}
	ext := path.Ext(file.Path)
	if ext != ".yml" && ext != ".yaml" && ext != ".json" && ext != ".toml" {
		return nil, nil
	}

	data, err := os.ReadFile(file.AbsPath)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	switch ext {
	case ".toml":
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return []lint.Finding{m.parseError(file, "TOML", err)}, nil
		}
		return nil, nil
	default:
		// JSON documents are YAML documents.
		format := "YAML"
		if ext == ".json" {
			format = "JSON"
		}
		return m.checkYAML(file, format, data), nil
	}
}

func (m *configsModule) parseError(file lint.FileInfo, format string, err error) lint.Finding {
	return lint.Finding{
		File:     file.Path,
		Module:   m.Name(),
		Severity: lint.SeverityCritical,
		Message:  fmt.Sprintf("%s parse error: %v", format, err),
	}
}

func (m *configsModule) checkYAML(file lint.FileInfo, format string, data []byte) []lint.Finding {
	var findings []lint.Finding
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return append(findings, m.parseError(file, format, err))
		}
		m.walkNode(&node, file.Path, &findings)
	}
	return findings
}

func (m *configsModule) walkNode(node *yaml.Node, filePath string, findings *[]lint.Finding) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			m.walkNode(child, filePath, findings)
		}
	case yaml.MappingNode:
		seen := make(map[string]int) // key -> first line number
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if first, ok := seen[key.Value]; ok {
				*findings = append(*findings, lint.Finding{
					File:     filePath,
					Line:     key.Line,
					Module:   m.Name(),
					Severity: lint.SeverityWarning,
					Message:  fmt.Sprintf("duplicate key %q (first defined at line %d)", key.Value, first),
				})
			} else {
				seen[key.Value] = key.Line
			}
			m.walkNode(node.Content[i+1], filePath, findings)
		}
	}
}
