package manifest

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource []byte

// maxManifestSize bounds manifest files; anything larger is not a hand-written manifest.
const maxManifestSize = 4 << 20

// Load reads, schema-checks and validates a manifest. The encoding is chosen
// by file extension: .yaml/.yml, .toml or .cue.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	m.Path = abs
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// Parse decodes manifest data. filename selects the encoding and labels errors;
// Parse does not run Validate.
func Parse(data []byte, filename string) (*Manifest, error) {
	if len(data) > maxManifestSize {
		return nil, fmt.Errorf("%s: manifest exceeds %d bytes", filename, maxManifestSize)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if schema.Err() != nil {
		return nil, fmt.Errorf("internal error: compiling manifest schema: %w", schema.Err())
	}
	root := schema.LookupPath(cue.ParsePath("#Manifest"))
	if root.Err() != nil {
		return nil, fmt.Errorf("internal error: #Manifest not found: %w", root.Err())
	}

	var user cue.Value
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		var doc any
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%s: parsing yaml: %w", filename, err)
		}
		user = ctx.Encode(doc)
	case ".toml":
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%s: parsing toml: %w", filename, err)
		}
		user = ctx.Encode(doc)
	case ".cue":
		user = ctx.CompileBytes(data, cue.Filename(filename))
	default:
		return nil, fmt.Errorf("%s: unsupported manifest format %q (want .yaml, .toml or .cue)", filename, ext)
	}
	if user.Err() != nil {
		return nil, formatError(user.Err(), filename)
	}

	unified := root.Unify(user)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatError(err, filename)
	}

	var m Manifest
	if err := unified.Decode(&m); err != nil {
		return nil, formatError(err, filename)
	}
	return &m, nil
}

// formatError flattens CUE errors to "file: path: message" lines.
func formatError(err error, filename string) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("%s: %w", filename, err)
	}
	seen := map[string]bool{}
	var lines []string
	for _, e := range errs {
		path := strings.Join(cueerrors.Path(e), ".")
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		line := msg
		if path != "" {
			line = path + ": " + msg
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, line)
	}
	return fmt.Errorf("%s: %s", filename, strings.Join(lines, "; "))
}
