package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sofmeright/stagecraft/src/rootfs"
)

// Output formats.
const (
	FormatTar = "tar"
	FormatDir = "dir"
)

// commit writes the final rootfs to the output directory in the requested
// format. Everything is written next to its destination and renamed into
// place so a failed commit leaves no partial image.
func (b *Builder) commit(name, rootfsDir string) (string, error) {
	if err := os.MkdirAll(b.opts.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}

	switch b.opts.Format {
	case FormatDir:
		final := filepath.Join(b.opts.OutputDir, name)
		tmp, err := os.MkdirTemp(b.opts.OutputDir, "."+name+"-*")
		if err != nil {
			return "", err
		}
		if err := rootfs.CopyTree(rootfsDir, tmp); err != nil {
			os.RemoveAll(tmp)
			return "", fmt.Errorf("copying image: %w", err)
		}
		if err := os.RemoveAll(final); err != nil {
			os.RemoveAll(tmp)
			return "", err
		}
		if err := os.Rename(tmp, final); err != nil {
			os.RemoveAll(tmp)
			return "", err
		}
		return final, nil

	case FormatTar, "":
		final := filepath.Join(b.opts.OutputDir, name+".tar.gz")
		tmp := final + ".tmp"
		if err := rootfs.WriteTarGz(rootfsDir, tmp); err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("writing image archive: %w", err)
		}
		if err := os.Rename(tmp, final); err != nil {
			os.Remove(tmp)
			return "", err
		}
		return final, nil

	default:
		return "", fmt.Errorf("unknown output format %q (want tar or dir)", b.opts.Format)
	}
}

// WriteReport writes the build report as <name>.json into dir.
func WriteReport(dir string, res *BuildResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, res.Name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}
