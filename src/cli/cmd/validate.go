package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/manifest"
	"github.com/sofmeright/stagecraft/src/output"
)

var (
	validateManifest string
	validateSkip     []string
	validateNoCache  bool
)

var validateCmd = &cobra.Command{
	Use:   "validate <rootfs-dir>",
	Short: "Run the image validator battery over a rootfs",
	Long: `Run the image validator battery over an unpacked rootfs directory.

Entrypoints, reserved directories, skipped modules and exclude patterns are
read from the validate section of --manifest when one is given. Critical
findings fail the command.`,
	Args: exactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateManifest, "manifest", "", "manifest providing validation settings")
	validateCmd.Flags().StringSliceVar(&validateSkip, "skip", nil, "skip these modules (comma-separated)")
	validateCmd.Flags().BoolVar(&validateNoCache, "no-cache", false, "do not use cached findings")

	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	root := args[0]
	if fi, err := os.Stat(root); err != nil {
		return usageError(err)
	} else if !fi.IsDir() {
		return usageError(fmt.Errorf("%s: not a directory", root))
	}

	target := &lint.Target{Root: root, Reserved: manifest.DefaultReserved}
	skip := validateSkip
	if validateManifest != "" {
		m, err := manifest.Load(validateManifest)
		if err != nil {
			return usageError(err)
		}
		target.Entrypoints = m.Validate.Entrypoints
		target.Reserved = m.ReservedPaths()
		target.Exclude = m.Validate.Exclude
		skip = append(skip, m.Validate.Skip...)
	}

	var cache *lint.Cache
	if !validateNoCache {
		cache = newCaches(nil).lint
	}
	engine, err := lint.NewEngine(target, skip, cache, logger)
	if err != nil {
		return usageError(err)
	}

	w := cmd.OutOrStdout()
	color := output.UseColor(w)

	start := time.Now()
	findings, stats, runErr := engine.RunWithStats(cmd.Context())
	elapsed := time.Since(start)

	var files, cached int
	for _, s := range stats {
		files += s.Files
		cached += s.Cached
	}

	output.SectionStart(w, "stagecraft_validate", "Validate")
	sec := output.NewSection(w, "Validate", elapsed, color)
	output.LintTable(sec, stats)
	sec.Separator()
	sec.Row("%-16s%5d   %5d   %d findings", "total", files, cached, len(findings))
	sec.Close()
	output.SectionEnd(w, "stagecraft_validate")

	output.FindingsSection(w, findings, files, color)

	if runErr != nil {
		return runErr
	}
	if critical := lint.Critical(findings); len(critical) > 0 {
		violations := make([]string, len(critical))
		for i, f := range critical {
			violations[i] = f.String()
		}
		return &build.ValidationError{Violations: violations}
	}
	return nil
}
