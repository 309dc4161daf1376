// Package cmd implements the stagecraft command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	// Step handlers and validator modules register themselves in init.
	_ "github.com/sofmeright/stagecraft/src/build/steps"
	_ "github.com/sofmeright/stagecraft/src/lint/modules"

	"github.com/sofmeright/stagecraft/src/config"
	"github.com/sofmeright/stagecraft/src/version"
)

var (
	cfgFile  string
	verbose  bool
	logLevel string
	cfg      *config.Config
	logger   *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Declarative multi-stage OS image assembly",
	Long: `stagecraft assembles a bootable OS image filesystem from a declarative,
multi-stage manifest. Stages run in isolated scratch filesystems, hand
artifacts to later stages, and the final filesystem is validated before it
is committed.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var (
			err  error
			used string
		)
		cfg, used, err = config.Load(cfgFile)
		if err != nil {
			return usageError(fmt.Errorf("loading config: %w", err))
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logger, err = newLogger(cmd.ErrOrStderr(), cfg.Log); err != nil {
			return usageError(err)
		}
		if used != "" {
			logger.Debug("loaded config", "file", used)
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/stagecraft/stagecraft.yaml or ./stagecraft.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging (same as --log-level debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (default: from config)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})
}

// newLogger builds the process logger from the log settings. --verbose wins
// over the configured level.
func newLogger(w io.Writer, lc config.LogConfig) (*log.Logger, error) {
	level, err := log.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	if verbose {
		level = log.DebugLevel
	}

	formatter := log.TextFormatter
	switch lc.Format {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}

	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		Prefix:          config.AppName,
	}), nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(version.String()),
		fang.WithNotifySignal(os.Interrupt),
	)
	return exitCode(err)
}
