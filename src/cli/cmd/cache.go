package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the build caches",
}

var cachePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the cache directory",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), cfg.CacheDir)
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove downloaded packages, stage snapshots and cached findings",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCaches(nil)
		err := errors.Join(
			c.packages.Prune(),
			c.stages.Prune(),
			c.lint.Clear(),
		)
		if err != nil {
			return fmt.Errorf("pruning cache: %w", err)
		}
		logger.Info("cache pruned", "dir", cfg.CacheDir)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePathCmd)
	cacheCmd.AddCommand(cachePruneCmd)

	rootCmd.AddCommand(cacheCmd)
}
