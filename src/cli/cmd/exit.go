package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/pkgmgr"
)

// Process exit codes.
const (
	ExitCommitted   = 0
	ExitInternal    = 1
	ExitUsage       = 2 // manifest, config or usage error
	ExitResolve     = 3
	ExitInstruction = 4
	ExitValidation  = 5 // validator or post-build hook rejection
	ExitCancelled   = 130
)

// ExitError carries an explicit exit code to main.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Err: err}
}

// exitCode maps an error returned by a command to the process exit code.
// Resolve failures are checked before InstructionError since a failing step
// may wrap one.
func exitCode(err error) int {
	if err == nil {
		return ExitCommitted
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	if errors.Is(err, context.Canceled) {
		return ExitCancelled
	}

	var (
		imageErr    *build.ImageResolveError
		unknown     *build.UnknownStage
		missing     *build.MissingArtifact
		unresolved  *pkgmgr.UnresolvedPackage
		download    *pkgmgr.DownloadError
		instruction *build.InstructionError
		validation  *build.ValidationError
		hook        *build.HookError
		pin         *build.PinError
		cycle       *build.CycleError
	)
	switch {
	case errors.As(err, &imageErr), errors.As(err, &unknown), errors.As(err, &missing),
		errors.As(err, &unresolved), errors.As(err, &download):
		return ExitResolve
	case errors.As(err, &instruction):
		return ExitInstruction
	case errors.As(err, &validation), errors.As(err, &hook):
		return ExitValidation
	case errors.As(err, &pin), errors.As(err, &cycle):
		return ExitUsage
	}
	return ExitInternal
}

// exactArgs is cobra.ExactArgs with the usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}
