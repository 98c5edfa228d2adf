// Package cli implements the pvebatch command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates every guest succeeded or was skipped.
	ExitCodeSuccess = 0
	// ExitCodeError indicates the command could not run (bad flags, config,
	// privileges, host unreachable).
	ExitCodeError = 1
	// ExitCodeBatchFailures indicates a batch ran to completion but at least
	// one step failed.
	ExitCodeBatchFailures = 2
)

// BatchFailedError reports a completed batch with step failures.
type BatchFailedError struct {
	RunID    string
	Failures int
}

func (e *BatchFailedError) Error() string {
	return fmt.Sprintf("batch %s completed with %d failed step(s)", e.RunID, e.Failures)
}

var (
	configPath string
	logLevel   string
	quiet      bool
	outputJSON bool
)

// rootCmd runs the interactive wizard when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "pvebatch",
	Short: "Batch-edit Proxmox VE guest configurations",
	Long: `pvebatch converts machine types and CPU models, sets display memory and
manages snapshots for many Proxmox VE guests at once. Each guest that needs a
change is shut down, edited, optionally snapshotted and restarted if it was
running before.

Run without a subcommand to start the interactive wizard.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runWizard,
}

// SetVersion sets the version reported by --version and the version command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	rootCmd.SetVersionTemplate(`{{printf "pvebatch version %s\n" .Version}}`)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var failed *BatchFailedError
	if errors.As(err, &failed) {
		return ExitCodeBatchFailures
	}
	return ExitCodeError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $PVEBATCH_CONFIG or /etc/pvebatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print results as JSON")
}
