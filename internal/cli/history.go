package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyPrune time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded batch runs or show one in detail",
	Long: `Without arguments, list the most recent batch runs. With a run id (or a
unique prefix of one), show every guest outcome and failure of that run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to list")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "delete runs older than this age, e.g. 720h")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.openHistory()
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("run history is disabled (history.enabled: false)")
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if historyPrune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-historyPrune))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Pruned %d run(s) older than %s.\n", n, historyPrune)
		return nil
	}

	if len(args) == 0 {
		runs, err := store.ListRuns(ctx, historyLimit)
		if err != nil {
			return err
		}
		if outputJSON {
			return writeJSON(out, runs)
		}
		renderRuns(out, runs)
		return nil
	}

	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	guests, err := store.Outcomes(ctx, run.ID)
	if err != nil {
		return err
	}
	failures, err := store.Failures(ctx, run.ID)
	if err != nil {
		return err
	}
	res := &reconcile.Result{
		RunID:       run.ID,
		Plan:        run.Plan,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Guests:      guests,
		Failures:    failures,
		Interrupted: run.Interrupted,
	}
	if outputJSON {
		return writeJSON(out, res)
	}
	fmt.Fprintf(out, "Plan: %s\nStarted: %s\n", run.Plan, run.StartedAt.Local().Format(time.DateTime))
	renderResult(out, res)
	return nil
}
