package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/jamesprial/pvebatch/internal/vm"
	"github.com/jamesprial/pvebatch/internal/wizard"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// prompter is an interactive terminal prompt.
type prompter interface {
	wizard.Prompter
	Stdout() io.Writer
	Close() error
}

var openPrompter = func() (prompter, error) {
	p, err := wizard.NewReadlinePrompter()
	if err != nil {
		return nil, err
	}
	return p, nil
}

var (
	runOperation   string
	runIDs         string
	runAll         bool
	runVersion     string
	runMemory      int
	runSnapshot    string
	runDryRun      bool
	runConfirmEach bool
	runYes         bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Apply one operation to a set of guests",
	Long: `Apply one operation to the selected guests, one at a time in ascending
VMID order. Guests already in the target state are skipped. Running guests are
shut down before the change and started again afterwards.

Operations: ` + strings.Join(kindStrings(), ", "),
	Example: `  pvebatch run --op machine-q35 --machine-version 8.1 --ids 100-105 --snapshot create
  pvebatch run --op display-memory-set --memory 64 --all --dry-run
  pvebatch run --op snapshot-only --snapshot replace --ids 200,201 --yes`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runOperation, "op", "", "operation kind (required)")
	runCmd.Flags().StringVar(&runIDs, "ids", "", "VMIDs to process, e.g. 100,101,110-115")
	runCmd.Flags().BoolVar(&runAll, "all", false, "process every guest allowed by the safety filter")
	runCmd.Flags().StringVar(&runVersion, "machine-version", "", "target machine version for machine conversions, e.g. 8.1")
	runCmd.Flags().IntVar(&runMemory, "memory", 0, fmt.Sprintf("display memory in MiB for display-memory-set (%d-%d)", reconcile.MinDisplayMemory, reconcile.MaxDisplayMemory))
	runCmd.Flags().StringVar(&runSnapshot, "snapshot", "none", "snapshot policy after a change: create, replace or none")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "report what would change without touching any guest")
	runCmd.Flags().BoolVar(&runConfirmEach, "confirm-each", false, "ask before changing each guest")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "do not ask for confirmation before the batch")
	_ = runCmd.MarkFlagRequired("op")
	runCmd.MarkFlagsMutuallyExclusive("ids", "all")
	runCmd.MarkFlagsOneRequired("ids", "all")

	rootCmd.AddCommand(runCmd)
}

func kindStrings() []string {
	out := make([]string, len(reconcile.Kinds))
	for i, k := range reconcile.Kinds {
		out[i] = string(k)
	}
	return out
}

func buildPlan() (reconcile.Plan, error) {
	kind, err := reconcile.ParseKind(runOperation)
	if err != nil {
		return reconcile.Plan{}, err
	}
	policy, err := reconcile.ParsePolicy(runSnapshot)
	if err != nil {
		return reconcile.Plan{}, err
	}
	plan := reconcile.Plan{
		Operation: reconcile.Operation{
			Kind:            kind,
			Version:         runVersion,
			DisplayMemoryMB: runMemory,
		},
		Snapshot:    policy,
		DryRun:      runDryRun,
		ConfirmEach: runConfirmEach,
	}
	if err := plan.Validate(); err != nil {
		return reconcile.Plan{}, err
	}
	return plan, nil
}

func selectTargets(ctx context.Context, inv *reconcile.Inventory, ids string, all bool) ([]int, error) {
	if all {
		guests, err := inv.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(guests) == 0 {
			return nil, errors.New("no selectable guests on this node")
		}
		return reconcile.IDs(guests), nil
	}
	parsed, err := vm.ParseIDList(ids)
	if err != nil {
		return nil, err
	}
	return inv.Select(ctx, parsed)
}

func runRun(cmd *cobra.Command, _ []string) error {
	plan, err := buildPlan()
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.connect(); err != nil {
		return err
	}

	ids, err := selectTargets(cmd.Context(), a.inventory(), runIDs, runAll)
	if err != nil {
		return err
	}

	var p prompter
	if (!plan.DryRun && !runYes) || (plan.ConfirmEach && !plan.DryRun) {
		if p, err = openPrompter(); err != nil {
			return err
		}
		defer p.Close()
	}
	if !plan.DryRun && !runYes {
		answer, err := p.Ask(fmt.Sprintf("Apply %s to %d guest(s)? [y/N] ", plan, len(ids)))
		if err != nil && !errors.Is(err, wizard.ErrQuit) {
			return err
		}
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	return executeBatch(cmd, a, ids, plan, p)
}

// executeBatch runs the batch, records it and prints the summary. p may be
// nil unless plan.ConfirmEach is set.
func executeBatch(cmd *cobra.Command, a *app, ids []int, plan reconcile.Plan, p prompter) error {
	out := cmd.OutOrStdout()
	if p != nil {
		out = p.Stdout()
	}

	var opts []reconcile.Option
	if plan.ConfirmEach && p != nil {
		opts = append(opts, reconcile.WithConfirmer(wizard.PromptConfirmer{Prompter: p}))
	}
	if !quiet && !outputJSON {
		opts = append(opts, reconcile.WithObserver(newProgress(out, !plan.ConfirmEach)))
	}

	hist, err := a.openHistory()
	if err != nil {
		a.logger.Warn("run history disabled", zap.Error(err))
	}
	defer hist.Close()

	rec := &recorder{next: a.orchestrator(opts...), history: hist, metrics: a.metrics, logger: a.logger}
	res, err := rec.Run(cmd.Context(), ids, plan)
	if err != nil {
		return err
	}

	if outputJSON {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		renderResult(out, res)
	}

	switch {
	case res.HasFailures():
		return &BatchFailedError{RunID: res.RunID, Failures: len(res.Failures)}
	case res.Interrupted:
		return errors.New("batch interrupted")
	}
	return nil
}
