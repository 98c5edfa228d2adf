package cli

import (
	"errors"
	"fmt"

	"github.com/jamesprial/pvebatch/internal/wizard"
	"github.com/spf13/cobra"
)

// runWizard guides the operator through guest selection, operation,
// parameters and snapshot policy, then runs the batch.
func runWizard(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.connect(); err != nil {
		return err
	}

	guests, err := a.inventory().List(cmd.Context())
	if err != nil {
		return err
	}

	p, err := openPrompter()
	if err != nil {
		return err
	}
	defer p.Close()

	sel, err := wizard.New(p, p.Stdout(), guests).Run()
	if errors.Is(err, wizard.ErrQuit) {
		fmt.Fprintln(p.Stdout(), "Bye.")
		return nil
	}
	if err != nil {
		return err
	}
	return executeBatch(cmd, a, sel.IDs, sel.Plan, p)
}
