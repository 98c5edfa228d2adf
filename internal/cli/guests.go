package cli

import (
	"fmt"
	"strconv"

	"github.com/jamesprial/pvebatch/internal/guesttools"
	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List guests pvebatch may operate on",
	Long: `List the guests on this node that pass the safety filter, with their
machine type, CPU model and display settings.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <vmid>",
	Short: "Show a guest's tracked attributes and applicable operations",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <vmid>",
	Short: "List a guest's snapshots",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshots,
}

func init() {
	rootCmd.AddCommand(listCmd, inspectCmd, snapshotsCmd)
}

func parseVMID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid vmid %q", s)
	}
	return id, nil
}

func runList(cmd *cobra.Command, _ []string) error {
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
	rows := make([]guesttools.GuestSummary, len(guests))
	for i, g := range guests {
		rows[i] = guesttools.Summarize(g)
	}
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), rows)
	}
	renderGuests(cmd.OutOrStdout(), rows)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	id, err := parseVMID(args[0])
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

	detail, err := guesttools.Inspect(cmd.Context(), guesttools.Deps{
		Manager:   a.mgr,
		Inventory: a.inventory(),
		Inspector: reconcile.NewInspector(a.store),
	}, id)
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), detail)
	}
	renderDetail(cmd.OutOrStdout(), detail)
	return nil
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	id, err := parseVMID(args[0])
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

	if _, err := a.inventory().Select(cmd.Context(), []int{id}); err != nil {
		return err
	}
	snaps, err := a.mgr.ListSnapshots(cmd.Context(), id)
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), snaps)
	}
	renderSnapshots(cmd.OutOrStdout(), id, snaps)
	return nil
}
