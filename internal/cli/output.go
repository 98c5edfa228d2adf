package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jamesprial/pvebatch/internal/guesttools"
	"github.com/jamesprial/pvebatch/internal/history"
	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/jamesprial/pvebatch/internal/vm"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func kindNames(kinds []reconcile.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func renderGuests(w io.Writer, guests []guesttools.GuestSummary) {
	t := newTable(w, "")
	t.AppendHeader(table.Row{"VMID", "Name", "Status", "Machine", "CPU", "Display"})
	for _, g := range guests {
		machine, cpu, display := "?", "?", "?"
		if g.Attributes != nil {
			machine = g.Attributes.Get(reconcile.AttrMachine)
			cpu = g.Attributes.Get(reconcile.AttrCPU)
			display = orDash(g.Attributes.Get(reconcile.AttrDisplay))
		}
		t.AppendRow(table.Row{g.VMID, g.Name, colorStatus(g.Status), machine, cpu, display})
	}
	t.Render()
}

func colorStatus(s vm.Status) string {
	switch s {
	case vm.StatusRunning:
		return text.FgGreen.Sprint(s)
	case vm.StatusStopped:
		return text.FgHiBlack.Sprint(s)
	}
	return text.FgYellow.Sprint(s)
}

func renderDetail(w io.Writer, d guesttools.GuestDetail) {
	t := newTable(w, fmt.Sprintf("VM %d", d.VMID))
	t.AppendRow(table.Row{"Status", colorStatus(d.Status)})
	for _, attr := range reconcile.TrackedAttributes {
		t.AppendRow(table.Row{strings.ToUpper(string(attr[:1])) + string(attr[1:]), orDash(d.Attributes.Get(attr))})
	}
	t.AppendRow(table.Row{"Applicable", kindNames(d.Applicable)})
	t.Render()
}

func renderSnapshots(w io.Writer, id int, snaps []vm.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintf(w, "VM %d has no snapshots.\n", id)
		return
	}
	t := newTable(w, fmt.Sprintf("Snapshots of VM %d", id))
	t.AppendHeader(table.Row{"#", "Name", "Created", "Description"})
	for i, s := range snaps {
		created := "-"
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.Format(time.DateTime)
		}
		desc := s.Description
		if !s.HasDescription() {
			desc = "-"
		}
		t.AppendRow(table.Row{i + 1, s.Name, created, desc})
	}
	t.Render()
}

func colorOutcome(o reconcile.Outcome) string {
	switch o {
	case reconcile.OutcomeSucceeded:
		return text.FgGreen.Sprint(o)
	case reconcile.OutcomeFailed:
		return text.FgRed.Sprint(o)
	case reconcile.OutcomeNotProcessed:
		return text.FgYellow.Sprint(o)
	}
	return text.FgHiBlack.Sprint(o)
}

func renderResult(w io.Writer, res *reconcile.Result) {
	title := "Batch " + res.RunID
	if res.Plan.DryRun {
		title += " (dry-run)"
	}
	t := newTable(w, title)
	t.AppendHeader(table.Row{"VMID", "Outcome", "Was running", "Snapshot", "Duration"})
	for _, g := range res.Guests {
		snap := string(g.Snapshot.Action)
		if g.Snapshot.Name != "" {
			snap += " " + g.Snapshot.Name
		}
		t.AppendRow(table.Row{g.VMID, colorOutcome(g.Outcome), g.WasRunning, orDash(snap), g.Duration.Round(time.Millisecond)})
	}
	counts := res.Counts()
	var parts []string
	for _, o := range reconcile.Outcomes {
		if counts[o] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[o], o))
		}
	}
	t.AppendFooter(table.Row{"", strings.Join(parts, ", "), "", "", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)})
	t.Render()

	if res.Interrupted {
		fmt.Fprintln(w, text.FgYellow.Sprint("Batch interrupted; remaining guests were not processed."))
	}
	renderFailures(w, res.Failures)
}

func renderFailures(w io.Writer, failures []reconcile.Failure) {
	if len(failures) == 0 {
		return
	}
	t := newTable(w, "Failures")
	t.AppendHeader(table.Row{"VMID", "Step", "Message"})
	for _, f := range failures {
		t.AppendRow(table.Row{f.VMID, f.Step, f.Message})
	}
	t.Render()
}

func renderRuns(w io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No batch runs recorded.")
		return
	}
	t := newTable(w, "")
	t.AppendHeader(table.Row{"Run", "Started", "Plan", "Guests", "Failures"})
	for _, r := range runs {
		plan := r.Plan.String()
		if r.Interrupted {
			plan += ", interrupted"
		}
		t.AppendRow(table.Row{shortID(r.ID), r.StartedAt.Local().Format(time.DateTime), plan, r.Guests, r.Failures})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// progress reports per-guest progress. With a terminal and no per-guest
// prompts it shows a spinner while a guest is processed.
type progress struct {
	out     io.Writer
	spinner *spinner.Spinner
}

func newProgress(out io.Writer, useSpinner bool) *progress {
	p := &progress{out: out}
	if useSpinner {
		p.spinner = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	}
	return p
}

func (p *progress) GuestStarted(id, index, total int) {
	msg := fmt.Sprintf("VM %d (%d/%d)", id, index+1, total)
	if p.spinner != nil {
		p.spinner.Suffix = " " + msg
		p.spinner.Start()
		return
	}
	fmt.Fprintln(p.out, msg+" ...")
}

func (p *progress) GuestFinished(res reconcile.GuestResult) {
	if p.spinner != nil {
		p.spinner.Stop()
	}
	fmt.Fprintf(p.out, "VM %d: %s (%s)\n", res.VMID, colorOutcome(res.Outcome), res.Duration.Round(time.Millisecond))
}
