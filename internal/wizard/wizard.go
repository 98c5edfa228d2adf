// Package wizard walks an operator through building a batch plan: which
// guests, which operation, its parameters, the snapshot policy, and a final
// confirmation. Every step accepts "b" to go back and "q" to quit.
package wizard

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/jamesprial/pvebatch/internal/vm"
	"github.com/jedib0t/go-pretty/v6/table"
)

// State is a step of the wizard.
type State int

const (
	StateSelectEntities State = iota
	StateChooseOperation
	StateConfigureOperationDetails
	StateChooseSnapshotPolicy
	StateConfirmAndRun
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSelectEntities:
		return "select-entities"
	case StateChooseOperation:
		return "choose-operation"
	case StateConfigureOperationDetails:
		return "configure-operation-details"
	case StateChooseSnapshotPolicy:
		return "choose-snapshot-policy"
	case StateConfirmAndRun:
		return "confirm-and-run"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Selection is what the wizard produces.
type Selection struct {
	IDs  []int
	Plan reconcile.Plan
}

// Wizard is the interactive plan builder. It is single use.
type Wizard struct {
	prompter Prompter
	out      io.Writer
	guests   []vm.VM

	state State
	ids   []int
	op    reconcile.Operation
	plan  reconcile.Plan
}

// New returns a wizard offering guests. out receives menus and summaries.
func New(p Prompter, out io.Writer, guests []vm.VM) *Wizard {
	return &Wizard{prompter: p, out: out, guests: guests, state: StateSelectEntities}
}

// State returns the current step.
func (w *Wizard) State() State {
	return w.state
}

// errBack is returned by a step when the operator asked to go back.
var errBack = errors.New("back")

// Run drives the state machine until the plan is confirmed or the operator
// quits, in which case ErrQuit is returned.
func (w *Wizard) Run() (Selection, error) {
	if len(w.guests) == 0 {
		return Selection{}, errors.New("no selectable guests on this node")
	}
	steps := map[State]func() (State, error){
		StateSelectEntities:            w.selectEntities,
		StateChooseOperation:           w.chooseOperation,
		StateConfigureOperationDetails: w.configureDetails,
		StateChooseSnapshotPolicy:      w.choosePolicy,
		StateConfirmAndRun:             w.confirm,
	}

	for w.state != StateDone {
		next, err := steps[w.state]()
		switch {
		case errors.Is(err, errBack):
			w.state = w.previous()
		case err != nil:
			return Selection{}, err
		default:
			w.state = next
		}
	}
	return Selection{IDs: w.ids, Plan: w.plan}, nil
}

// previous returns the step "back" leads to from the current one.
func (w *Wizard) previous() State {
	switch w.state {
	case StateChooseOperation:
		return StateSelectEntities
	case StateConfigureOperationDetails:
		return StateChooseOperation
	case StateChooseSnapshotPolicy:
		if needsDetails(w.op.Kind) {
			return StateConfigureOperationDetails
		}
		return StateChooseOperation
	case StateConfirmAndRun:
		return StateChooseSnapshotPolicy
	}
	return w.state
}

func needsDetails(k reconcile.Kind) bool {
	return k.IsMachine() || k == reconcile.KindDisplayMemorySet
}

// ask reads one answer and interprets the navigation commands.
func (w *Wizard) ask(prompt string) (string, error) {
	answer, err := w.prompter.Ask(prompt)
	if errors.Is(err, io.EOF) {
		return "", ErrQuit
	}
	if err != nil {
		return "", err
	}
	switch strings.ToLower(answer) {
	case "q", "quit", "exit":
		return "", ErrQuit
	case "b", "back":
		return "", errBack
	}
	return answer, nil
}

func (w *Wizard) printf(format string, args ...any) {
	fmt.Fprintf(w.out, format, args...)
}

func (w *Wizard) selectEntities() (State, error) {
	t := table.NewWriter()
	t.SetOutputMirror(w.out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"VMID", "Name", "Status", "Machine", "CPU"})
	known := make(map[int]struct{}, len(w.guests))
	for _, g := range w.guests {
		known[g.ID] = struct{}{}
		t.AppendRow(table.Row{g.ID, g.Name, g.Status, g.Config[vm.KeyMachine], g.Config[vm.KeyCPU]})
	}
	t.Render()

	for {
		answer, err := w.ask("Guests (e.g. 100,101,105-107 or all): ")
		if errors.Is(err, errBack) {
			w.printf("Already at the first step.\n")
			continue
		}
		if err != nil {
			return w.state, err
		}

		var ids []int
		if strings.EqualFold(answer, "all") {
			ids = reconcile.IDs(w.guests)
		} else {
			ids, err = vm.ParseIDList(answer)
			if err != nil {
				w.printf("%v\n", err)
				continue
			}
		}
		if missing := unknownIDs(ids, known); len(missing) > 0 {
			w.printf("Unknown or excluded VMIDs: %v\n", missing)
			continue
		}
		if len(ids) == 0 {
			w.printf("Select at least one guest.\n")
			continue
		}
		w.ids = ids
		return StateChooseOperation, nil
	}
}

func unknownIDs(ids []int, known map[int]struct{}) []int {
	var out []int
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (w *Wizard) chooseOperation() (State, error) {
	for i, k := range reconcile.Kinds {
		w.printf("  %d) %-22s %s\n", i+1, k, k.Description())
	}
	for {
		answer, err := w.ask("Operation: ")
		if err != nil {
			return w.state, err
		}
		kind, ok := pick(answer, reconcile.Kinds)
		if !ok {
			w.printf("Choose 1-%d or an operation name.\n", len(reconcile.Kinds))
			continue
		}
		w.op = reconcile.Operation{Kind: kind}
		if needsDetails(kind) {
			return StateConfigureOperationDetails, nil
		}
		return StateChooseSnapshotPolicy, nil
	}
}

// pick resolves a 1-based menu number or an item name.
func pick[T ~string](answer string, items []T) (T, bool) {
	if n, err := strconv.Atoi(answer); err == nil {
		if n >= 1 && n <= len(items) {
			return items[n-1], true
		}
		return "", false
	}
	for _, it := range items {
		if strings.EqualFold(string(it), answer) {
			return it, true
		}
	}
	return "", false
}

func (w *Wizard) configureDetails() (State, error) {
	for {
		var prompt string
		if w.op.Kind.IsMachine() {
			prompt = "Machine version (e.g. 8.1, empty for latest): "
		} else {
			prompt = fmt.Sprintf("Display memory in MiB (%d-%d): ", reconcile.MinDisplayMemory, reconcile.MaxDisplayMemory)
		}
		answer, err := w.ask(prompt)
		if err != nil {
			return w.state, err
		}

		op := reconcile.Operation{Kind: w.op.Kind}
		if w.op.Kind.IsMachine() {
			op.Version = answer
		} else {
			n, err := strconv.Atoi(answer)
			if err != nil {
				w.printf("Enter a number.\n")
				continue
			}
			op.DisplayMemoryMB = n
		}
		if err := op.Validate(); err != nil {
			w.printf("%v\n", err)
			continue
		}
		w.op = op
		return StateChooseSnapshotPolicy, nil
	}
}

func (w *Wizard) choosePolicy() (State, error) {
	for i, p := range reconcile.Policies {
		w.printf("  %d) %-8s %s\n", i+1, p, p.Description())
	}
	for {
		answer, err := w.ask("Snapshot policy: ")
		if err != nil {
			return w.state, err
		}
		policy, ok := pick(answer, reconcile.Policies)
		if !ok {
			w.printf("Choose 1-%d or a policy name.\n", len(reconcile.Policies))
			continue
		}
		plan := reconcile.Plan{Operation: w.op, Snapshot: policy}
		if err := plan.Validate(); err != nil {
			w.printf("%v\n", err)
			continue
		}
		w.plan = plan
		return StateConfirmAndRun, nil
	}
}

func (w *Wizard) confirm() (State, error) {
	t := table.NewWriter()
	t.SetOutputMirror(w.out)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Batch summary")
	t.AppendRows([]table.Row{
		{"Guests", joinIDs(w.ids)},
		{"Operation", w.plan.Operation.String()},
		{"Snapshot", string(w.plan.Snapshot)},
	})
	t.Render()

	for {
		answer, err := w.ask("Run? [y]es, [d]ry-run, [e]ach guest confirmed, [b]ack, [q]uit: ")
		if err != nil {
			return w.state, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return StateDone, nil
		case "d", "dry-run":
			w.plan.DryRun = true
			return StateDone, nil
		case "e", "each":
			w.plan.ConfirmEach = true
			return StateDone, nil
		}
		w.printf("Answer y, d, e, b or q.\n")
	}
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}
