package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jamesprial/pvebatch/internal/vm"
)

// fakeHost is an in-memory node: guest power state, config files and
// snapshot histories. It implements vm.Manager and ConfigEditor and records
// every call.
type fakeHost struct {
	mu        sync.Mutex
	status    map[int]vm.Status
	configs   map[int]string
	snapshots map[int][]vm.Snapshot
	names     map[int]string

	// failures maps "verb id" to the error that call returns.
	failures map[string]error
	// ignoreShutdown keeps guests running after a graceful shutdown.
	ignoreShutdown bool

	calls  []string
	writes int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		status:    make(map[int]vm.Status),
		configs:   make(map[int]string),
		snapshots: make(map[int][]vm.Snapshot),
		names:     make(map[int]string),
		failures:  make(map[string]error),
	}
}

func (h *fakeHost) addGuest(id int, status vm.Status, config string, snaps ...vm.Snapshot) {
	h.status[id] = status
	h.configs[id] = config
	h.names[id] = fmt.Sprintf("guest%d", id)
	h.snapshots[id] = snaps
}

func (h *fakeHost) record(verb string, id int, extra ...string) error {
	h.calls = append(h.calls, strings.TrimSpace(fmt.Sprintf("%s %d %s", verb, id, strings.Join(extra, " "))))
	return h.failures[fmt.Sprintf("%s %d", verb, id)]
}

// mutatingCalls returns recorded calls other than status and listings.
func (h *fakeHost) mutatingCalls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, c := range h.calls {
		if strings.HasPrefix(c, "status ") || strings.HasPrefix(c, "listsnapshot ") || strings.HasPrefix(c, "read ") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (h *fakeHost) ListVMs(_ context.Context) ([]vm.VM, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "list")
	out := make([]vm.VM, 0, len(h.status))
	for id, st := range h.status {
		out = append(out, vm.VM{ID: id, Name: h.names[id], Status: st})
	}
	return out, nil
}

func (h *fakeHost) Status(_ context.Context, id int) (vm.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("status", id); err != nil {
		return vm.StatusUnknown, err
	}
	st, ok := h.status[id]
	if !ok {
		return vm.StatusUnknown, fmt.Errorf("vm %d not found", id)
	}
	return st, nil
}

func (h *fakeHost) SetOption(_ context.Context, id int, option, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("set", id, "--"+option, value); err != nil {
		return err
	}
	h.configs[id] = setTopLevel(h.configs[id], option, value)
	return nil
}

func (h *fakeHost) Shutdown(_ context.Context, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("shutdown", id); err != nil {
		return err
	}
	if !h.ignoreShutdown {
		h.status[id] = vm.StatusStopped
	}
	return nil
}

func (h *fakeHost) ForceStop(_ context.Context, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("stop", id); err != nil {
		return err
	}
	h.status[id] = vm.StatusStopped
	return nil
}

func (h *fakeHost) Start(_ context.Context, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("start", id); err != nil {
		return err
	}
	h.status[id] = vm.StatusRunning
	return nil
}

func (h *fakeHost) ListSnapshots(_ context.Context, id int) ([]vm.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("listsnapshot", id); err != nil {
		return nil, err
	}
	return append([]vm.Snapshot(nil), h.snapshots[id]...), nil
}

func (h *fakeHost) CreateSnapshot(_ context.Context, id int, name, description string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("snapshot", id, name, description); err != nil {
		return err
	}
	h.snapshots[id] = append(h.snapshots[id], vm.Snapshot{Name: name, Description: description})
	return nil
}

func (h *fakeHost) DeleteSnapshot(_ context.Context, id int, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("delsnapshot", id, name); err != nil {
		return err
	}
	kept := h.snapshots[id][:0]
	for _, s := range h.snapshots[id] {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	h.snapshots[id] = kept
	return nil
}

func (h *fakeHost) Read(id int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("read", id); err != nil {
		return "", err
	}
	text, ok := h.configs[id]
	if !ok {
		return "", fmt.Errorf("read config of vm %d: %w", id, vm.ErrConfigNotFound)
	}
	return text, nil
}

func (h *fakeHost) Write(id int, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("write", id); err != nil {
		return err
	}
	h.configs[id] = text
	h.writes++
	return nil
}

// setTopLevel mimics `qm set`: replace the top-level key or append it before
// the first section.
func setTopLevel(text, key, value string) string {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	end := len(lines)
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "[") {
			end = i
			break
		}
	}
	for i := 0; i < end; i++ {
		if strings.HasPrefix(lines[i], key+":") {
			lines[i] = key + ": " + value
			return strings.Join(lines, "\n") + "\n"
		}
	}
	out := append([]string{}, lines[:end]...)
	out = append(out, key+": "+value)
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n") + "\n"
}
