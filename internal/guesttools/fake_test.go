package guesttools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jamesprial/pvebatch/internal/vm"
)

// fakeNode is an in-memory host implementing vm.Manager and the config
// store. It records every state-changing call.
type fakeNode struct {
	mu        sync.Mutex
	status    map[int]vm.Status
	configs   map[int]string
	snapshots map[int][]vm.Snapshot
	mutations []string
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		status:    make(map[int]vm.Status),
		configs:   make(map[int]string),
		snapshots: make(map[int][]vm.Snapshot),
	}
}

func (n *fakeNode) add(id int, status vm.Status, config string, snaps ...vm.Snapshot) {
	n.status[id] = status
	n.configs[id] = config
	n.snapshots[id] = snaps
}

func (n *fakeNode) mutate(format string, args ...any) {
	n.mutations = append(n.mutations, fmt.Sprintf(format, args...))
}

func (n *fakeNode) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.mutations...)
}

func (n *fakeNode) ListVMs(context.Context) ([]vm.VM, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]vm.VM, 0, len(n.status))
	for id, st := range n.status {
		out = append(out, vm.VM{ID: id, Name: fmt.Sprintf("guest%d", id), Status: st})
	}
	return out, nil
}

func (n *fakeNode) Status(_ context.Context, id int) (vm.Status, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.status[id]
	if !ok {
		return vm.StatusUnknown, fmt.Errorf("vm %d not found", id)
	}
	return st, nil
}

func (n *fakeNode) SetOption(_ context.Context, id int, option, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mutate("set %d --%s %s", id, option, value)
	n.configs[id] = strings.TrimSuffix(n.configs[id], "\n") + "\n" + option + ": " + value + "\n"
	return nil
}

func (n *fakeNode) Shutdown(_ context.Context, id int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mutate("shutdown %d", id)
	n.status[id] = vm.StatusStopped
	return nil
}

func (n *fakeNode) ForceStop(_ context.Context, id int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mutate("stop %d", id)
	n.status[id] = vm.StatusStopped
	return nil
}

func (n *fakeNode) Start(_ context.Context, id int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mutate("start %d", id)
	n.status[id] = vm.StatusRunning
	return nil
}

func (n *fakeNode) ListSnapshots(_ context.Context, id int) ([]vm.Snapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]vm.Snapshot(nil), n.snapshots[id]...), nil
}

func (n *fakeNode) CreateSnapshot(_ context.Context, id int, name, description string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mutate("snapshot %d %s", id, name)
	n.snapshots[id] = append(n.snapshots[id], vm.Snapshot{Name: name, Description: description})
	return nil
}

func (n *fakeNode) DeleteSnapshot(_ context.Context, id int, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mutate("delsnapshot %d %s", id, name)
	return nil
}

func (n *fakeNode) Read(id int) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	text, ok := n.configs[id]
	if !ok {
		return "", fmt.Errorf("read config of vm %d: %w", id, vm.ErrConfigNotFound)
	}
	return text, nil
}

func (n *fakeNode) Write(id int, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mutate("write %d", id)
	n.configs[id] = text
	return nil
}
