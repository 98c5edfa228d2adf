package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/jamesprial/pvebatch/internal/safety"
	"github.com/jamesprial/pvebatch/internal/vm"
)

// Inventory enumerates the guests that may be selected for a batch.
type Inventory struct {
	mgr    vm.Manager
	source ConfigSource
	filter *safety.Filter
}

// NewInventory returns an Inventory over mgr. filter may be nil.
func NewInventory(mgr vm.Manager, src ConfigSource, filter *safety.Filter) *Inventory {
	return &Inventory{mgr: mgr, source: src, filter: filter}
}

// List returns the selectable guests in ascending VMID order, each with its
// declared configuration attached when the config file is readable.
func (inv *Inventory) List(ctx context.Context) ([]vm.VM, error) {
	all, err := inv.mgr.ListVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}

	out := make([]vm.VM, 0, len(all))
	for _, v := range all {
		if !inv.filter.AllowsVM(v.ID, v.Name) {
			continue
		}
		if inv.source != nil {
			if text, err := inv.source.Read(v.ID); err == nil {
				v.Config = vm.ParseConfig(text)
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Select resolves requested VMIDs against the inventory. It fails when an
// id is unknown or excluded by the filter.
func (inv *Inventory) Select(ctx context.Context, ids []int) ([]int, error) {
	guests, err := inv.List(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[int]struct{}, len(guests))
	for _, g := range guests {
		known[g.ID] = struct{}{}
	}

	selected := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("vm %d does not exist or is not selectable", id)
		}
		selected[id] = struct{}{}
	}
	return vm.SortedIDs(selected), nil
}

// IDs returns the VMIDs of guests.
func IDs(guests []vm.VM) []int {
	out := make([]int, len(guests))
	for i, g := range guests {
		out[i] = g.ID
	}
	return out
}
