// Package guesttools exposes guest inspection and batch reconciliation as MCP
// tools.
package guesttools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/jamesprial/pvebatch/internal/safety"
	"github.com/jamesprial/pvebatch/internal/tools"
	"github.com/jamesprial/pvebatch/internal/vm"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Tool names.
const (
	ToolGuestList      = "guest_list"
	ToolGuestInspect   = "guest_inspect"
	ToolGuestSnapshots = "guest_snapshots"
	ToolReconcilePlan  = "reconcile_plan"
	ToolReconcileApply = "reconcile_apply"
)

// DestructiveTools lists the tools that require a confirmation token.
var DestructiveTools = []string{ToolReconcileApply}

// Deps holds what the guest tools operate on. Audit may be nil.
type Deps struct {
	Manager   vm.Manager
	Inventory *reconcile.Inventory
	Inspector *reconcile.Inspector
	Batcher   Batcher
	Confirm   *safety.ConfirmationTracker
	Audit     *safety.AuditLogger
}

// GuestTools returns the tool registrations for guest inspection and batch
// reconciliation.
func GuestTools(d Deps) []tools.Registration {
	return []tools.Registration{
		guestList(d),
		guestInspect(d),
		guestSnapshots(d),
		reconcilePlan(d),
		reconcileApply(d),
	}
}

// ---------------------------------------------------------------------------
// Result types
// ---------------------------------------------------------------------------

// GuestSummary is one row of guest_list.
type GuestSummary struct {
	VMID       int                  `json:"vmid"`
	Name       string               `json:"name"`
	Status     vm.Status            `json:"status"`
	Attributes reconcile.Attributes `json:"attributes,omitempty"`
	Applicable []reconcile.Kind     `json:"applicable,omitempty"`
}

// GuestDetail is the guest_inspect result.
type GuestDetail struct {
	VMID       int                  `json:"vmid"`
	Status     vm.Status            `json:"status"`
	Attributes reconcile.Attributes `json:"attributes"`
	Applicable []reconcile.Kind     `json:"applicable"`
}

// Summarize builds the listing row for a guest returned by the inventory.
func Summarize(v vm.VM) GuestSummary {
	s := GuestSummary{VMID: v.ID, Name: v.Name, Status: v.Status}
	if v.Config != nil {
		s.Attributes = reconcile.AttributesFromConfig(v.Config)
		s.Applicable = reconcile.Applicable(s.Attributes)
	}
	return s
}

// ---------------------------------------------------------------------------
// Argument parsing
// ---------------------------------------------------------------------------

func withPlanArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("Operation kind: "+kindList()),
		),
		mcp.WithString("ids",
			mcp.Description("VMIDs to process, e.g. 100,101,110-115. Omit together with all=true to select every guest."),
		),
		mcp.WithBoolean("all",
			mcp.Description("Select every guest allowed by the safety filter"),
		),
		mcp.WithString("version",
			mcp.Description("Target machine version for machine conversions, e.g. 8.1"),
		),
		mcp.WithNumber("display_memory_mb",
			mcp.Description(fmt.Sprintf("Display memory in MiB for display-memory-set (%d-%d)", reconcile.MinDisplayMemory, reconcile.MaxDisplayMemory)),
		),
		mcp.WithString("snapshot",
			mcp.Description("Snapshot policy after a successful change: create, replace or none"),
		),
	}
}

func kindList() string {
	names := make([]string, len(reconcile.Kinds))
	for i, k := range reconcile.Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func planFromRequest(req mcp.CallToolRequest, dryRun bool) (reconcile.Plan, error) {
	kind, err := reconcile.ParseKind(req.GetString("operation", ""))
	if err != nil {
		return reconcile.Plan{}, err
	}
	policy, err := reconcile.ParsePolicy(req.GetString("snapshot", ""))
	if err != nil {
		return reconcile.Plan{}, err
	}
	plan := reconcile.Plan{
		Operation: reconcile.Operation{
			Kind:            kind,
			Version:         req.GetString("version", ""),
			DisplayMemoryMB: req.GetInt("display_memory_mb", 0),
		},
		Snapshot: policy,
		DryRun:   dryRun,
	}
	if err := plan.Validate(); err != nil {
		return reconcile.Plan{}, err
	}
	return plan, nil
}

// selectIDs resolves the ids/all arguments against the inventory.
func selectIDs(ctx context.Context, inv *reconcile.Inventory, req mcp.CallToolRequest) ([]int, error) {
	ids, err := tools.VMIDListArg(req, "ids")
	if err != nil {
		return nil, err
	}
	all := req.GetBool("all", false)
	switch {
	case all && len(ids) > 0:
		return nil, errors.New("ids and all are mutually exclusive")
	case all:
		guests, err := inv.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(guests) == 0 {
			return nil, errors.New("no selectable guests")
		}
		return reconcile.IDs(guests), nil
	case len(ids) == 0:
		return nil, errors.New("either ids or all=true is required")
	}
	return inv.Select(ctx, ids)
}

func planParams(req mcp.CallToolRequest) map[string]any {
	return map[string]any{
		"operation":         req.GetString("operation", ""),
		"ids":               req.GetString("ids", ""),
		"all":               req.GetBool("all", false),
		"version":           req.GetString("version", ""),
		"display_memory_mb": req.GetInt("display_memory_mb", 0),
		"snapshot":          req.GetString("snapshot", ""),
	}
}

// resourceKey identifies a batch request for confirmation binding.
func resourceKey(ids []int, plan reconcile.Plan) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("%s; snapshot %s; vmids %s", plan.Operation, plan.Snapshot, strings.Join(parts, ","))
}

// ---------------------------------------------------------------------------
// Read-only tools
// ---------------------------------------------------------------------------

func guestList(d Deps) tools.Registration {
	tool := mcp.NewTool(ToolGuestList,
		mcp.WithDescription("List the guests on this node that pvebatch may operate on, with their machine type, CPU model, display settings and applicable operations."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()

		guests, err := d.Inventory.List(ctx)
		tools.LogAudit(d.Audit, ToolGuestList, 0, nil, err, start)
		if err != nil {
			return tools.ErrorResult(err.Error()), nil
		}

		out := make([]GuestSummary, len(guests))
		for i, g := range guests {
			out[i] = Summarize(g)
		}
		return tools.JSONResult(out), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func guestInspect(d Deps) tools.Registration {
	tool := mcp.NewTool(ToolGuestInspect,
		mcp.WithDescription("Show the effective machine type, CPU model and display settings of one guest and which operations would change it."),
		mcp.WithNumber("vmid",
			mcp.Required(),
			mcp.Description("Guest VMID"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := tools.VMIDArg(req, "vmid")
		if err != nil {
			return tools.ErrorResult(err.Error()), nil
		}
		params := map[string]any{"vmid": id}

		detail, err := Inspect(ctx, d, id)
		tools.LogAudit(d.Audit, ToolGuestInspect, id, params, err, start)
		if err != nil {
			return tools.ErrorResult(err.Error()), nil
		}
		return tools.JSONResult(detail), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// Inspect resolves the live status and effective attributes of a selectable
// guest. Only the Manager, Inventory and Inspector of d are used.
func Inspect(ctx context.Context, d Deps, id int) (GuestDetail, error) {
	if _, err := d.Inventory.Select(ctx, []int{id}); err != nil {
		return GuestDetail{}, err
	}
	attrs, err := d.Inspector.Inspect(ctx, id)
	if err != nil {
		return GuestDetail{}, err
	}
	status, err := d.Manager.Status(ctx, id)
	if err != nil {
		return GuestDetail{}, err
	}
	return GuestDetail{
		VMID:       id,
		Status:     status,
		Attributes: attrs,
		Applicable: reconcile.Applicable(attrs),
	}, nil
}

func guestSnapshots(d Deps) tools.Registration {
	tool := mcp.NewTool(ToolGuestSnapshots,
		mcp.WithDescription("List the snapshots of one guest, oldest first."),
		mcp.WithNumber("vmid",
			mcp.Required(),
			mcp.Description("Guest VMID"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := tools.VMIDArg(req, "vmid")
		if err != nil {
			return tools.ErrorResult(err.Error()), nil
		}
		params := map[string]any{"vmid": id}

		var snaps []vm.Snapshot
		if _, err = d.Inventory.Select(ctx, []int{id}); err == nil {
			snaps, err = d.Manager.ListSnapshots(ctx, id)
		}
		tools.LogAudit(d.Audit, ToolGuestSnapshots, id, params, err, start)
		if err != nil {
			return tools.ErrorResult(err.Error()), nil
		}
		if snaps == nil {
			snaps = []vm.Snapshot{}
		}
		return tools.JSONResult(snaps), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// ---------------------------------------------------------------------------
// Batch tools
// ---------------------------------------------------------------------------

func reconcilePlan(d Deps) tools.Registration {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Dry-run a batch: report per guest whether the operation is needed, without stopping guests or changing anything."),
	}, withPlanArgs()...)
	tool := mcp.NewTool(ToolReconcilePlan, opts...)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := planParams(req)

		res, err := runBatch(ctx, d, req, true)
		tools.LogAudit(d.Audit, ToolReconcilePlan, 0, params, err, start)
		if err != nil {
			return tools.ErrorResult(err.Error()), nil
		}
		return tools.JSONResult(res), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func reconcileApply(d Deps) tools.Registration {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Run a batch: shut down each selected guest that needs the change, apply it, handle snapshots and restart guests that were running. Requires confirmation."),
	}, withPlanArgs()...)
	opts = append(opts, mcp.WithString(tools.ConfirmationArg,
		mcp.Description("Confirmation token returned by a prior call to this tool"),
	))
	tool := mcp.NewTool(ToolReconcileApply, opts...)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := planParams(req)

		plan, err := planFromRequest(req, false)
		if err != nil {
			return tools.ErrorResult(err.Error()), nil
		}
		ids, err := selectIDs(ctx, d.Inventory, req)
		if err != nil {
			return tools.ErrorResult(err.Error()), nil
		}

		resource := resourceKey(ids, plan)
		if !d.Confirm.Confirm(req.GetString(tools.ConfirmationArg, ""), ToolReconcileApply, resource) {
			desc := fmt.Sprintf("This will apply %s to %d guest(s). Running guests are shut down and restarted afterwards.", plan, len(ids))
			return tools.ConfirmPrompt(d.Confirm, ToolReconcileApply, resource, desc), nil
		}

		res, err := d.Batcher.Run(ctx, ids, plan)
		tools.LogAudit(d.Audit, ToolReconcileApply, 0, params, err, start)
		if err != nil {
			return tools.ErrorResult(err.Error()), nil
		}
		return tools.JSONResult(res), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func runBatch(ctx context.Context, d Deps, req mcp.CallToolRequest, dryRun bool) (*reconcile.Result, error) {
	plan, err := planFromRequest(req, dryRun)
	if err != nil {
		return nil, err
	}
	ids, err := selectIDs(ctx, d.Inventory, req)
	if err != nil {
		return nil, err
	}
	return d.Batcher.Run(ctx, ids, plan)
}
