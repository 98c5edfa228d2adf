package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jamesprial/pvebatch/internal/vm"
	"go.uber.org/zap"
)

// Policy selects what happens to a guest's snapshots after a successful
// change.
type Policy string

const (
	PolicyCreate  Policy = "create"
	PolicyReplace Policy = "replace"
	PolicyNone    Policy = "none"
)

// Policies lists every snapshot policy in menu order.
var Policies = []Policy{PolicyCreate, PolicyReplace, PolicyNone}

// ParsePolicy validates a policy name. The empty string means none.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyCreate, PolicyReplace, PolicyNone:
		return p, nil
	case "":
		return PolicyNone, nil
	}
	return "", fmt.Errorf("unknown snapshot policy %q (want create, replace or none)", s)
}

// Description returns a short human-readable summary of the policy.
func (p Policy) Description() string {
	switch p {
	case PolicyCreate:
		return "create a new snapshot"
	case PolicyReplace:
		return "replace the most recent snapshot"
	}
	return "leave snapshots alone"
}

// Snapshot naming defaults.
const (
	DefaultSnapshotPrefix      = "pvebatch_"
	DefaultSnapshotDescription = "pvebatch automatic snapshot"
	snapshotTimeLayout         = "20060102_150405"
)

// SnapshotAction records what the coordinator did for one guest.
type SnapshotAction string

const (
	SnapshotSkipped  SnapshotAction = "skipped"
	SnapshotCreated  SnapshotAction = "created"
	SnapshotReplaced SnapshotAction = "replaced"
)

// SnapshotOutcome is the result of Coordinator.Handle.
type SnapshotOutcome struct {
	Action SnapshotAction `json:"action"`
	Name   string         `json:"name,omitempty"`
}

// Coordinator applies a snapshot policy to a guest's snapshot history.
type Coordinator struct {
	mgr         vm.Manager
	logger      *zap.Logger
	prefix      string
	description string
	now         func() time.Time
}

// NewCoordinator returns a Coordinator using the default naming.
func NewCoordinator(mgr vm.Manager, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		mgr:         mgr,
		logger:      logger,
		prefix:      DefaultSnapshotPrefix,
		description: DefaultSnapshotDescription,
		now:         time.Now,
	}
}

// SetNaming overrides the snapshot name prefix and description tag. Empty
// values keep the current setting.
func (c *Coordinator) SetNaming(prefix, description string) {
	if prefix != "" {
		c.prefix = prefix
	}
	if description != "" {
		c.description = description
	}
}

// NewName returns the snapshot name for the instant t.
func (c *Coordinator) NewName(t time.Time) string {
	return c.prefix + t.Format(snapshotTimeLayout)
}

// Handle applies policy to guest id. A guest without snapshot history is
// left alone under every policy. A replace that deletes the old snapshot but
// fails to recreate it leaves the guest without that snapshot and returns an
// error saying so.
func (c *Coordinator) Handle(ctx context.Context, id int, policy Policy, dryRun bool) (SnapshotOutcome, error) {
	skipped := SnapshotOutcome{Action: SnapshotSkipped}
	log := c.logger.With(zap.Int("vmid", id), zap.String("policy", string(policy)))

	if policy == PolicyNone || policy == "" {
		return skipped, nil
	}
	if dryRun {
		log.Info("dry-run: would apply snapshot policy")
		return skipped, nil
	}

	history, err := c.mgr.ListSnapshots(ctx, id)
	if err != nil {
		return skipped, fmt.Errorf("list snapshots: %w", err)
	}
	if len(history) == 0 {
		log.Info("no snapshot history, nothing to do")
		return skipped, nil
	}

	switch policy {
	case PolicyCreate:
		name := c.NewName(c.now())
		if err := c.mgr.CreateSnapshot(ctx, id, name, c.description); err != nil {
			return skipped, fmt.Errorf("create snapshot %s: %w", name, err)
		}
		log.Info("snapshot created", zap.String("snapshot", name))
		return SnapshotOutcome{Action: SnapshotCreated, Name: name}, nil

	case PolicyReplace:
		last := history[len(history)-1]
		desc := ""
		if last.HasDescription() {
			desc = last.Description
		}
		if err := c.mgr.DeleteSnapshot(ctx, id, last.Name); err != nil {
			return skipped, fmt.Errorf("delete snapshot %s: %w", last.Name, err)
		}
		if err := c.mgr.CreateSnapshot(ctx, id, last.Name, desc); err != nil {
			return skipped, fmt.Errorf("snapshot %s was deleted but could not be recreated: %w", last.Name, err)
		}
		log.Info("snapshot replaced", zap.String("snapshot", last.Name))
		return SnapshotOutcome{Action: SnapshotReplaced, Name: last.Name}, nil
	}
	return skipped, fmt.Errorf("unknown snapshot policy %q", policy)
}
