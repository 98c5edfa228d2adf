package reconcile

import "fmt"

// Plan is the fully resolved request for one batch. It is built once by the
// caller and never modified while the batch runs.
type Plan struct {
	Operation   Operation `json:"operation"`
	Snapshot    Policy    `json:"snapshot"`
	DryRun      bool      `json:"dry_run"`
	ConfirmEach bool      `json:"confirm_each"`
}

// Validate checks the operation parameters and the snapshot policy.
func (p Plan) Validate() error {
	if err := p.Operation.Validate(); err != nil {
		return err
	}
	if _, err := ParsePolicy(string(p.Snapshot)); err != nil {
		return err
	}
	if p.Operation.Kind == KindSnapshotOnly && p.policy() == PolicyNone {
		return fmt.Errorf("operation %s needs a snapshot policy other than none", KindSnapshotOnly)
	}
	return nil
}

func (p Plan) policy() Policy {
	if p.Snapshot == "" {
		return PolicyNone
	}
	return p.Snapshot
}

func (p Plan) String() string {
	s := fmt.Sprintf("%s, snapshot %s", p.Operation, p.policy())
	if p.DryRun {
		s += ", dry-run"
	}
	if p.ConfirmEach {
		s += ", confirm each"
	}
	return s
}
