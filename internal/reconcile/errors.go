package reconcile

import (
	"errors"
	"fmt"
)

// Failure kinds. Every StepError matches exactly one of these with errors.Is.
var (
	ErrConfigUnavailable = errors.New("config unavailable")
	ErrShutdownFailure   = errors.New("shutdown failed")
	ErrMutationFailure   = errors.New("mutation failed")
	ErrSnapshotFailure   = errors.New("snapshot failed")
	ErrStartFailure      = errors.New("start failed")
)

// Step names a stage of the per-guest pipeline.
type Step string

const (
	StepInspect  Step = "inspect"
	StepShutdown Step = "shutdown"
	StepConfirm  Step = "confirm"
	StepApply    Step = "apply"
	StepSnapshot Step = "snapshot"
	StepStart    Step = "start"
)

// stepKinds maps each failing step to its failure kind.
var stepKinds = map[Step]error{
	StepInspect:  ErrConfigUnavailable,
	StepShutdown: ErrShutdownFailure,
	StepApply:    ErrMutationFailure,
	StepSnapshot: ErrSnapshotFailure,
	StepStart:    ErrStartFailure,
}

// StepError is a failure of one step for one guest. Err holds the raw cause,
// including any text the external tool printed.
type StepError struct {
	VMID int
	Step Step
	Err  error
}

func newStepError(id int, step Step, err error) *StepError {
	return &StepError{VMID: id, Step: step, Err: err}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("vm %d: %s: %v", e.VMID, e.Step, e.Err)
}

// Unwrap exposes both the failure kind and the underlying cause.
func (e *StepError) Unwrap() []error {
	if kind, ok := stepKinds[e.Step]; ok {
		return []error{kind, e.Err}
	}
	return []error{e.Err}
}
