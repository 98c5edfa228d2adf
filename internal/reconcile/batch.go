package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jamesprial/pvebatch/internal/safety"
	"github.com/jamesprial/pvebatch/internal/vm"
	"go.uber.org/zap"
)

// Outcome is the final state of one guest in a batch.
type Outcome string

const (
	OutcomeSkippedNoOp     Outcome = "skipped-no-op"
	OutcomeSkippedDeclined Outcome = "skipped-declined"
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeFailed          Outcome = "failed"
	OutcomeNotProcessed    Outcome = "not-processed"
)

// Outcomes lists every outcome in report order.
var Outcomes = []Outcome{
	OutcomeSucceeded,
	OutcomeSkippedNoOp,
	OutcomeSkippedDeclined,
	OutcomeFailed,
	OutcomeNotProcessed,
}

// GuestResult describes what happened to one guest.
type GuestResult struct {
	VMID       int             `json:"vmid"`
	Outcome    Outcome         `json:"outcome"`
	Before     Attributes      `json:"before,omitempty"`
	WasRunning bool            `json:"was_running"`
	Snapshot   SnapshotOutcome `json:"snapshot"`
	Duration   time.Duration   `json:"duration_ns"`
}

// Failure is one failed step. Message is the raw diagnostic text.
type Failure struct {
	VMID    int    `json:"vmid"`
	Step    Step   `json:"step"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Result summarizes a batch run.
type Result struct {
	RunID       string        `json:"run_id"`
	Plan        Plan          `json:"plan"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Guests      []GuestResult `json:"guests"`
	Failures    []Failure     `json:"failures,omitempty"`
	Interrupted bool          `json:"interrupted,omitempty"`
}

// Counts tallies guests per outcome.
func (r *Result) Counts() map[Outcome]int {
	counts := make(map[Outcome]int, len(Outcomes))
	for _, g := range r.Guests {
		counts[g.Outcome]++
	}
	return counts
}

// HasFailures reports whether any step failed.
func (r *Result) HasFailures() bool {
	return len(r.Failures) > 0
}

// Err joins every step failure, or returns nil.
func (r *Result) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// Confirmer is asked before each guest is changed when Plan.ConfirmEach is
// set. The guest is already stopped when Confirm is called.
type Confirmer interface {
	Confirm(ctx context.Context, id int, op Operation) (bool, error)
}

// Observer is notified as the batch progresses.
type Observer interface {
	GuestStarted(id, index, total int)
	GuestFinished(res GuestResult)
}

// Orchestrator drives the per-guest pipeline across a batch.
type Orchestrator struct {
	inspector   *Inspector
	lifecycle   *Lifecycle
	applier     *Applier
	coordinator *Coordinator

	confirmer Confirmer
	observers []Observer
	logger    *zap.Logger
	audit     *safety.AuditLogger
	now       func() time.Time

	pollInterval    time.Duration
	shutdownTimeout time.Duration
	snapPrefix      string
	snapDescription string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolling sets the shutdown poll interval and timeout.
func WithPolling(interval, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.pollInterval = interval
		o.shutdownTimeout = timeout
	}
}

// WithConfirmer sets the per-guest confirmation gate.
func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

// WithObserver adds a progress observer. It may be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithAuditLogger records config rewrites and batch summaries.
func WithAuditLogger(a *safety.AuditLogger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithSnapshotNaming overrides the snapshot name prefix and description.
func WithSnapshotNaming(prefix, description string) Option {
	return func(o *Orchestrator) {
		o.snapPrefix = prefix
		o.snapDescription = description
	}
}

// WithClock sets the time source used for run timestamps and snapshot names.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator wires the pipeline components over mgr and the config
// store.
func NewOrchestrator(mgr vm.Manager, store ConfigEditor, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	o.inspector = NewInspector(store)
	o.lifecycle = NewLifecycle(mgr, logger, o.pollInterval, o.shutdownTimeout)
	o.applier = NewApplier(mgr, store, logger, o.audit)
	o.coordinator = NewCoordinator(mgr, logger)
	o.coordinator.SetNaming(o.snapPrefix, o.snapDescription)
	o.coordinator.now = o.now
	return o
}

// Inspector returns the inspector used by the pipeline.
func (o *Orchestrator) Inspector() *Inspector {
	return o.inspector
}

// Run processes ids in ascending order, one guest at a time. Step failures
// are collected in the result and never stop the batch. Cancelling ctx stops
// the batch between guests; a guest already in progress runs to completion.
// The returned error is non-nil only when the batch could not start.
func (o *Orchestrator) Run(ctx context.Context, ids []int, plan Plan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if plan.ConfirmEach && !plan.DryRun && o.confirmer == nil {
		return nil, errors.New("per-guest confirmation requested but no confirmer configured")
	}

	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	ordered := vm.SortedIDs(set)

	res := &Result{
		RunID:     uuid.NewString(),
		Plan:      plan,
		StartedAt: o.now(),
		Guests:    make([]GuestResult, 0, len(ordered)),
	}
	log := o.logger.With(zap.String("run_id", res.RunID))
	log.Info("batch started", zap.String("plan", plan.String()), zap.Ints("vmids", ordered))

	for i, id := range ordered {
		if ctx.Err() != nil {
			res.Interrupted = true
			for _, rest := range ordered[i:] {
				res.Guests = append(res.Guests, GuestResult{VMID: rest, Outcome: OutcomeNotProcessed})
			}
			log.Warn("batch interrupted", zap.Int("remaining", len(ordered)-i))
			break
		}

		for _, obs := range o.observers {
			obs.GuestStarted(id, i, len(ordered))
		}
		gr, failures := o.processGuest(context.WithoutCancel(ctx), id, plan)
		res.Guests = append(res.Guests, gr)
		res.Failures = append(res.Failures, failures...)
		for _, obs := range o.observers {
			obs.GuestFinished(gr)
		}
	}

	res.FinishedAt = o.now()
	counts := res.Counts()
	log.Info("batch finished",
		zap.Int("succeeded", counts[OutcomeSucceeded]),
		zap.Int("skipped", counts[OutcomeSkippedNoOp]+counts[OutcomeSkippedDeclined]),
		zap.Int("failed", counts[OutcomeFailed]),
	)
	o.audit.Record(safety.SourceHost, "batch "+string(plan.Operation.Kind), 0, map[string]any{
		"run_id":  res.RunID,
		"plan":    plan.String(),
		"vmids":   ordered,
		"dry_run": plan.DryRun,
	}, res.Err(), res.StartedAt)
	return res, nil
}

// processGuest runs the pipeline for one guest.
func (o *Orchestrator) processGuest(ctx context.Context, id int, plan Plan) (GuestResult, []Failure) {
	start := time.Now()
	res := GuestResult{VMID: id}
	var failures []Failure
	log := o.logger.With(zap.Int("vmid", id))

	fail := func(step Step, err error) {
		se := newStepError(id, step, err)
		failures = append(failures, Failure{VMID: id, Step: step, Message: err.Error(), Err: se})
		res.Outcome = OutcomeFailed
		log.Error("step failed", zap.String("step", string(step)), zap.Error(err))
	}
	restore := func() {
		if err := o.lifecycle.RestoreIfWasRunning(ctx, id, res.WasRunning, plan.DryRun); err != nil {
			fail(StepStart, err)
		}
	}
	finish := func() (GuestResult, []Failure) {
		res.Duration = time.Since(start)
		return res, failures
	}

	attrs, err := o.inspector.Inspect(ctx, id)
	if err != nil {
		fail(StepInspect, err)
		return finish()
	}
	res.Before = attrs

	if !IsNeeded(plan.Operation, attrs) {
		log.Info("already in target state, skipping", zap.String("operation", string(plan.Operation.Kind)))
		res.Outcome = OutcomeSkippedNoOp
		return finish()
	}

	if plan.Operation.RequiresStop() {
		wasRunning, err := o.lifecycle.EnsureStopped(ctx, id, plan.DryRun)
		res.WasRunning = wasRunning
		if err != nil {
			fail(StepShutdown, err)
			return finish()
		}
	}

	if plan.ConfirmEach && !plan.DryRun {
		ok, err := o.confirmer.Confirm(ctx, id, plan.Operation)
		if err != nil {
			fail(StepConfirm, err)
			restore()
			return finish()
		}
		if !ok {
			log.Info("change declined")
			res.Outcome = OutcomeSkippedDeclined
			restore()
			return finish()
		}
	}

	if err := o.applier.Apply(ctx, id, plan.Operation, plan.DryRun); err != nil {
		fail(StepApply, err)
		restore()
		return finish()
	}

	snap, err := o.coordinator.Handle(ctx, id, plan.policy(), plan.DryRun)
	res.Snapshot = snap
	if err != nil {
		fail(StepSnapshot, err)
	}

	restore()
	if res.Outcome == "" {
		res.Outcome = OutcomeSucceeded
	}
	return finish()
}
