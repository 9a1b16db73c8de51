package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/nodeprov/internal/state"
)

// Transition is a status change observed by a Recorder.
type Transition struct {
	Scope  Scope
	Step   string
	Status state.Status
}

// Recorder observes status transitions, e.g. to keep a run history.
// Recorder failures are logged and never halt a run.
type Recorder interface {
	RecordTransition(ctx context.Context, t Transition) error
}

// Runner executes steps against a State Store.
//
// Thread-safety: a Runner must only be used from one goroutine; the
// orchestrators are strictly sequential.
type Runner struct {
	store       *state.Store
	scope       Scope
	logger      *slog.Logger
	remediation Remediation
	recorder    Recorder
}

// RunnerOption configures optional Runner collaborators.
type RunnerOption func(*Runner)

// WithRecorder attaches a transition observer.
func WithRecorder(rec Recorder) RunnerOption {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// NewRunner creates a Runner for one State Store.
func NewRunner(store *state.Store, scope Scope, logger *slog.Logger, rem Remediation, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:       store,
		scope:       scope,
		logger:      logger,
		remediation: rem,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the ledger this Runner drives.
func (r *Runner) Store() *state.Store {
	return r.store
}

// Remediation returns the operator commands attached to halts.
func (r *Runner) Remediation() Remediation {
	return r.remediation
}

// Run executes step unless it is already complete.
//
// On failure the step is marked failed and a *HaltError is returned; the
// caller must stop the orchestration. If ctx is cancelled while the action
// runs, the step is left at running (the operator killed the run; the next
// invocation re-attempts it) and the returned error wraps ErrInterrupted.
func (r *Runner) Run(ctx context.Context, step Step) (Outcome, error) {
	name := step.Name()
	log := r.logger.With("step", name, "scope", string(r.scope))

	current, err := r.store.Get(name)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("run %s: %w", name, err)
	}
	if current == state.Complete {
		log.Info("skipped: already complete")
		return OutcomeAlreadyComplete, nil
	}

	if c, ok := step.(Conditional); ok {
		if skip, reason := c.Skip(); skip {
			log.Info("skipped", "reason", reason)
			return OutcomeSkipped, nil
		}
	}

	if current == state.Running {
		log.Warn("previous attempt did not finish; running again")
	}
	log.Info("==> " + step.Description())

	if err := r.transition(ctx, name, state.Running); err != nil {
		return OutcomeFailed, err
	}

	runErr := step.Run(ctx)

	if runErr != nil && ctx.Err() != nil {
		log.Warn("interrupted; status left at running", "error", runErr)
		return OutcomeInterrupted, fmt.Errorf("run %s: %w: %w", name, ErrInterrupted, ctx.Err())
	}

	if runErr != nil {
		if err := r.transition(ctx, name, state.Failed); err != nil {
			return OutcomeFailed, errors.Join(runErr, err)
		}
		halt := r.haltFor(name, runErr)
		log.Error("failed", "kind", string(halt.Kind), "error", halt.Err)
		for _, line := range halt.Remediation.Lines() {
			log.Error(line)
		}
		return OutcomeFailed, halt
	}

	if err := r.transition(ctx, name, state.Complete); err != nil {
		return OutcomeFailed, err
	}
	log.Info("complete")
	return OutcomeRan, nil
}

// RunAll runs steps in order, stopping at the first error.
func (r *Runner) RunAll(ctx context.Context, steps ...Step) error {
	for _, s := range steps {
		if _, err := r.Run(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) transition(ctx context.Context, name string, st state.Status) error {
	if err := r.store.Set(name, st); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	if r.recorder == nil {
		return nil
	}
	t := Transition{Scope: r.scope, Step: name, Status: st}
	// The history ledger is advisory; the State Store above is authoritative.
	if err := r.recorder.RecordTransition(context.WithoutCancel(ctx), t); err != nil {
		r.logger.Warn("record transition", "step", name, "error", err)
	}
	return nil
}

func (r *Runner) haltFor(name string, err error) *HaltError {
	halt, ok := AsHalt(err)
	if !ok {
		return &HaltError{
			Kind:        HaltAction,
			Step:        name,
			Scope:       r.scope,
			Err:         err,
			Remediation: r.remediation,
		}
	}
	// A step may return a bare precondition error; fill in what the step
	// itself does not know.
	filled := *halt
	if filled.Step == "" {
		filled.Step = name
	}
	if filled.Scope == "" {
		filled.Scope = r.scope
	}
	if filled.Remediation == (Remediation{}) {
		filled.Remediation = r.remediation
	}
	return &filled
}
