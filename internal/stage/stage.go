// Package stage drives the coarse, reboot-separated provisioning stages.
//
// The process never waits across a reboot: when a stage needs one, Run
// returns a Result asking the caller to reboot, and the resume trigger
// starts a fresh process after boot that rebuilds everything from the
// State Store.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/nodeprov/internal/action"
	"github.com/roach88/nodeprov/internal/engine"
	"github.com/roach88/nodeprov/internal/phase"
	"github.com/roach88/nodeprov/internal/state"
	"github.com/roach88/nodeprov/internal/sysctl"
	"github.com/roach88/nodeprov/internal/trigger"
)

// Stage names, which are also the stage State Store keys.
const (
	Driver     = "stage1_driver"
	Runtime    = "stage2_runtime"
	Validation = "stage3_validation"
)

// Names returns the stages in execution order.
func Names() []string {
	return []string{Driver, Runtime, Validation}
}

// Config holds the collaborators each stage delegates to.
type Config struct {
	Driver     action.Action
	Runtime    action.Action
	Validation action.Action

	// DriverModule must be loaded before the runtime stage may run.
	DriverModule string

	// BlacklistModule still loaded after the runtime stage means the
	// blacklist only takes effect after a reboot.
	BlacklistModule string
}

// Deps are the stateful collaborators of an Orchestrator.
type Deps struct {
	// Runner must be scoped to stages.
	Runner  *engine.Runner
	Phases  *state.Store
	Trigger *trigger.Trigger
	Modules sysctl.ModuleProbe
	Logger  *slog.Logger
}

// Options vary per invocation.
type Options struct {
	// Resume is set when the boot-time trigger (or an operator) continues
	// an earlier run. A resumed run does not arm the trigger.
	Resume bool
}

// Result tells the caller what to do next.
type Result struct {
	// Reboot is set when the process must end with a reboot.
	Reboot bool
	// RebootAfter names the stage that requested it.
	RebootAfter string
	// Complete is set once every stage is complete and the trigger is
	// disarmed.
	Complete bool
	// Ran lists the stages executed by this process.
	Ran []string
}

// Orchestrator runs the stage state machine.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New validates deps and cfg.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Runner == nil:
		return nil, errors.New("new stage orchestrator: nil runner")
	case deps.Phases == nil:
		return nil, errors.New("new stage orchestrator: nil phase store")
	case deps.Trigger == nil:
		return nil, errors.New("new stage orchestrator: nil trigger")
	case deps.Modules == nil:
		return nil, errors.New("new stage orchestrator: nil module probe")
	case cfg.Driver == nil || cfg.Runtime == nil || cfg.Validation == nil:
		return nil, errors.New("new stage orchestrator: missing stage action")
	case cfg.DriverModule == "":
		return nil, errors.New("new stage orchestrator: empty driver module")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run advances through the stages until one needs a reboot, one fails, or
// all are complete. A returned error is a *engine.HaltError unless the run
// was interrupted or a store could not be read.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Result, error) {
	var res Result

	if !opts.Resume {
		if _, err := o.deps.Trigger.Arm(ctx); err != nil {
			return res, engine.NewEnvironmentError(err, o.deps.Runner.Remediation())
		}
	}

	outcome, err := o.deps.Runner.Run(ctx, engine.StepFunc(Driver, "install GPU driver", o.cfg.Driver.Run))
	if err != nil {
		return res, err
	}
	if outcome == engine.OutcomeRan {
		res.Ran = append(res.Ran, Driver)
		// The new driver cannot be active in the running kernel.
		return o.reboot(res, Driver, "driver installed; reboot required to load it"), nil
	}

	outcome, err = o.deps.Runner.Run(ctx, engine.StepFunc(Runtime, "install container runtime", o.runRuntime))
	if err != nil {
		return res, err
	}
	if outcome == engine.OutcomeRan {
		res.Ran = append(res.Ran, Runtime)
		if o.cfg.BlacklistModule != "" {
			loaded, err := o.deps.Modules.Loaded(o.cfg.BlacklistModule)
			if err != nil {
				return res, fmt.Errorf("check blacklisted module: %w", err)
			}
			if loaded {
				return o.reboot(res, Runtime, "blacklisted module still loaded; reboot required to apply the blacklist",
					"module", o.cfg.BlacklistModule), nil
			}
		}
	}

	outcome, err = o.deps.Runner.Run(ctx, engine.StepFunc(Validation, "run validation suite", o.cfg.Validation.Run))
	if err != nil {
		return res, err
	}
	if outcome == engine.OutcomeRan {
		res.Ran = append(res.Ran, Validation)
	}

	if err := o.deps.Trigger.Disarm(ctx); err != nil {
		return res, fmt.Errorf("finish provisioning: %w", err)
	}
	res.Complete = true
	o.summary()
	return res, nil
}

// runRuntime is the runtime stage action, guarded by the driver check.
func (o *Orchestrator) runRuntime(ctx context.Context) error {
	loaded, err := o.deps.Modules.Loaded(o.cfg.DriverModule)
	if err != nil {
		return fmt.Errorf("check driver module: %w", err)
	}
	if !loaded {
		return engine.NewPreconditionError(
			"driver module %s is not loaded; reboot the host, confirm it loads, then resume manually",
			o.cfg.DriverModule)
	}
	return o.cfg.Runtime.Run(ctx)
}

func (o *Orchestrator) reboot(res Result, after, msg string, args ...any) Result {
	res.Reboot = true
	res.RebootAfter = after
	o.logger.Info(msg, append([]any{"step", after}, args...)...)
	return res
}

func (o *Orchestrator) summary() {
	o.logger.Info("provisioning complete")
	records, err := o.deps.Runner.Store().All()
	if err != nil {
		o.logger.Warn("summary unavailable", "error", err)
		return
	}
	for _, r := range records {
		o.logger.Info("stage summary", "step", r.Name, "status", r.Status.String())
	}
}

// Reset wipes the stage and phase State Stores and the completion marker so
// the next run starts from the first stage.
func (o *Orchestrator) Reset() error {
	var errs []error
	if err := o.deps.Runner.Store().Reset(); err != nil {
		errs = append(errs, err)
	}
	if err := o.deps.Phases.Reset(); err != nil {
		errs = append(errs, err)
	}
	if err := o.deps.Trigger.ClearMarker(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	o.logger.Info("state reset; next run starts from the first stage")
	return nil
}

// Report is the observable provisioning state.
type Report struct {
	Stages  []state.Record `json:"stages" yaml:"stages"`
	Phases  []state.Record `json:"phases" yaml:"phases"`
	Trigger trigger.State  `json:"trigger" yaml:"trigger"`
}

// Status reads both State Stores and the trigger without changing anything.
func (o *Orchestrator) Status() (Report, error) {
	return ReadStatus(o.deps.Runner.Store(), o.deps.Phases, o.deps.Trigger)
}

// ReadStatus builds a Report without an Orchestrator, for callers that only
// inspect a host.
func ReadStatus(stages, phases *state.Store, trig *trigger.Trigger) (Report, error) {
	stageRecs, err := ordered(stages, Names())
	if err != nil {
		return Report{}, fmt.Errorf("status: %w", err)
	}
	phaseRecs, err := ordered(phases, phase.Names())
	if err != nil {
		return Report{}, fmt.Errorf("status: %w", err)
	}
	ts, err := trig.State()
	if err != nil {
		return Report{}, fmt.Errorf("status: %w", err)
	}
	return Report{Stages: stageRecs, Phases: phaseRecs, Trigger: ts}, nil
}

// ordered lists names in order with their status, then any records the
// store holds under other names (left by hand edits or older versions).
func ordered(st *state.Store, names []string) ([]state.Record, error) {
	all, err := st.All()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]state.Status, len(all))
	for _, r := range all {
		byName[r.Name] = r.Status
	}
	out := make([]state.Record, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		status, ok := byName[n]
		if !ok {
			status = state.NotStarted
		}
		out = append(out, state.Record{Name: n, Status: status})
		seen[n] = true
	}
	for _, r := range all {
		if !seen[r.Name] {
			out = append(out, r)
		}
	}
	return out, nil
}
