package engine

import "context"

// Step is one unit of orchestration work.
//
// Concrete steps adapt heterogeneous collaborators (external scripts,
// embedded shell, in-process checks) so the Runner never branches on which
// action it is running.
type Step interface {
	// Name is the stable identifier used as the State Store key.
	Name() string

	// Description is a human label, used only for logging.
	Description() string

	// Run performs the work. A nil return means success.
	Run(ctx context.Context) error
}

// Conditional is implemented by optional steps. When Skip reports true the
// step is logged as skipped and its status is left untouched, so the step
// is neither complete nor failed and will be reconsidered next time.
type Conditional interface {
	Skip() (skip bool, reason string)
}

// Scope identifies the orchestration level a Runner serves.
type Scope string

const (
	ScopeStage Scope = "stage"
	ScopePhase Scope = "phase"
)

// Outcome describes what Runner.Run did with a step.
type Outcome int

const (
	OutcomeRan Outcome = iota
	OutcomeAlreadyComplete
	OutcomeSkipped
	OutcomeFailed
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRan:
		return "ran"
	case OutcomeAlreadyComplete:
		return "already-complete"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

type funcStep struct {
	name, desc string
	fn         func(ctx context.Context) error
}

// StepFunc builds a Step from a function.
func StepFunc(name, description string, fn func(ctx context.Context) error) Step {
	return &funcStep{name: name, desc: description, fn: fn}
}

func (s *funcStep) Name() string                  { return s.name }
func (s *funcStep) Description() string           { return s.desc }
func (s *funcStep) Run(ctx context.Context) error { return s.fn(ctx) }
