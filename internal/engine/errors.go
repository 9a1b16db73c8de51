package engine

import (
	"errors"
	"fmt"
	"strings"
)

// HaltKind categorizes why an orchestration stopped.
type HaltKind string

const (
	// HaltPrecondition indicates an expected side effect of an earlier step
	// is not observable (e.g. the driver is not loaded after the reboot).
	HaltPrecondition HaltKind = "precondition"

	// HaltAction indicates the step's collaborator reported failure.
	HaltAction HaltKind = "action"

	// HaltEnvironment indicates a missing prerequisite or unsupported OS,
	// detected before any step ran.
	HaltEnvironment HaltKind = "environment"
)

// Remediation names the exact commands an operator runs after a halt.
type Remediation struct {
	Resume string
	Reset  string
}

// Lines renders the remediation as operator-facing text.
func (r Remediation) Lines() []string {
	var lines []string
	if r.Resume != "" {
		lines = append(lines, "to retry from the failed step: "+r.Resume)
	}
	if r.Reset != "" {
		lines = append(lines, "to start over from the first stage: "+r.Reset)
	}
	return lines
}

// HaltError is returned when orchestration must stop. It is never retried
// by the engine.
type HaltError struct {
	Kind HaltKind

	// Step is the step that failed. Empty for environment failures.
	Step string

	// Scope is "stage" or "phase".
	Scope Scope

	// Err is the underlying cause.
	Err error

	Remediation Remediation
}

// Error implements the error interface.
func (e *HaltError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s %s failed (%s): %v", e.Scope, e.Step, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

// Hint returns the remediation text as a single block.
func (e *HaltError) Hint() string {
	return strings.Join(e.Remediation.Lines(), "\n")
}

// AsHalt extracts a *HaltError from err's chain.
func AsHalt(err error) (*HaltError, bool) {
	var he *HaltError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// IsKind reports whether err is a HaltError of the given kind.
func IsKind(err error, kind HaltKind) bool {
	he, ok := AsHalt(err)
	return ok && he.Kind == kind
}

// NewPreconditionError is returned by a step whose prerequisite is missing.
// The Runner fills in the step, scope and remediation.
func NewPreconditionError(format string, args ...any) *HaltError {
	return &HaltError{
		Kind: HaltPrecondition,
		Err:  fmt.Errorf(format, args...),
	}
}

// NewEnvironmentError reports preflight problems.
func NewEnvironmentError(err error, rem Remediation) *HaltError {
	return &HaltError{
		Kind:        HaltEnvironment,
		Err:         err,
		Remediation: rem,
	}
}

// ErrInterrupted is wrapped when a step's context was cancelled mid-run.
var ErrInterrupted = errors.New("interrupted")
