// Package action adapts the collaborators a step delegates to: external
// scripts, embedded shell scripts and in-process functions.
//
// Every adapter satisfies Action, so a step can wrap any of them (or a
// Retrying around any of them) without knowing which it holds.
package action

import (
	"context"
	"fmt"
	"os"
)

// Action performs a step's work. A nil return means success.
type Action interface {
	Run(ctx context.Context) error
}

// Func adapts an in-process function.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error {
	return f(ctx)
}

// ExitError reports a collaborator that ran and exited non-zero.
type ExitError struct {
	Name string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
}

// mergeEnv appends extra KEY=VALUE pairs to the process environment.
// Later entries win.
func mergeEnv(extra []string) []string {
	env := os.Environ()
	return append(env[:len(env):len(env)], extra...)
}
