package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Shell runs a POSIX shell script with an embedded interpreter, so phase
// scripts do not depend on the host's /bin/sh.
type Shell struct {
	// Name labels the script in errors and parse positions.
	Name   string
	Source string

	// Env is appended to the inherited environment.
	Env []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	Stdout io.Writer
	Stderr io.Writer
}

// Parse checks the script's syntax without running it.
func (s Shell) Parse() (*syntax.File, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(s.Source), s.Name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.Name, err)
	}
	return prog, nil
}

func (s Shell) Run(ctx context.Context) error {
	prog, err := s.Parse()
	if err != nil {
		return err
	}

	stdout, stderr := s.Stdout, s.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(mergeEnv(s.Env)...)),
		interp.StdIO(nil, stdout, stderr),
	}
	if s.Dir != "" {
		opts = append(opts, interp.Dir(s.Dir))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return fmt.Errorf("run %s: create interpreter: %w", s.Name, err)
	}

	err = runner.Run(ctx, prog)
	if err == nil {
		return nil
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return &ExitError{Name: s.Name, Code: int(status)}
	}
	return fmt.Errorf("run %s: %w", s.Name, err)
}
