package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
)

// Script runs an external executable, such as a vendor driver installer.
type Script struct {
	Path string
	Args []string

	// Env is appended to the inherited environment.
	Env []string

	// Stdout and Stderr receive the collaborator's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

func (s Script) Run(ctx context.Context) error {
	if s.Path == "" {
		return errors.New("run script: empty path")
	}
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Env = mergeEnv(s.Env)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return &ExitError{Name: filepath.Base(s.Path), Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("run %s: %w", s.Path, err)
}
