package action

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collab.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestFunc(t *testing.T) {
	called := false
	err := Func(func(context.Context) error {
		called = true
		return nil
	}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, called)
}

func TestScript_Success(t *testing.T) {
	var out bytes.Buffer
	s := Script{
		Path:   writeScript(t, `echo "vg=$NODEPROV_VG args=$*"`),
		Args:   []string{"--quiet"},
		Env:    []string{"NODEPROV_VG=vg0"},
		Stdout: &out,
	}
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, "vg=vg0 args=--quiet\n", out.String())
}

func TestScript_NonZeroExit(t *testing.T) {
	err := Script{Path: writeScript(t, "exit 4\n")}.Run(context.Background())
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 4, exitErr.Code)
	assert.Equal(t, "collab.sh exited with status 4", err.Error())
}

func TestScript_Missing(t *testing.T) {
	err := Script{Path: filepath.Join(t.TempDir(), "absent")}.Run(context.Background())
	require.Error(t, err)
	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))

	err = Script{}.Run(context.Background())
	require.Error(t, err)
}

func TestShell_RunsWithEnv(t *testing.T) {
	var out bytes.Buffer
	s := Shell{
		Name:   "disk_setup",
		Source: "echo \"disk=${NODEPROV_DISK:-none}\"\n",
		Env:    []string{"NODEPROV_DISK=/dev/sdb"},
		Stdout: &out,
	}
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, "disk=/dev/sdb\n", out.String())
}

func TestShell_Dir(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	s := Shell{Name: "pwd", Source: "pwd\n", Dir: dir, Stdout: &out}
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, dir, strings.TrimSpace(out.String()))
}

func TestShell_ExitStatus(t *testing.T) {
	err := Shell{Name: "runtime_install", Source: "exit 75\n"}.Run(context.Background())
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitTempFail, exitErr.Code)
	assert.Equal(t, "runtime_install", exitErr.Name)
}

func TestShell_ParseError(t *testing.T) {
	s := Shell{Name: "broken", Source: "if then fi (\n"}
	_, err := s.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse broken")

	err = s.Run(context.Background())
	require.Error(t, err)
}

func TestRetrying_RecoversFromTransientFailure(t *testing.T) {
	calls := 0
	r := Retrying{
		Action: Func(func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("mirror unreachable")
			}
			return nil
		}),
		Policy: Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestRetrying_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	r := Retrying{
		Action: Func(func(context.Context) error {
			calls++
			return Permanent(errors.New("bad configuration"))
		}),
		Policy: Policy{InitialInterval: time.Millisecond},
	}
	err := r.Run(context.Background())
	require.EqualError(t, err, "bad configuration")
	assert.Equal(t, 1, calls)
}

func TestRetrying_MaxRetries(t *testing.T) {
	calls := 0
	r := Retrying{
		Action: Func(func(context.Context) error {
			calls++
			return errors.New("still down")
		}),
		Policy: Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 2},
	}
	require.Error(t, r.Run(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestRetrying_TransientExitClassifier(t *testing.T) {
	codes := []int{ExitTempFail, 1}
	calls := 0
	r := Retrying{
		Action: Func(func(context.Context) error {
			code := codes[calls]
			calls++
			return &ExitError{Name: "runtime_install", Code: code}
		}),
		Policy:    Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Retryable: TransientExit(ExitTempFail),
	}
	err := r.Run(context.Background())
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Equal(t, 2, calls)
}

func TestRetrying_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := Retrying{
		Action: Func(func(context.Context) error {
			calls++
			cancel()
			return errors.New("interrupted download")
		}),
		Policy: Policy{InitialInterval: time.Millisecond},
	}
	require.Error(t, r.Run(ctx))
	assert.Equal(t, 1, calls)
}

func TestTransientExit_IgnoresOtherErrors(t *testing.T) {
	retryable := TransientExit(ExitTempFail)
	assert.False(t, retryable(errors.New("plain")))
	assert.True(t, retryable(&ExitError{Code: ExitTempFail}))
}
