// Package sysctl talks to the host service manager and kernel.
//
// Systemd shells out to systemctl in system context. ProcModules reads
// /proc/modules. Both sit behind small interfaces so orchestrator tests can
// run without root or a real init system.
package sysctl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Manager is the subset of service-manager operations the orchestrator uses.
type Manager interface {
	DaemonReload(ctx context.Context) error
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	Reboot(ctx context.Context) error
}

// Systemd implements Manager with systemctl.
type Systemd struct {
	// Binary defaults to "systemctl".
	Binary string
}

var _ Manager = Systemd{}

func (s Systemd) DaemonReload(ctx context.Context) error {
	return s.run(ctx, "daemon-reload")
}

func (s Systemd) Enable(ctx context.Context, unit string) error {
	return s.run(ctx, "enable", unit)
}

func (s Systemd) Disable(ctx context.Context, unit string) error {
	return s.run(ctx, "disable", unit)
}

// Reboot flushes filesystem buffers and asks systemd to reboot. It returns
// once the request is queued; the process is killed by the shutdown.
func (s Systemd) Reboot(ctx context.Context) error {
	unix.Sync()
	return s.run(ctx, "reboot")
}

func (s Systemd) run(ctx context.Context, args ...string) error {
	bin := s.Binary
	if bin == "" {
		bin = "systemctl"
	}
	full := append([]string{"--system", "-q"}, args...)
	cmd := exec.CommandContext(ctx, bin, full...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg != "" {
			return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}
