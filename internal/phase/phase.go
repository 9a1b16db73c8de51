// Package phase drives the fine-grained steps of the container-runtime
// stage. Phases run in one process lifetime with no reboot gating; an
// optional phase that was not requested is skipped without changing its
// status.
package phase

import (
	"context"
	"embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/roach88/nodeprov/internal/action"
	"github.com/roach88/nodeprov/internal/engine"
)

// Phase names, which are also the phase State Store keys.
const (
	DiskSetup         = "disk_setup"
	RuntimeInstall    = "runtime_install"
	DaemonConfig      = "daemon_config"
	ComposeInstall    = "compose_install"
	GPUToolkitInstall = "gpu_toolkit_install"
	DriverBlacklist   = "driver_blacklist"
)

//go:embed scripts/*.sh
var defaultScripts embed.FS

type definition struct {
	name        string
	description string
	optional    bool
	retried     bool
}

var definitions = []definition{
	{name: DiskSetup, description: "prepare container storage"},
	{name: RuntimeInstall, description: "install container engine", retried: true},
	{name: DaemonConfig, description: "configure container engine daemon"},
	{name: ComposeInstall, description: "install compose plugin", optional: true, retried: true},
	{name: GPUToolkitInstall, description: "install GPU container toolkit", retried: true},
	{name: DriverBlacklist, description: "blacklist conflicting in-tree driver"},
}

// Names returns the phases in execution order.
func Names() []string {
	out := make([]string, len(definitions))
	for i, d := range definitions {
		out[i] = d.name
	}
	return out
}

// Config carries operator choices into the phase scripts.
type Config struct {
	VolumeGroup     string
	Disk            string
	WithCompose     bool
	BlacklistModule string

	// Overrides maps a phase name to a script file replacing the default.
	Overrides map[string]string

	Retry action.Policy

	// Output receives script stdout and stderr. Nil discards it.
	Output io.Writer
}

// Env returns the variables every phase script receives.
func (c Config) Env() []string {
	return []string{
		"NODEPROV_VG=" + c.VolumeGroup,
		"NODEPROV_DISK=" + c.Disk,
		"NODEPROV_WITH_COMPOSE=" + strconv.FormatBool(c.WithCompose),
		"NODEPROV_BLACKLIST_MODULE=" + c.BlacklistModule,
	}
}

type step struct {
	def       definition
	act       action.Action
	requested bool
}

func (s *step) Name() string                  { return s.def.name }
func (s *step) Description() string           { return s.def.description }
func (s *step) Run(ctx context.Context) error { return s.act.Run(ctx) }

func (s *step) Skip() (bool, string) {
	if s.def.optional && !s.requested {
		return true, "not requested (pass --with-compose to install)"
	}
	return false, ""
}

// Steps builds the phase steps. Every script is parsed up front so a broken
// override fails before any phase runs.
func Steps(cfg Config, logger *slog.Logger) ([]engine.Step, error) {
	for name := range cfg.Overrides {
		if !known(name) {
			return nil, fmt.Errorf("override for unknown phase %q", name)
		}
	}
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}

	steps := make([]engine.Step, 0, len(definitions))
	for _, def := range definitions {
		src, err := script(def.name, cfg.Overrides[def.name])
		if err != nil {
			return nil, err
		}
		sh := action.Shell{
			Name:   def.name,
			Source: src,
			Env:    cfg.Env(),
			Stdout: out,
			Stderr: out,
		}
		if _, err := sh.Parse(); err != nil {
			return nil, err
		}

		var act action.Action = sh
		if def.retried {
			act = action.Retrying{
				Action:    sh,
				Policy:    cfg.Retry,
				Retryable: action.TransientExit(action.ExitTempFail),
				Logger:    logger.With("step", def.name, "scope", string(engine.ScopePhase)),
			}
		}
		steps = append(steps, &step{
			def:       def,
			act:       act,
			requested: !def.optional || cfg.WithCompose,
		})
	}
	return steps, nil
}

func script(name, override string) (string, error) {
	if override != "" {
		data, err := os.ReadFile(override)
		if err != nil {
			return "", fmt.Errorf("phase %s: read override: %w", name, err)
		}
		return string(data), nil
	}
	data, err := defaultScripts.ReadFile("scripts/" + name + ".sh")
	if err != nil {
		return "", fmt.Errorf("phase %s: %w", name, err)
	}
	return string(data), nil
}

func known(name string) bool {
	for _, d := range definitions {
		if d.name == name {
			return true
		}
	}
	return false
}

// Orchestrator runs the phases in order against the phase State Store.
type Orchestrator struct {
	runner *engine.Runner
	steps  []engine.Step
	logger *slog.Logger
}

// New builds an Orchestrator. runner must be scoped to phases.
func New(runner *engine.Runner, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	steps, err := Steps(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{runner: runner, steps: steps, logger: logger}, nil
}

// NewWithSteps builds an Orchestrator over caller-supplied steps.
func NewWithSteps(runner *engine.Runner, logger *slog.Logger, steps ...engine.Step) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{runner: runner, steps: steps, logger: logger}
}

// Run executes every phase that is not complete, halting on the first
// failure. Skipped phases do not halt.
func (o *Orchestrator) Run(ctx context.Context) error {
	var ran, skipped int
	for _, s := range o.steps {
		outcome, err := o.runner.Run(ctx, s)
		if err != nil {
			return err
		}
		switch outcome {
		case engine.OutcomeRan:
			ran++
		case engine.OutcomeSkipped:
			skipped++
		}
	}
	o.logger.Info("phases finished", "ran", ran, "skipped", skipped, "total", len(o.steps))
	return nil
}
