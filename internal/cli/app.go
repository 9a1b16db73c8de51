package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/nodeprov/internal/action"
	"github.com/roach88/nodeprov/internal/audit"
	"github.com/roach88/nodeprov/internal/config"
	"github.com/roach88/nodeprov/internal/engine"
	"github.com/roach88/nodeprov/internal/history"
	"github.com/roach88/nodeprov/internal/stage"
	"github.com/roach88/nodeprov/internal/state"
	"github.com/roach88/nodeprov/internal/trigger"
)

// runIDEnv carries the parent's run id into the runtime-setup child so both
// processes write one run block and one history run.
const runIDEnv = "NODEPROV_RUN_ID"

func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, string, error) {
	flags := map[string]*pflag.Flag{
		"volume_group": cmd.Flags().Lookup("vg"),
		"disk":         cmd.Flags().Lookup("disk"),
		"with_compose": cmd.Flags().Lookup("with-compose"),
	}
	cfg, path, err := config.Load(config.LoadOptions{
		Path:        opts.ConfigPath,
		DefaultPath: opts.DefaultConfigPath,
		Flags:       flags,
	})
	if err != nil {
		return nil, "", WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, path, nil
}

// app is the per-process environment: config, audit log and run history.
type app struct {
	opts    *RootOptions
	cfg     *config.Config
	cfgPath string
	log     *audit.Log
	hist    *history.Store
	logger  *slog.Logger
	runID   string
	owner   bool
	closed  bool
}

func openApp(cmd *cobra.Command, opts *RootOptions, mode string) (*app, error) {
	cfg, cfgPath, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	runID, nested := os.LookupEnv(runIDEnv)
	if !nested || runID == "" {
		runID = opts.RunIDs.Generate()
		nested = false
	}

	alog, err := audit.Open(audit.Options{
		Dir:       cfg.LogDir,
		RunID:     runID,
		MaxRuns:   cfg.Audit.MaxRuns,
		MaxEvents: cfg.Audit.MaxEvents,
		Continue:  nested,
		Console:   cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
		Now:       opts.Now,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open audit log", err)
	}
	logger := alog.Logger()
	slog.SetDefault(logger)

	a := &app{opts: opts, cfg: cfg, cfgPath: cfgPath, log: alog, logger: logger, runID: runID}

	// History is advisory; a broken database never blocks provisioning.
	hist, err := history.Open(cfg.HistoryPath(), history.WithNow(opts.Now))
	if err != nil {
		logger.Warn("run history unavailable", "error", err)
	} else {
		a.hist = hist
		a.owner, err = hist.BeginRun(cmd.Context(), runID, mode, alog.Host())
		if err != nil {
			logger.Warn("record run start", "error", err)
		}
	}

	logger.Info("nodeprov starting", "mode", mode, "config", cfgPath)
	return a, nil
}

// runnerOptions attaches the history recorder when history is available.
func (a *app) runnerOptions() []engine.RunnerOption {
	if a.hist == nil {
		return nil
	}
	return []engine.RunnerOption{engine.WithRecorder(a.hist.Recorder(a.runID))}
}

// close stamps the run outcome (when this process owns the run) and closes
// the history and audit files. Safe to call more than once.
func (a *app) close(outcome string) {
	if a.closed {
		return
	}
	a.closed = true
	if a.hist != nil {
		if a.owner {
			if err := a.hist.EndRun(context.Background(), a.runID, outcome); err != nil {
				a.logger.Warn("record run end", "error", err)
			}
		}
		if err := a.hist.Close(); err != nil {
			a.logger.Warn("close run history", "error", err)
		}
	}
	a.logger.Info("nodeprov finished", "outcome", outcome)
	_ = a.log.Close()
}

// console is where collaborator output is shown live.
func (a *app) console(cmd *cobra.Command) io.Writer {
	return cmd.ErrOrStderr()
}

func (a *app) binary() (string, error) {
	if a.cfg.BinaryPath != "" {
		return a.cfg.BinaryPath, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate nodeprov binary: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

// remediation names the commands an operator runs after a halt.
func (a *app) remediation() engine.Remediation {
	resume := append([]string{"sudo", "nodeprov", "--resume"}, a.choiceFlags()...)
	reset := append([]string{"sudo", "nodeprov", "--reset-state"}, a.choiceFlags()...)
	return engine.Remediation{
		Resume: strings.Join(resume, " "),
		Reset:  strings.Join(reset, " "),
	}
}

// choiceFlags repeats the operator's storage and compose choices so a
// retried or resumed run makes the same decisions.
func (a *app) choiceFlags() []string {
	var out []string
	if a.cfg.WithCompose {
		out = append(out, "--with-compose")
	}
	if a.cfg.VolumeGroup != "" {
		out = append(out, "--vg", a.cfg.VolumeGroup)
	}
	if a.cfg.Disk != "" {
		out = append(out, "--disk", a.cfg.Disk)
	}
	if a.cfgPath != "" && a.cfgPath != config.DefaultPath {
		out = append(out, "--config", a.cfgPath)
	}
	return out
}

func (a *app) trigger(bin string) (*trigger.Trigger, error) {
	args := trigger.ResumeArgs(a.cfg.WithCompose, a.cfg.VolumeGroup, a.cfg.Disk)
	if a.cfgPath != "" && a.cfgPath != config.DefaultPath {
		args = append(args, "--config", a.cfgPath)
	}
	return trigger.New(trigger.Config{
		UnitDir:    a.cfg.UnitDir,
		UnitName:   a.cfg.UnitName,
		MarkerPath: a.cfg.MarkerPath,
		Binary:     bin,
		Args:       args,
	}, a.opts.Manager, a.logger, trigger.WithNow(a.opts.Now))
}

// stageOrchestrator wires the stage state machine to this host.
func (a *app) stageOrchestrator(cmd *cobra.Command) (*stage.Orchestrator, error) {
	bin, err := a.binary()
	if err != nil {
		return nil, err
	}
	stages, err := state.Open(a.cfg.StageStatePath())
	if err != nil {
		return nil, err
	}
	phases, err := state.Open(a.cfg.PhaseStatePath())
	if err != nil {
		return nil, err
	}
	trig, err := a.trigger(bin)
	if err != nil {
		return nil, err
	}

	collabOut := io.MultiWriter(a.log.TranscriptWriter(), a.console(cmd))
	env := []string{
		runIDEnv + "=" + a.runID,
		"NODEPROV_DRIVER_MODULE=" + a.cfg.DriverModule,
	}
	runtimeArgs := append([]string{"runtime-setup", "--non-interactive"}, a.choiceFlags()...)
	if a.opts.Verbose {
		runtimeArgs = append(runtimeArgs, "--verbose")
	}

	runner := engine.NewRunner(stages, engine.ScopeStage, a.logger, a.remediation(), a.runnerOptions()...)
	return stage.New(stage.Deps{
		Runner:  runner,
		Phases:  phases,
		Trigger: trig,
		Modules: a.opts.Modules,
		Logger:  a.logger,
	}, stage.Config{
		Driver: action.Script{
			Path: a.cfg.Scripts.Driver, Env: env,
			Stdout: collabOut, Stderr: collabOut,
		},
		// The child writes its own audit events; only echo it live here.
		Runtime: action.Script{
			Path: bin, Args: runtimeArgs, Env: env,
			Stdout: a.console(cmd), Stderr: a.console(cmd),
		},
		Validation: action.Script{
			Path: a.cfg.Scripts.Validation, Env: env,
			Stdout: collabOut, Stderr: collabOut,
		},
		DriverModule:    a.cfg.DriverModule,
		BlacklistModule: a.cfg.BlacklistModule,
	})
}

// classify maps an orchestration error to a history outcome and exit error.
func classify(err error) (string, error) {
	if errors.Is(err, engine.ErrInterrupted) || errors.Is(err, context.Canceled) {
		return history.OutcomeInterrupted, WrapExitError(ExitFailure, "provisioning interrupted", err)
	}
	if halt, ok := engine.AsHalt(err); ok {
		if halt.Kind == engine.HaltEnvironment {
			return history.OutcomeHalted, WrapExitError(ExitEnvironment, "environment check failed", err)
		}
		return history.OutcomeHalted, WrapExitError(ExitFailure, "provisioning halted", err)
	}
	return history.OutcomeError, WrapExitError(ExitFailure, "provisioning failed", err)
}
