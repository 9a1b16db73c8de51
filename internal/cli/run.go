package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/nodeprov/internal/history"
	"github.com/roach88/nodeprov/internal/preflight"
	"github.com/roach88/nodeprov/internal/stage"
)

// withSignals returns a context cancelled on SIGINT or SIGTERM. A step
// interrupted this way stays at running and is re-attempted next time.
func withSignals(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn("received signal, stopping", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

func runProvision(cmd *cobra.Command, opts *RootOptions) error {
	mode := history.ModeFresh
	switch {
	case opts.Resume:
		mode = history.ModeResume
	case opts.ResetState:
		mode = history.ModeReset
	}

	if opts.ResetState && !opts.NonInteractive {
		if !opts.IsTerminal() {
			return NewExitError(ExitCommandError,
				"refusing to reset state without confirmation; rerun on a terminal or pass --non-interactive")
		}
		ok, err := confirm(opts.Stdin, cmd.ErrOrStderr(),
			"This wipes all provisioning progress and starts over from the driver stage. Continue?", false)
		if err != nil {
			return WrapExitError(ExitCommandError, "read confirmation", err)
		}
		if !ok {
			return NewExitError(ExitCommandError, "reset cancelled")
		}
	}

	a, err := openApp(cmd, opts, mode)
	if err != nil {
		return err
	}
	outcome := history.OutcomeError
	defer func() { a.close(outcome) }()

	ctx, stop := withSignals(cmd.Context(), a.logger)
	defer stop()

	orch, err := a.stageOrchestrator(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to prepare orchestrator", err)
	}

	if _, err := a.preflight().Run(a.remediation()); err != nil {
		a.logger.Error("preflight failed", "error", err)
		outcome = history.OutcomeHalted
		return WrapExitError(ExitEnvironment, "environment check failed", err)
	}

	if opts.ResetState {
		if err := orch.Reset(); err != nil {
			return WrapExitError(ExitFailure, "failed to reset state", err)
		}
	}

	res, err := orch.Run(ctx, stage.Options{Resume: opts.Resume})
	if err != nil {
		outcome, err = classify(err)
		return err
	}

	if res.Reboot {
		outcome = history.OutcomeReboot
		return a.reboot(ctx, cmd, res.RebootAfter)
	}

	outcome = history.OutcomeComplete
	rep, err := orch.Status()
	if err != nil {
		return WrapExitError(ExitFailure, "provisioning complete but status unavailable", err)
	}
	report := newStatusReport(rep, a.cfgPath)
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return f.Success(report, func(w io.Writer) error {
		fmt.Fprintln(w, "Provisioning complete.")
		fmt.Fprintln(w)
		return renderStatusText(w, report)
	})
}

func (a *app) preflight() *preflight.Checker {
	scripts := []string{a.cfg.Scripts.Driver, a.cfg.Scripts.Validation}
	return preflight.New(preflight.Config{
		RequireRoot:   a.cfg.Preflight.RequireRoot,
		Tools:         a.cfg.Preflight.Tools,
		Scripts:       scripts,
		SupportedOS:   a.cfg.Preflight.SupportedOS,
		KernelHeaders: a.cfg.Preflight.KernelHeaders,
	}, a.logger)
}

// reboot ends the run with a reboot, asking first on a terminal. The
// boot-time service continues the run.
func (a *app) reboot(ctx context.Context, cmd *cobra.Command, after string) error {
	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "%s complete; a reboot is required. Provisioning resumes automatically after boot.\n", after)

	if !a.opts.NonInteractive {
		if !a.opts.IsTerminal() {
			fmt.Fprintln(out, "Reboot the host to continue.")
			return nil
		}
		ok, err := confirm(a.opts.Stdin, out, "Reboot now?", true)
		if err != nil {
			return WrapExitError(ExitFailure, "read confirmation", err)
		}
		if !ok {
			fmt.Fprintln(out, "Reboot the host to continue.")
			return nil
		}
	}

	a.logger.Info("rebooting", "step", after)
	// Flush the audit trail and history before systemd starts killing
	// processes.
	a.close(history.OutcomeReboot)
	if err := a.opts.Manager.Reboot(context.WithoutCancel(ctx)); err != nil {
		return WrapExitError(ExitFailure, "reboot failed; reboot the host manually to continue", err)
	}
	return nil
}
