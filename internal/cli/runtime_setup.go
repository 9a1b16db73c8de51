package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/nodeprov/internal/action"
	"github.com/roach88/nodeprov/internal/engine"
	"github.com/roach88/nodeprov/internal/history"
	"github.com/roach88/nodeprov/internal/phase"
	"github.com/roach88/nodeprov/internal/state"
)

// newRuntimeSetupCommand is the nested process the runtime stage starts. It
// runs the package phases against the phase State Store and exits non-zero
// on the first halt.
func newRuntimeSetupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "runtime-setup",
		Short:  "Run the container runtime phases (invoked by the runtime stage)",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuntimeSetup(cmd, opts)
		},
	}
}

func runRuntimeSetup(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(cmd, opts, history.ModePhases)
	if err != nil {
		return err
	}
	outcome := history.OutcomeError
	defer func() { a.close(outcome) }()

	ctx, stop := withSignals(cmd.Context(), a.logger)
	defer stop()

	store, err := state.Open(a.cfg.PhaseStatePath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read phase state", err)
	}
	runner := engine.NewRunner(store, engine.ScopePhase, a.logger, a.remediation(), a.runnerOptions()...)

	orch, err := phase.New(runner, phase.Config{
		VolumeGroup:     a.cfg.VolumeGroup,
		Disk:            a.cfg.Disk,
		WithCompose:     a.cfg.WithCompose,
		BlacklistModule: a.cfg.BlacklistModule,
		Overrides:       a.cfg.Phases,
		Retry: action.Policy{
			InitialInterval: a.cfg.Retry.InitialInterval,
			MaxInterval:     a.cfg.Retry.MaxInterval,
			MaxElapsed:      a.cfg.Retry.MaxElapsed,
		},
		Output: io.MultiWriter(a.log.TranscriptWriter(), cmd.ErrOrStderr()),
	}, a.logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to prepare phases", err)
	}

	if err := orch.Run(ctx); err != nil {
		outcome, err = classify(err)
		return err
	}
	outcome = history.OutcomeComplete
	return nil
}
