package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/nodeprov/internal/history"
	"github.com/roach88/nodeprov/internal/stage"
	"github.com/roach88/nodeprov/internal/state"
	"github.com/roach88/nodeprov/internal/trigger"
)

// recentRuns is how many runs --status lists.
const recentRuns = 5

// StatusReport is the --status payload.
type StatusReport struct {
	Config     string         `json:"config,omitempty" yaml:"config,omitempty"`
	Complete   bool           `json:"complete" yaml:"complete"`
	Stages     []state.Record `json:"stages" yaml:"stages"`
	Phases     []state.Record `json:"phases" yaml:"phases"`
	Trigger    trigger.State  `json:"trigger" yaml:"trigger"`
	Consistent bool           `json:"consistent" yaml:"consistent"`
	Runs       []history.Run  `json:"recent_runs,omitempty" yaml:"recent_runs,omitempty"`
}

func newStatusReport(rep stage.Report, cfgPath string) StatusReport {
	complete := len(rep.Stages) > 0
	for _, r := range rep.Stages {
		if r.Status != state.Complete {
			complete = false
			break
		}
	}
	return StatusReport{
		Config:     cfgPath,
		Complete:   complete,
		Stages:     rep.Stages,
		Phases:     rep.Phases,
		Trigger:    rep.Trigger,
		Consistent: rep.Trigger.Consistent(),
	}
}

// runStatus prints the provisioning state. It opens no audit log and writes
// nothing: stores and the history database are opened read-only.
func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	cfg, cfgPath, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	stages, err := state.OpenReadOnly(cfg.StageStatePath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read stage state", err)
	}
	phases, err := state.OpenReadOnly(cfg.PhaseStatePath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read phase state", err)
	}
	trig, err := trigger.New(trigger.Config{
		UnitDir:    cfg.UnitDir,
		UnitName:   cfg.UnitName,
		MarkerPath: cfg.MarkerPath,
	}, opts.Manager, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid trigger configuration", err)
	}
	rep, err := stage.ReadStatus(stages, phases, trig)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read status", err)
	}

	report := newStatusReport(rep, cfgPath)
	report.Runs = readRuns(cmd.Context(), cfg.HistoryPath(), cmd.ErrOrStderr())

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return f.Success(report, func(w io.Writer) error {
		return renderStatusText(w, report)
	})
}

// readRuns lists recent runs when a history database exists. Failures only
// warn; the State Stores are the record of progress.
func readRuns(ctx context.Context, path string, warn io.Writer) []history.Run {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	h, err := history.OpenReadOnly(path)
	if err != nil {
		fmt.Fprintf(warn, "warning: run history unavailable: %v\n", err)
		return nil
	}
	defer h.Close()
	runs, err := h.RecentRuns(ctx, recentRuns)
	if err != nil {
		fmt.Fprintf(warn, "warning: run history unavailable: %v\n", err)
		return nil
	}
	return runs
}

func renderStatusText(w io.Writer, r StatusReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "STAGE\tSTATUS")
	for _, rec := range r.Stages {
		fmt.Fprintf(tw, "%s\t%s\n", rec.Name, rec.Status)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "PHASE\tSTATUS")
	for _, rec := range r.Phases {
		fmt.Fprintf(tw, "%s\t%s\n", rec.Name, rec.Status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	if r.Trigger.Armed {
		fmt.Fprintf(w, "Resume trigger: armed (%s)\n", r.Trigger.UnitPath)
	} else {
		fmt.Fprintln(w, "Resume trigger: not armed")
	}
	switch {
	case !r.Trigger.Complete:
		fmt.Fprintln(w, "Completion marker: absent")
	case r.Trigger.CompletedAt.IsZero():
		fmt.Fprintf(w, "Completion marker: present (%s)\n", r.Trigger.MarkerPath)
	default:
		fmt.Fprintf(w, "Completion marker: present since %s\n", r.Trigger.CompletedAt.UTC().Format(time.RFC3339))
	}
	if !r.Consistent {
		fmt.Fprintln(w, "Warning: resume trigger armed after completion; the next run removes it.")
	}
	if r.Config != "" {
		fmt.Fprintf(w, "Config: %s\n", r.Config)
	}

	if len(r.Runs) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tMODE\tOUTCOME")
	for _, run := range r.Runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", run.ID, run.StartedAt.UTC().Format(time.RFC3339), run.Mode, run.Outcome)
	}
	return tw.Flush()
}
