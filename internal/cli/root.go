package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/roach88/nodeprov/internal/engine"
	"github.com/roach88/nodeprov/internal/history"
	"github.com/roach88/nodeprov/internal/sysctl"
)

// RootOptions holds global flags and the collaborators commands use.
type RootOptions struct {
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
	ConfigPath string

	NonInteractive bool
	WithCompose    bool
	VolumeGroup    string
	Disk           string

	ResetState bool
	Resume     bool
	Status     bool

	// Manager overrides systemctl (for testing).
	Manager sysctl.Manager
	// Modules overrides /proc/modules (for testing).
	Modules sysctl.ModuleProbe
	// RunIDs overrides the UUIDv7 run id generator (for testing).
	RunIDs history.RunIDGenerator
	// Stdin and IsTerminal override the confirmation prompt source.
	Stdin      io.Reader
	IsTerminal func() bool
	// DefaultConfigPath overrides config.DefaultPath (for testing).
	DefaultConfigPath string
	// Now overrides the wall clock (for testing).
	Now func() time.Time
	// Out and Err replace the process stdout and stderr in Execute.
	Out io.Writer
	Err io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the nodeprov command with production collaborators.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{})
}

// NewRootCommandWith creates the nodeprov command around opts.
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	opts.fillDefaults()

	cmd := &cobra.Command{
		Use:   "nodeprov",
		Short: "Resumable GPU node provisioning",
		Long: `nodeprov drives a host through driver installation, container runtime
installation and validation, surviving the reboots in between.

Each stage runs at most once to completion. Progress is kept in a state file,
and a boot-time service resumes the run after each reboot. A halted run names
the exact command that retries the failed step or starts over.

Example:
  sudo nodeprov --vg vg-data --disk /dev/nvme1n1
  sudo nodeprov --status
  sudo nodeprov --reset-state`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Status {
				return runStatus(cmd, opts)
			}
			return runProvision(cmd, opts)
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	pf.StringVar(&opts.ConfigPath, "config", "", "config file (default /etc/nodeprov/config.cue when present)")
	pf.BoolVar(&opts.NonInteractive, "non-interactive", false, "never prompt; reboot and reset without confirmation")
	pf.BoolVar(&opts.WithCompose, "with-compose", false, "also install the compose plugin")
	pf.StringVar(&opts.VolumeGroup, "vg", "", "LVM volume group for container storage")
	pf.StringVar(&opts.Disk, "disk", "", "disk to initialise for container storage")

	f := cmd.Flags()
	f.BoolVar(&opts.ResetState, "reset-state", false, "wipe all progress and start from the first stage")
	f.BoolVar(&opts.Resume, "resume", false, "continue an earlier run (set by the boot-time service)")
	f.BoolVar(&opts.Status, "status", false, "print stage and phase state without running anything")
	cmd.MarkFlagsMutuallyExclusive("reset-state", "resume", "status")

	cmd.AddCommand(newRuntimeSetupCommand(opts))

	return cmd
}

func (o *RootOptions) fillDefaults() {
	if o.Manager == nil {
		o.Manager = sysctl.Systemd{}
	}
	if o.Modules == nil {
		o.Modules = sysctl.ProcModules{}
	}
	if o.RunIDs == nil {
		o.RunIDs = history.UUIDv7Generator{}
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.IsTerminal == nil {
		o.IsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Execute runs the command tree with args and reports any error on the
// command's error stream. It returns the process exit code.
func Execute(args []string, opts *RootOptions) int {
	if opts == nil {
		opts = &RootOptions{}
	}
	cmd := NewRootCommandWith(opts)
	cmd.SetArgs(args)
	if opts.Out != nil {
		cmd.SetOut(opts.Out)
	}
	if opts.Err != nil {
		cmd.SetErr(opts.Err)
	}
	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	// Commands wrap every runtime failure in an ExitError; anything else
	// is a flag parsing error straight from cobra.
	code := ExitCommandError
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}
	reportError(cmd, opts, code, err)
	return code
}

func reportError(cmd *cobra.Command, opts *RootOptions, code int, err error) {
	var hints []string
	if halt, ok := engine.AsHalt(err); ok {
		hints = halt.Remediation.Lines()
	}
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	// Structured errors belong with structured output on stdout.
	if f.Format == "json" || f.Format == "yaml" {
		f.Writer = cmd.OutOrStdout()
	}
	_ = f.Error(errorCode(code), err.Error(), hints)
}
