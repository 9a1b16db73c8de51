package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nodeprov/internal/history"
	"github.com/roach88/nodeprov/internal/state"
	"github.com/roach88/nodeprov/internal/testutil"
)

// testHost is a temp directory laid out like a provisioned machine, with
// shell collaborators that append to a journal.
type testHost struct {
	t       *testing.T
	dir     string
	config  string
	journal string
	mgr     *testutil.FakeManager
	modules *testutil.FakeModules
	ids     *history.FixedGenerator

	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestHost(t *testing.T, extraConfig string) *testHost {
	t.Helper()
	dir := t.TempDir()
	h := &testHost{
		t:       t,
		dir:     dir,
		config:  filepath.Join(dir, "config.cue"),
		journal: filepath.Join(dir, "journal"),
		modules: testutil.NewFakeModules(),
		ids:     history.NewFixedGenerator("run-1", "run-2", "run-3", "run-4", "run-5", "run-6"),
	}
	// The driver is active once the host comes back up.
	h.mgr = &testutil.FakeManager{OnReboot: func() { h.modules.Load("nvidia") }}

	h.writeScript("driver.sh", "driver")
	h.writeScript("validate.sh", "validate")
	h.writeScript("nodeprov", `runtime-setup $NODEPROV_RUN_ID $*`)

	cfg := fmt.Sprintf(`
state_dir: %q
log_dir: %q
unit_dir: %q
binary_path: %q
scripts: {
	driver: %q
	validation: %q
}
preflight: {
	require_root: false
	kernel_headers: false
	tools: []
	supported_os: []
}
%s`,
		filepath.Join(dir, "state"), filepath.Join(dir, "log"), filepath.Join(dir, "units"),
		filepath.Join(dir, "nodeprov"), filepath.Join(dir, "driver.sh"), filepath.Join(dir, "validate.sh"),
		extraConfig)
	require.NoError(t, os.WriteFile(h.config, []byte(cfg), 0o644))
	return h
}

// writeScript installs an executable that records msg in the journal and
// fails while a file named fail-<name> exists.
func (h *testHost) writeScript(name, msg string) {
	h.t.Helper()
	body := fmt.Sprintf(`#!/bin/sh
if [ -e %q ]; then
	echo "%s failed" >&2
	exit 1
fi
echo "%s" >> %q
`, filepath.Join(h.dir, "fail-"+name), name, msg, h.journal)
	require.NoError(h.t, os.WriteFile(filepath.Join(h.dir, name), []byte(body), 0o755))
}

func (h *testHost) failing(name string, fail bool) {
	h.t.Helper()
	path := filepath.Join(h.dir, "fail-"+name)
	if fail {
		require.NoError(h.t, os.WriteFile(path, nil, 0o644))
		return
	}
	require.NoError(h.t, os.Remove(path))
}

func (h *testHost) run(opts *RootOptions, args ...string) int {
	h.t.Helper()
	if opts == nil {
		opts = &RootOptions{}
	}
	h.stdout, h.stderr = &bytes.Buffer{}, &bytes.Buffer{}
	opts.Manager = h.mgr
	opts.Modules = h.modules
	opts.RunIDs = h.ids
	opts.DefaultConfigPath = filepath.Join(h.dir, "absent.cue")
	opts.Out, opts.Err = h.stdout, h.stderr
	if opts.Stdin == nil {
		opts.Stdin = strings.NewReader("")
	}
	if opts.IsTerminal == nil {
		opts.IsTerminal = func() bool { return false }
	}
	return Execute(append(args, "--config", h.config), opts)
}

func (h *testHost) journalLines() []string {
	h.t.Helper()
	data, err := os.ReadFile(h.journal)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(h.t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func (h *testHost) stageStatus(name string) state.Status {
	h.t.Helper()
	st, err := state.Open(filepath.Join(h.dir, "state", "stage.state"))
	require.NoError(h.t, err)
	status, err := st.Get(name)
	require.NoError(h.t, err)
	return status
}

func (h *testHost) unitPath() string {
	return filepath.Join(h.dir, "units", "nodeprov-resume.service")
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "nodeprov", cmd.Use)

	sub, _, err := cmd.Find([]string{"runtime-setup"})
	require.NoError(t, err)
	assert.Equal(t, "runtime-setup", sub.Name())
	assert.True(t, sub.Hidden)
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "non-interactive", "with-compose", "vg", "disk"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	for _, name := range []string{"reset-state", "resume", "status"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestExecute_Help(t *testing.T) {
	out := &bytes.Buffer{}
	code := Execute([]string{"-h"}, &RootOptions{Out: out, Err: out})
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out.String(), "--reset-state")
	assert.NotContains(t, out.String(), "runtime-setup")
}

func TestExecute_InvalidFormat(t *testing.T) {
	h := newTestHost(t, "")
	code := h.run(nil, "--format", "xml")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, h.stderr.String(), `invalid format "xml"`)
}

func TestExecute_ExclusiveModes(t *testing.T) {
	h := newTestHost(t, "")
	code := h.run(nil, "--resume", "--status")
	assert.Equal(t, ExitCommandError, code)
	assert.Nil(t, h.journalLines())
}

func TestExecute_InvalidConfig(t *testing.T) {
	h := newTestHost(t, `unit_name: "not a unit"`)
	code := h.run(nil, "--non-interactive")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, h.stderr.String(), "Error [E002]: invalid configuration")
}

func TestProvision_FullRunAcrossReboot(t *testing.T) {
	h := newTestHost(t, "")

	code := h.run(nil, "--non-interactive", "--vg", "vg-data", "--disk", "/dev/nvme1n1")
	require.Equal(t, ExitSuccess, code, h.stderr.String())
	assert.Equal(t, []string{"driver"}, h.journalLines())
	assert.Equal(t, 1, h.mgr.Count("reboot"))
	assert.Equal(t, 1, h.mgr.Count("enable"))

	unit, err := os.ReadFile(h.unitPath())
	require.NoError(t, err)
	assert.Contains(t, string(unit), "--resume --non-interactive --vg vg-data --disk /dev/nvme1n1 --config ")

	// What the boot-time service runs.
	code = h.run(nil, "--resume", "--non-interactive", "--vg", "vg-data", "--disk", "/dev/nvme1n1")
	require.Equal(t, ExitSuccess, code, h.stderr.String())

	lines := h.journalLines()
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1],
		"runtime-setup run-2 runtime-setup --non-interactive --vg vg-data --disk /dev/nvme1n1 --config "), lines[1])
	assert.Equal(t, "validate", lines[2])
	assert.Contains(t, h.stdout.String(), "Provisioning complete.")
	assert.Equal(t, 1, h.mgr.Count("reboot"), "no reboot after the runtime stage without a blacklisted module")

	assert.NoFileExists(t, h.unitPath())
	assert.FileExists(t, filepath.Join(h.dir, "state", "complete"))
	assert.Equal(t, 1, h.mgr.Count("disable"))

	// A later invocation finds everything complete and runs nothing.
	code = h.run(nil, "--non-interactive")
	require.Equal(t, ExitSuccess, code, h.stderr.String())
	assert.Len(t, h.journalLines(), 3)
	assert.NoFileExists(t, h.unitPath())
	assert.Equal(t, 1, h.mgr.Count("enable"))
}

func TestProvision_BlacklistedModuleForcesSecondReboot(t *testing.T) {
	h := newTestHost(t, "")
	h.modules.Load("nouveau")

	require.Equal(t, ExitSuccess, h.run(nil, "--non-interactive"))
	require.Equal(t, ExitSuccess, h.run(nil, "--resume", "--non-interactive"), h.stderr.String())
	assert.Equal(t, 2, h.mgr.Count("reboot"))
	assert.Equal(t, state.Complete, h.stageStatus("stage2_runtime"))
	assert.Equal(t, state.NotStarted, h.stageStatus("stage3_validation"))

	h.modules.Unload("nouveau")
	require.Equal(t, ExitSuccess, h.run(nil, "--resume", "--non-interactive"), h.stderr.String())
	assert.Equal(t, "validate", h.journalLines()[2])
}

func TestProvision_FailureHaltsWithRemediation(t *testing.T) {
	h := newTestHost(t, "")
	h.failing("driver.sh", true)

	code := h.run(nil, "--non-interactive", "--with-compose")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, h.stderr.String(), "Error [E001]: provisioning halted")
	assert.Contains(t, h.stderr.String(), "sudo nodeprov --resume --with-compose --config "+h.config)
	assert.Contains(t, h.stderr.String(), "sudo nodeprov --reset-state --with-compose --config "+h.config)
	assert.Equal(t, state.Failed, h.stageStatus("stage1_driver"))
	assert.FileExists(t, h.unitPath(), "the trigger stays armed for the retry")
	assert.Equal(t, 0, h.mgr.Count("reboot"))

	h.failing("driver.sh", false)
	code = h.run(nil, "--resume", "--non-interactive", "--with-compose")
	require.Equal(t, ExitSuccess, code, h.stderr.String())
	assert.Equal(t, []string{"driver"}, h.journalLines())
	assert.Equal(t, state.Complete, h.stageStatus("stage1_driver"))
	assert.Equal(t, 1, h.mgr.Count("reboot"))
}

func TestProvision_RuntimeFailureIsRetriedOnResume(t *testing.T) {
	h := newTestHost(t, "")
	require.Equal(t, ExitSuccess, h.run(nil, "--non-interactive"))

	h.failing("nodeprov", true)
	code := h.run(nil, "--resume", "--non-interactive")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, h.stderr.String(), "nodeprov exited with status 1")
	assert.Equal(t, state.Failed, h.stageStatus("stage2_runtime"))

	h.failing("nodeprov", false)
	require.Equal(t, ExitSuccess, h.run(nil, "--resume", "--non-interactive"), h.stderr.String())
	assert.Equal(t, state.Complete, h.stageStatus("stage3_validation"))
	assert.Equal(t, []string{"driver"}, h.journalLines()[:1], "the driver stage is not repeated")
}

func TestProvision_DriverNotLoadedHalts(t *testing.T) {
	h := newTestHost(t, "")
	h.mgr.OnReboot = nil
	require.Equal(t, ExitSuccess, h.run(nil, "--non-interactive"))

	code := h.run(nil, "--resume", "--non-interactive")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, h.stderr.String(), "driver module nvidia is not loaded")
	assert.Equal(t, []string{"driver"}, h.journalLines(), "the runtime stage must not start")
	assert.Equal(t, state.Failed, h.stageStatus("stage2_runtime"))
}

func TestProvision_PreflightFailureTouchesNothing(t *testing.T) {
	h := newTestHost(t, "")
	require.NoError(t, os.Remove(filepath.Join(h.dir, "validate.sh")))

	code := h.run(nil, "--non-interactive")
	assert.Equal(t, ExitEnvironment, code)
	assert.Contains(t, h.stderr.String(), "Error [E003]: environment check failed")
	assert.Contains(t, h.stderr.String(), "validate.sh does not exist")

	assert.Nil(t, h.journalLines())
	assert.NoFileExists(t, filepath.Join(h.dir, "state", "stage.state"))
	assert.NoFileExists(t, h.unitPath())
	assert.Empty(t, h.mgr.Calls())
}

func TestProvision_ArmFailureIsEnvironmentError(t *testing.T) {
	h := newTestHost(t, "")
	h.mgr.Fail = map[string]error{"enable": fmt.Errorf("unit masked")}

	code := h.run(nil, "--non-interactive")
	assert.Equal(t, ExitEnvironment, code)
	assert.Nil(t, h.journalLines())
	assert.NoFileExists(t, h.unitPath())
}

func TestProvision_InteractiveRebootWithoutTerminal(t *testing.T) {
	h := newTestHost(t, "")

	code := h.run(nil)
	require.Equal(t, ExitSuccess, code, h.stderr.String())
	assert.Contains(t, h.stderr.String(), "Reboot the host to continue.")
	assert.Equal(t, 0, h.mgr.Count("reboot"))
	assert.Equal(t, state.Complete, h.stageStatus("stage1_driver"))
}

func TestProvision_InteractiveRebootConfirmed(t *testing.T) {
	h := newTestHost(t, "")

	code := h.run(&RootOptions{
		Stdin:      strings.NewReader("\n"),
		IsTerminal: func() bool { return true },
	})
	require.Equal(t, ExitSuccess, code, h.stderr.String())
	assert.Contains(t, h.stderr.String(), "Reboot now? [Y/n]")
	assert.Equal(t, 1, h.mgr.Count("reboot"))
}

func TestReset(t *testing.T) {
	h := newTestHost(t, "")
	require.Equal(t, ExitSuccess, h.run(nil, "--non-interactive"))
	require.Equal(t, ExitSuccess, h.run(nil, "--resume", "--non-interactive"))
	require.FileExists(t, filepath.Join(h.dir, "state", "complete"))

	t.Run("refuses without a terminal", func(t *testing.T) {
		code := h.run(nil, "--reset-state")
		assert.Equal(t, ExitCommandError, code)
		assert.Contains(t, h.stderr.String(), "refusing to reset state")
	})

	t.Run("declined", func(t *testing.T) {
		code := h.run(&RootOptions{
			Stdin:      strings.NewReader("maybe\nn\n"),
			IsTerminal: func() bool { return true },
		}, "--reset-state")
		assert.Equal(t, ExitCommandError, code)
		assert.Contains(t, h.stderr.String(), "Please answer yes or no.")
		assert.Contains(t, h.stderr.String(), "reset cancelled")
		assert.Equal(t, state.Complete, h.stageStatus("stage3_validation"))
	})

	t.Run("confirmed", func(t *testing.T) {
		code := h.run(&RootOptions{
			Stdin:      strings.NewReader("y\nn\n"),
			IsTerminal: func() bool { return true },
		}, "--reset-state")
		require.Equal(t, ExitSuccess, code, h.stderr.String())

		assert.Equal(t, "driver", h.journalLines()[3], "the driver stage runs again")
		assert.Equal(t, state.Complete, h.stageStatus("stage1_driver"))
		assert.Equal(t, state.NotStarted, h.stageStatus("stage3_validation"))
		assert.NoFileExists(t, filepath.Join(h.dir, "state", "complete"))
		assert.FileExists(t, h.unitPath())
		assert.Equal(t, 1, h.mgr.Count("reboot"), "reboot declined at the prompt")
	})
}

func TestReset_RearmsWithNewArguments(t *testing.T) {
	h := newTestHost(t, "")
	require.Equal(t, ExitSuccess, h.run(nil, "--non-interactive", "--vg", "old-vg"))
	require.FileExists(t, h.unitPath())

	code := h.run(nil, "--reset-state", "--non-interactive", "--vg", "new-vg")
	require.Equal(t, ExitSuccess, code, h.stderr.String())

	unit, err := os.ReadFile(h.unitPath())
	require.NoError(t, err)
	assert.Contains(t, string(unit), "--resume --non-interactive --vg new-vg --config ")
	assert.NotContains(t, string(unit), "old-vg")
	assert.Equal(t, 2, h.mgr.Count("daemon-reload"))
}

func TestStatus_JSON(t *testing.T) {
	h := newTestHost(t, "")
	require.Equal(t, ExitSuccess, h.run(nil, "--non-interactive"))

	code := h.run(nil, "--status", "--format", "json")
	require.Equal(t, ExitSuccess, code, h.stderr.String())

	var resp struct {
		Status string       `json:"status"`
		Data   StatusReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Data.Complete)
	assert.True(t, resp.Data.Consistent)
	assert.True(t, resp.Data.Trigger.Armed)
	assert.Equal(t, h.config, resp.Data.Config)

	require.Len(t, resp.Data.Stages, 3)
	assert.Equal(t, state.Record{Name: "stage1_driver", Status: state.Complete}, resp.Data.Stages[0])
	assert.Equal(t, state.NotStarted, resp.Data.Stages[1].Status)
	require.Len(t, resp.Data.Phases, 6)
	assert.Equal(t, "disk_setup", resp.Data.Phases[0].Name)

	require.Len(t, resp.Data.Runs, 1)
	assert.Equal(t, "run-1", resp.Data.Runs[0].ID)
	assert.Equal(t, history.OutcomeReboot, resp.Data.Runs[0].Outcome)
}

func TestStatus_FreshHostCreatesNothing(t *testing.T) {
	h := newTestHost(t, "")

	code := h.run(nil, "--status")
	require.Equal(t, ExitSuccess, code, h.stderr.String())
	assert.Contains(t, h.stdout.String(), "stage1_driver")
	assert.Contains(t, h.stdout.String(), "Resume trigger: not armed")
	assert.NotContains(t, h.stdout.String(), "RUN")

	assert.NoDirExists(t, filepath.Join(h.dir, "state"))
	assert.NoDirExists(t, filepath.Join(h.dir, "log"))
	assert.Empty(t, h.mgr.Calls())
}

func TestStatus_LeavesHistoryUnchanged(t *testing.T) {
	h := newTestHost(t, "")
	require.Equal(t, ExitSuccess, h.run(nil, "--non-interactive"))
	db := filepath.Join(h.dir, "state", "history.db")
	before, err := os.ReadFile(db)
	require.NoError(t, err)

	code := h.run(nil, "--status")
	require.Equal(t, ExitSuccess, code, h.stderr.String())
	assert.Contains(t, h.stdout.String(), "run-1")
	assert.NotContains(t, h.stderr.String(), "warning")

	after, err := os.ReadFile(db)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRenderStatusText(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	report := StatusReport{
		Config:   "/etc/nodeprov/config.cue",
		Complete: false,
		Stages: []state.Record{
			{Name: "stage1_driver", Status: state.Complete},
			{Name: "stage2_runtime", Status: state.Failed},
			{Name: "stage3_validation", Status: state.NotStarted},
		},
		Phases: []state.Record{
			{Name: "disk_setup", Status: state.Complete},
			{Name: "runtime_install", Status: state.Failed},
			{Name: "daemon_config", Status: state.NotStarted},
			{Name: "compose_install", Status: state.NotStarted},
			{Name: "gpu_toolkit_install", Status: state.NotStarted},
			{Name: "driver_blacklist", Status: state.NotStarted},
		},
		Consistent: true,
		Runs: []history.Run{
			{ID: "0190d6e2-run-b", StartedAt: at.Add(10 * time.Minute), Mode: history.ModeResume, Outcome: history.OutcomeHalted},
			{ID: "0190d6e2-run-a", StartedAt: at, Mode: history.ModeFresh, Outcome: history.OutcomeReboot},
		},
	}
	report.Trigger.Armed = true
	report.Trigger.UnitPath = "/etc/systemd/system/nodeprov-resume.service"
	report.Trigger.MarkerPath = "/var/lib/nodeprov/complete"

	buf := &bytes.Buffer{}
	require.NoError(t, renderStatusText(buf, report))
	testutil.AssertGolden(t, "status", buf.Bytes())
}

func TestRenderStatusText_Inconsistent(t *testing.T) {
	report := StatusReport{Consistent: false}
	report.Trigger.Armed = true
	report.Trigger.Complete = true
	report.Trigger.CompletedAt = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	buf := &bytes.Buffer{}
	require.NoError(t, renderStatusText(buf, report))
	assert.Contains(t, buf.String(), "Completion marker: present since 2026-03-14T09:30:00Z")
	assert.Contains(t, buf.String(), "Warning: resume trigger armed after completion")
}

func TestRuntimeSetup_RunsPhases(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "phases")
	var overrides strings.Builder
	for _, name := range []string{"disk_setup", "runtime_install", "daemon_config", "compose_install", "gpu_toolkit_install", "driver_blacklist"} {
		path := filepath.Join(dir, name+".sh")
		body := fmt.Sprintf("echo \"%s vg=$NODEPROV_VG\" >> %q\n", name, journal)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		fmt.Fprintf(&overrides, "\t%s: %q\n", name, path)
	}
	h := newTestHost(t, "phases: {\n"+overrides.String()+"}\n")

	code := h.run(nil, "runtime-setup", "--non-interactive", "--vg", "vg-data")
	require.Equal(t, ExitSuccess, code, h.stderr.String())

	data, err := os.ReadFile(journal)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"disk_setup vg=vg-data",
		"runtime_install vg=vg-data",
		"daemon_config vg=vg-data",
		"gpu_toolkit_install vg=vg-data",
		"driver_blacklist vg=vg-data",
	}, strings.Split(strings.TrimSpace(string(data)), "\n"), "compose is skipped unless requested")

	st, err := state.Open(filepath.Join(h.dir, "state", "phase.state"))
	require.NoError(t, err)
	status, err := st.Get("compose_install")
	require.NoError(t, err)
	assert.Equal(t, state.NotStarted, status)

	// Requested later, only the compose phase runs.
	code = h.run(nil, "runtime-setup", "--non-interactive", "--vg", "vg-data", "--with-compose")
	require.Equal(t, ExitSuccess, code, h.stderr.String())
	data, err = os.ReadFile(journal)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "compose_install vg=vg-data", lines[5])
}

func TestRuntimeSetup_JoinsParentRun(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "disk.sh")
	require.NoError(t, os.WriteFile(bad, []byte("exit 4\n"), 0o644))
	h := newTestHost(t, fmt.Sprintf("phases: disk_setup: %q\n", bad))
	t.Setenv(runIDEnv, "parent-run")

	code := h.run(nil, "runtime-setup", "--non-interactive")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, h.stderr.String(), "disk_setup exited with status 4")
	assert.Contains(t, h.stderr.String(), "to retry from the failed step: sudo nodeprov --resume")

	events, err := os.ReadFile(filepath.Join(h.dir, "log", "nodeprov.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(events), `"run":"parent-run"`)

	transcript, err := os.ReadFile(filepath.Join(h.dir, "log", "nodeprov.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(transcript), "===== nodeprov run", "a nested process writes no run marker")
}
