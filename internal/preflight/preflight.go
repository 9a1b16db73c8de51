// Package preflight verifies the host can be provisioned before any step
// runs. A failed preflight touches no state.
package preflight

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/roach88/nodeprov/internal/engine"
)

// Config selects which checks run.
type Config struct {
	RequireRoot bool

	// Tools must resolve on PATH.
	Tools []string

	// Scripts are collaborator paths that must exist and be executable.
	Scripts []string

	// SupportedOS entries are "id" or "id:version_id", e.g. "ubuntu:22.04".
	// Empty accepts any OS.
	SupportedOS []string

	// KernelHeaders requires <ModulesDir>/<release>/build, which driver
	// builds need.
	KernelHeaders bool

	// OSReleasePath defaults to /etc/os-release.
	OSReleasePath string

	// ModulesDir defaults to /lib/modules.
	ModulesDir string
}

// Report describes the host as preflight saw it.
type Report struct {
	OSID      string   `json:"os_id" yaml:"os_id"`
	OSVersion string   `json:"os_version" yaml:"os_version"`
	Kernel    string   `json:"kernel" yaml:"kernel"`
	Problems  []string `json:"problems,omitempty" yaml:"problems,omitempty"`
}

// Checker runs the checks. The function fields are seams for tests.
type Checker struct {
	cfg      Config
	logger   *slog.Logger
	euid     func() int
	lookPath func(string) (string, error)
	uname    func(*unix.Utsname) error
}

// New creates a Checker bound to the real host.
func New(cfg Config, logger *slog.Logger) *Checker {
	if cfg.OSReleasePath == "" {
		cfg.OSReleasePath = "/etc/os-release"
	}
	if cfg.ModulesDir == "" {
		cfg.ModulesDir = "/lib/modules"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cfg:      cfg,
		logger:   logger,
		euid:     unix.Geteuid,
		lookPath: exec.LookPath,
		uname:    unix.Uname,
	}
}

// Run executes every check and reports all problems at once. The error is
// an environment *engine.HaltError carrying rem.
func (c *Checker) Run(rem engine.Remediation) (Report, error) {
	var (
		report   Report
		problems []error
	)
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.cfg.RequireRoot && c.euid() != 0 {
		fail("must run as root (effective uid %d)", c.euid())
	}

	for _, tool := range c.cfg.Tools {
		if _, err := c.lookPath(tool); err != nil {
			fail("required executable %q not found on PATH", tool)
		}
	}

	for _, script := range c.cfg.Scripts {
		if err := checkExecutable(script); err != nil {
			fail("%v", err)
		}
	}

	osr, err := readOSRelease(c.cfg.OSReleasePath)
	switch {
	case err != nil && len(c.cfg.SupportedOS) > 0:
		fail("identify operating system: %v", err)
	case err == nil:
		report.OSID, report.OSVersion = osr["ID"], osr["VERSION_ID"]
		if !supported(c.cfg.SupportedOS, report.OSID, report.OSVersion) {
			fail("unsupported operating system %s %s (supported: %s)",
				report.OSID, report.OSVersion, strings.Join(c.cfg.SupportedOS, ", "))
		}
	}

	var uts unix.Utsname
	if err := c.uname(&uts); err != nil {
		fail("uname: %v", err)
	} else {
		report.Kernel = unix.ByteSliceToString(uts.Release[:])
		if c.cfg.KernelHeaders {
			build := filepath.Join(c.cfg.ModulesDir, report.Kernel, "build")
			if _, err := os.Stat(build); err != nil {
				fail("kernel headers for %s not installed (%s missing)", report.Kernel, build)
			}
		}
	}

	for _, p := range problems {
		report.Problems = append(report.Problems, p.Error())
	}
	c.logger.Debug("preflight", "os", report.OSID, "version", report.OSVersion,
		"kernel", report.Kernel, "problems", len(problems))
	if len(problems) > 0 {
		return report, engine.NewEnvironmentError(errors.Join(problems...), rem)
	}
	return report, nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("collaborator %s does not exist", path)
	}
	if err != nil {
		return fmt.Errorf("collaborator %s: %w", path, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("collaborator %s is not executable", path)
	}
	return nil
}

func supported(list []string, id, version string) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		wantID, wantVersion, hasVersion := strings.Cut(entry, ":")
		if wantID != id {
			continue
		}
		if !hasVersion || wantVersion == version {
			return true
		}
	}
	return false
}

// readOSRelease parses the KEY=value format of os-release(5).
func readOSRelease(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[key] = unquote(value)
	}
	return out, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		v = v[1 : len(v)-1]
	}
	return strings.NewReplacer(`\"`, `"`, `\$`, `$`, "\\`", "`", `\\`, `\`).Replace(v)
}
