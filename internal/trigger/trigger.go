// Package trigger arms and disarms the boot-time hook that resumes
// provisioning after a reboot.
//
// The hook is a oneshot systemd unit guarded by a completion marker file:
// the unit only runs while the marker is absent. Disarm removes the unit
// before writing the marker, so at no observable point are both present.
package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/nodeprov/internal/state"
	"github.com/roach88/nodeprov/internal/sysctl"
)

const (
	DefaultUnitName = "nodeprov-resume.service"
	DefaultUnitDir  = "/etc/systemd/system"

	markerPrefix = "completed "
)

// Config locates the unit and marker and describes the resume command.
type Config struct {
	UnitDir    string
	UnitName   string
	MarkerPath string

	// Binary is the absolute path of the orchestrator executable.
	Binary string

	// Args follow Binary in ExecStart; see ResumeArgs.
	Args []string
}

// State is the observable trigger state.
type State struct {
	Armed       bool      `json:"armed" yaml:"armed"`
	Complete    bool      `json:"complete" yaml:"complete"`
	CompletedAt time.Time `json:"completed_at,omitzero" yaml:"completed_at,omitempty"`
	UnitPath    string    `json:"unit_path" yaml:"unit_path"`
	MarkerPath  string    `json:"marker_path" yaml:"marker_path"`
}

// Consistent reports whether the unit and marker are not both present.
func (s State) Consistent() bool {
	return !(s.Armed && s.Complete)
}

// Trigger manages the resume unit.
type Trigger struct {
	cfg    Config
	mgr    sysctl.Manager
	logger *slog.Logger
	now    func() time.Time
}

// Option configures optional Trigger collaborators.
type Option func(*Trigger)

// WithNow overrides the marker timestamp source.
func WithNow(now func() time.Time) Option {
	return func(t *Trigger) {
		t.now = now
	}
}

// New creates a Trigger. Empty UnitDir and UnitName take the defaults.
func New(cfg Config, mgr sysctl.Manager, logger *slog.Logger, opts ...Option) (*Trigger, error) {
	if cfg.MarkerPath == "" {
		return nil, errors.New("new trigger: empty marker path")
	}
	if cfg.UnitDir == "" {
		cfg.UnitDir = DefaultUnitDir
	}
	if cfg.UnitName == "" {
		cfg.UnitName = DefaultUnitName
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trigger{cfg: cfg, mgr: mgr, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// UnitPath is where the unit file is installed.
func (t *Trigger) UnitPath() string {
	return filepath.Join(t.cfg.UnitDir, t.cfg.UnitName)
}

// Arm installs and enables the resume unit. It is a no-op when
// provisioning has completed. An installed unit that differs from the one
// rendered now (the operator changed --vg, --disk or --with-compose) is
// rewritten; an identical one is only re-enabled. armed reports whether this
// call wrote the unit.
func (t *Trigger) Arm(ctx context.Context) (armed bool, err error) {
	st, err := t.State()
	if err != nil {
		return false, fmt.Errorf("arm trigger: %w", err)
	}
	if st.Complete {
		t.logger.Info("provisioning already complete; resume unit not armed", "marker", st.MarkerPath)
		return false, nil
	}

	unit, err := t.Render()
	if err != nil {
		return false, fmt.Errorf("arm trigger: %w", err)
	}
	if st.Armed {
		installed, err := os.ReadFile(st.UnitPath)
		if err != nil {
			return false, fmt.Errorf("arm trigger: %w", err)
		}
		if bytes.Equal(installed, unit) {
			// A crash between writing and enabling leaves a disabled unit.
			if err := t.mgr.Enable(ctx, t.cfg.UnitName); err != nil {
				return false, fmt.Errorf("arm trigger: %w", err)
			}
			t.logger.Debug("resume unit already armed", "unit", st.UnitPath)
			return false, nil
		}
		t.logger.Info("resume unit out of date; rewriting", "unit", st.UnitPath)
	}

	if err := os.MkdirAll(t.cfg.UnitDir, 0o755); err != nil {
		return false, fmt.Errorf("arm trigger: %w", err)
	}
	if err := state.WriteFileAtomic(t.UnitPath(), unit, 0o644); err != nil {
		return false, fmt.Errorf("arm trigger: %w", err)
	}
	if err := t.register(ctx); err != nil {
		// Leave nothing half-armed: the next Arm must retry from scratch.
		if rmErr := os.Remove(t.UnitPath()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
		return false, fmt.Errorf("arm trigger: %w", err)
	}
	t.logger.Info("resume unit armed", "unit", t.cfg.UnitName)
	return true, nil
}

func (t *Trigger) register(ctx context.Context) error {
	if err := t.mgr.DaemonReload(ctx); err != nil {
		return err
	}
	return t.mgr.Enable(ctx, t.cfg.UnitName)
}

// Disarm removes the resume unit and then writes the completion marker.
// It is idempotent and finishes a disarm interrupted part way.
func (t *Trigger) Disarm(ctx context.Context) error {
	st, err := t.State()
	if err != nil {
		return fmt.Errorf("disarm trigger: %w", err)
	}
	if st.Armed {
		if err := t.mgr.Disable(ctx, t.cfg.UnitName); err != nil {
			return fmt.Errorf("disarm trigger: %w", err)
		}
		if err := os.Remove(t.UnitPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("disarm trigger: %w", err)
		}
		if err := t.mgr.DaemonReload(ctx); err != nil {
			return fmt.Errorf("disarm trigger: %w", err)
		}
		t.logger.Info("resume unit removed", "unit", t.cfg.UnitName)
	}
	if st.Complete {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.cfg.MarkerPath), 0o755); err != nil {
		return fmt.Errorf("disarm trigger: %w", err)
	}
	content := markerPrefix + t.now().UTC().Format(time.RFC3339) + "\n"
	if err := state.WriteFileAtomic(t.cfg.MarkerPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("disarm trigger: %w", err)
	}
	t.logger.Info("completion marker written", "marker", t.cfg.MarkerPath)
	return nil
}

// State inspects the unit file and marker.
func (t *Trigger) State() (State, error) {
	st := State{UnitPath: t.UnitPath(), MarkerPath: t.cfg.MarkerPath}

	_, err := os.Stat(st.UnitPath)
	switch {
	case err == nil:
		st.Armed = true
	case !errors.Is(err, fs.ErrNotExist):
		return State{}, fmt.Errorf("stat unit: %w", err)
	}

	data, err := os.ReadFile(st.MarkerPath)
	switch {
	case err == nil:
		st.Complete = true
		st.CompletedAt = parseMarker(data)
	case !errors.Is(err, fs.ErrNotExist):
		return State{}, fmt.Errorf("read marker: %w", err)
	}
	return st, nil
}

// ClearMarker deletes the completion marker so a reset run can arm again.
func (t *Trigger) ClearMarker() error {
	err := os.Remove(t.cfg.MarkerPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear marker: %w", err)
	}
	return nil
}

// parseMarker returns the zero time for a marker written by hand.
func parseMarker(data []byte) time.Time {
	s := strings.TrimSpace(string(data))
	at, err := time.Parse(time.RFC3339, strings.TrimPrefix(s, markerPrefix))
	if err != nil {
		return time.Time{}
	}
	return at
}
