// Package config loads nodeprov settings from built-in defaults, an optional
// CUE file, NODEPROV_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultPath is read when no --config is given and the file exists.
const DefaultPath = "/etc/nodeprov/config.cue"

//go:embed schema.cue
var schema string

// Config is the resolved configuration.
type Config struct {
	StateDir        string          `mapstructure:"state_dir" json:"state_dir"`
	LogDir          string          `mapstructure:"log_dir" json:"log_dir"`
	MarkerPath      string          `mapstructure:"marker_path" json:"marker_path"`
	UnitDir         string          `mapstructure:"unit_dir" json:"unit_dir"`
	UnitName        string          `mapstructure:"unit_name" json:"unit_name"`
	BinaryPath      string          `mapstructure:"binary_path" json:"binary_path"`
	DriverModule    string          `mapstructure:"driver_module" json:"driver_module"`
	BlacklistModule string          `mapstructure:"blacklist_module" json:"blacklist_module"`
	VolumeGroup     string          `mapstructure:"volume_group" json:"volume_group"`
	Disk            string          `mapstructure:"disk" json:"disk"`
	WithCompose     bool            `mapstructure:"with_compose" json:"with_compose"`
	Audit           AuditConfig     `mapstructure:"audit" json:"audit"`
	Scripts         ScriptsConfig   `mapstructure:"scripts" json:"scripts"`
	Retry           RetryConfig     `mapstructure:"retry" json:"retry"`
	Preflight       PreflightConfig `mapstructure:"preflight" json:"preflight"`

	// Phases maps a phase name to a script replacing the built-in one.
	Phases map[string]string `mapstructure:"phases" json:"phases,omitempty"`
}

type AuditConfig struct {
	MaxRuns   int `mapstructure:"max_runs" json:"max_runs"`
	MaxEvents int `mapstructure:"max_events" json:"max_events"`
}

// ScriptsConfig locates the external stage collaborators.
type ScriptsConfig struct {
	Driver     string `mapstructure:"driver" json:"driver"`
	Validation string `mapstructure:"validation" json:"validation"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" json:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed" json:"max_elapsed"`
}

type PreflightConfig struct {
	RequireRoot   bool     `mapstructure:"require_root" json:"require_root"`
	KernelHeaders bool     `mapstructure:"kernel_headers" json:"kernel_headers"`
	Tools         []string `mapstructure:"tools" json:"tools"`
	SupportedOS   []string `mapstructure:"supported_os" json:"supported_os"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StateDir:        "/var/lib/nodeprov",
		LogDir:          "/var/log/nodeprov",
		UnitDir:         "/etc/systemd/system",
		UnitName:        "nodeprov-resume.service",
		DriverModule:    "nvidia",
		BlacklistModule: "nouveau",
		Audit: AuditConfig{
			MaxRuns:   10,
			MaxEvents: 5000,
		},
		Scripts: ScriptsConfig{
			Driver:     "/usr/local/lib/nodeprov/install-driver.sh",
			Validation: "/usr/local/lib/nodeprov/validate.sh",
		},
		Retry: RetryConfig{
			InitialInterval: 5 * time.Second,
			MaxInterval:     time.Minute,
			MaxElapsed:      5 * time.Minute,
		},
		Preflight: PreflightConfig{
			RequireRoot:   true,
			KernelHeaders: true,
			Tools:         []string{"systemctl", "modprobe", "apt-get", "curl", "gpg"},
			SupportedOS:   []string{"ubuntu:22.04", "ubuntu:24.04"},
		},
	}
}

// LoadOptions control where Load looks.
type LoadOptions struct {
	// Path is an explicit config file; it must exist. Empty means
	// DefaultPath when present.
	Path string

	// DefaultPath overrides DefaultPath, for tests.
	DefaultPath string

	// Flags maps config keys to command-line flags bound on top of every
	// other source. Only flags the user set take effect.
	Flags map[string]*pflag.Flag
}

// Load resolves the configuration and returns the file it read, if any.
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("NODEPROV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := opts.Path
	if path == "" {
		def := opts.DefaultPath
		if def == "" {
			def = DefaultPath
		}
		if _, err := os.Stat(def); err == nil {
			path = def
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, "", fmt.Errorf("config file not found: %w", err)
	}
	if path != "" {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", err
		}
	}

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, "", fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.MarkerPath == "" {
		cfg.MarkerPath = filepath.Join(cfg.StateDir, "complete")
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, path, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("marker_path", d.MarkerPath)
	v.SetDefault("unit_dir", d.UnitDir)
	v.SetDefault("unit_name", d.UnitName)
	v.SetDefault("binary_path", d.BinaryPath)
	v.SetDefault("driver_module", d.DriverModule)
	v.SetDefault("blacklist_module", d.BlacklistModule)
	v.SetDefault("volume_group", d.VolumeGroup)
	v.SetDefault("disk", d.Disk)
	v.SetDefault("with_compose", d.WithCompose)
	v.SetDefault("audit.max_runs", d.Audit.MaxRuns)
	v.SetDefault("audit.max_events", d.Audit.MaxEvents)
	v.SetDefault("scripts.driver", d.Scripts.Driver)
	v.SetDefault("scripts.validation", d.Scripts.Validation)
	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.max_elapsed", d.Retry.MaxElapsed)
	v.SetDefault("preflight.require_root", d.Preflight.RequireRoot)
	v.SetDefault("preflight.kernel_headers", d.Preflight.KernelHeaders)
	v.SetDefault("preflight.tools", d.Preflight.Tools)
	v.SetDefault("preflight.supported_os", d.Preflight.SupportedOS)
}

// loadCUEIntoViper validates a CUE file against #Config and merges it into
// v. Concrete(false) because every field is optional.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ctx := cuecontext.New()
	schemaValue := ctx.CompileString(schema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return fmt.Errorf("%s: %w", path, userValue.Err())
	}

	unified := schemaValue.LookupPath(cue.ParsePath("#Config")).Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// Validate checks constraints the environment and flags can violate after
// the CUE file was validated.
func (c *Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir must not be empty"))
	}
	if c.LogDir == "" {
		errs = append(errs, errors.New("log_dir must not be empty"))
	}
	if c.DriverModule == "" {
		errs = append(errs, errors.New("driver_module must not be empty"))
	}
	if c.Audit.MaxRuns < 1 {
		errs = append(errs, fmt.Errorf("audit.max_runs must be at least 1, got %d", c.Audit.MaxRuns))
	}
	if c.Audit.MaxEvents < 1 {
		errs = append(errs, fmt.Errorf("audit.max_events must be at least 1, got %d", c.Audit.MaxEvents))
	}
	if c.Disk != "" && !strings.HasPrefix(c.Disk, "/dev/") {
		errs = append(errs, fmt.Errorf("disk must be a /dev path, got %q", c.Disk))
	}
	if c.Retry.MaxElapsed < 0 || c.Retry.InitialInterval < 0 {
		errs = append(errs, errors.New("retry intervals must not be negative"))
	}
	return errors.Join(errs...)
}

// StageStatePath is the stage-level State Store.
func (c *Config) StageStatePath() string {
	return filepath.Join(c.StateDir, "stage.state")
}

// PhaseStatePath is the phase-level State Store.
func (c *Config) PhaseStatePath() string {
	return filepath.Join(c.StateDir, "phase.state")
}

// HistoryPath is the SQLite run ledger.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "history.db")
}
