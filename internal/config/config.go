package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where ksud looks for its configuration when neither
// --config nor KSUD_CONFIG is given.
const DefaultPath = "/data/adb/ksu/ksud.yaml"

// Update-state policies for reinstalling an existing module.
const (
	UpdateStatePreserve = "preserve"
	UpdateStateReset    = "reset"
)

type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Logging  LoggingConfig  `yaml:"logging"`
	Module   ModuleConfig   `yaml:"module"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Manager  ManagerConfig  `yaml:"manager"`
	Su       SuConfig       `yaml:"su"`
	Sepolicy SepolicyConfig `yaml:"sepolicy"`
	Profile  ProfileConfig  `yaml:"profile"`
}

// PathsConfig locates the persisted state. Everything defaults to a
// location under AdbDir.
type PathsConfig struct {
	AdbDir           string `yaml:"adb_dir"`
	KsuDir           string `yaml:"ksu_dir"`
	ModulesDir       string `yaml:"modules_dir"`
	ModulesUpdateDir string `yaml:"modules_update_dir"`
	ModulesTrashDir  string `yaml:"modules_trash_dir"`
	ProfileDB        string `yaml:"profile_db"`
	BinaryDir        string `yaml:"binary_dir"`
	WorkDir          string `yaml:"work_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type ModuleConfig struct {
	// UpdateState decides what happens to the Enabled/Disabled state of a
	// module that is installed over an existing copy: preserve or reset.
	UpdateState     string `yaml:"update_state"`
	DefaultPriority int    `yaml:"default_priority"`
	PriorityStep    int    `yaml:"priority_step"`
	RunCustomize    bool   `yaml:"run_customize"`
	ScriptTimeout   string `yaml:"script_timeout"`
	AllowDowngrade  *bool  `yaml:"allow_downgrade"`
}

type OverlayConfig struct {
	Partitions  []string `yaml:"partitions"`
	Exclude     []string `yaml:"exclude"`
	SourceLabel string   `yaml:"source_label"`
}

type ManagerConfig struct {
	Package      string `yaml:"package"`
	ExpectedSize int64  `yaml:"expected_size"`
	ExpectedHash string `yaml:"expected_hash"`
	AppDir       string `yaml:"app_dir"`
	// DataDir holds per-package data directories; the owner of
	// DataDir/<package> is the manager's uid.
	DataDir string `yaml:"data_dir"`
}

type SuConfig struct {
	Shell   string `yaml:"shell"`
	PathEnv string `yaml:"path_env"`
}

type SepolicyConfig struct {
	// StrictNames rejects identifiers outside [A-Za-z0-9_.-] at parse time.
	StrictNames bool `yaml:"strict_names"`
}

type ProfileConfig struct {
	// DefaultDomain is used by profiles without a domain and by profiles
	// whose template no longer exists.
	DefaultDomain string `yaml:"default_domain"`
}

// Load reads the config at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LoadFromBytes(nil)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(b)
}

// LoadFromBytes parses YAML config data and applies defaults, environment
// overrides and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg, _ := LoadFromBytes(nil)
	return cfg
}

func applyDefaults(cfg *Config) {
	p := &cfg.Paths
	if p.AdbDir == "" {
		p.AdbDir = "/data/adb"
	}
	if p.KsuDir == "" {
		p.KsuDir = filepath.Join(p.AdbDir, "ksu")
	}
	if p.ModulesDir == "" {
		p.ModulesDir = filepath.Join(p.AdbDir, "modules")
	}
	if p.ModulesUpdateDir == "" {
		p.ModulesUpdateDir = filepath.Join(p.AdbDir, "modules_update")
	}
	if p.ModulesTrashDir == "" {
		p.ModulesTrashDir = filepath.Join(p.AdbDir, "modules_trash")
	}
	if p.ProfileDB == "" {
		p.ProfileDB = filepath.Join(p.KsuDir, "profile.db")
	}
	if p.BinaryDir == "" {
		p.BinaryDir = filepath.Join(p.KsuDir, "bin")
	}
	if p.WorkDir == "" {
		p.WorkDir = filepath.Join(p.KsuDir, "work")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Module.UpdateState == "" {
		cfg.Module.UpdateState = UpdateStatePreserve
	}
	if cfg.Module.DefaultPriority == 0 {
		cfg.Module.DefaultPriority = 100
	}
	if cfg.Module.PriorityStep <= 0 {
		cfg.Module.PriorityStep = 10
	}
	if cfg.Module.ScriptTimeout == "" {
		cfg.Module.ScriptTimeout = "10s"
	}
	if cfg.Module.AllowDowngrade == nil {
		allow := true
		cfg.Module.AllowDowngrade = &allow
	}

	if len(cfg.Overlay.Partitions) == 0 {
		cfg.Overlay.Partitions = []string{"system", "vendor", "product", "system_ext", "odm"}
	}
	if cfg.Overlay.SourceLabel == "" {
		cfg.Overlay.SourceLabel = "KSU"
	}

	if cfg.Manager.Package == "" {
		cfg.Manager.Package = "me.weishu.kernelsu"
	}
	if cfg.Manager.AppDir == "" {
		cfg.Manager.AppDir = "/data/app"
	}
	if cfg.Manager.DataDir == "" {
		cfg.Manager.DataDir = "/data/data"
	}

	if cfg.Profile.DefaultDomain == "" {
		cfg.Profile.DefaultDomain = "u:r:su:s0"
	}
	if cfg.Su.Shell == "" {
		cfg.Su.Shell = "/system/bin/sh"
	}
	if cfg.Su.PathEnv == "" {
		cfg.Su.PathEnv = "/product/bin:/apex/com.android.runtime/bin:/apex/com.android.art/bin:/system_ext/bin:/system/bin:/system/xbin:/odm/bin:/vendor/bin:/vendor/xbin"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KSUD_ADB_DIR"); v != "" {
		cfg.Paths.AdbDir = v
	}
	if v := os.Getenv("KSUD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KSUD_MANAGER_HASH"); v != "" {
		cfg.Manager.ExpectedHash = v
	}
	if v := os.Getenv("KSUD_UPDATE_STATE"); v != "" {
		cfg.Module.UpdateState = v
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Module.UpdateState {
	case UpdateStatePreserve, UpdateStateReset:
	default:
		return fmt.Errorf("invalid module.update_state %q", cfg.Module.UpdateState)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	if _, err := time.ParseDuration(cfg.Module.ScriptTimeout); err != nil {
		return fmt.Errorf("invalid module.script_timeout %q: %w", cfg.Module.ScriptTimeout, err)
	}
	if cfg.Manager.ExpectedHash != "" && len(cfg.Manager.ExpectedHash) != 64 {
		return fmt.Errorf("manager.expected_hash must be 64 hex characters")
	}
	for _, part := range cfg.Overlay.Partitions {
		if part == "" || strings.ContainsAny(part, "/.") {
			return fmt.Errorf("invalid overlay partition %q", part)
		}
	}
	return nil
}

// ScriptTimeout returns the parsed module.script_timeout.
func (c *Config) ScriptTimeout() time.Duration {
	d, err := time.ParseDuration(c.Module.ScriptTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// VerboseMarker is the file whose presence forces debug logging.
func (c *Config) VerboseMarker() string {
	return filepath.Join(c.Paths.KsuDir, ".verbose")
}
