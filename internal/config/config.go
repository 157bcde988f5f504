package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment overrides are applied on top by ApplyEnv.

// Environment variables that override file values.
const (
	EnvListen   = "CALEXPAND_LISTEN"
	EnvLogLevel = "CALEXPAND_LOG_LEVEL"
	EnvTimezone = "CALEXPAND_TIMEZONE"
	EnvRefresh  = "CALEXPAND_REFRESH"
)

// CronParser is the schedule grammar accepted for Refresh: the standard
// five fields plus descriptors like "@every 10m".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CalendarConfig describes a single calendar source.
type CalendarConfig struct {
	// ID is an internal identifier used in URLs and logs. Defaults to Name,
	// then URL/Path.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// URL is an ICS subscription endpoint (http, https or webcal).
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Path is a local .ics file; it wins over URL.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// WindowConfig sets the default range served by /api/events.
type WindowConfig struct {
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`
}

// ExpandConfig holds the recurrence expansion options.
type ExpandConfig struct {
	// MaxIterations caps instants pulled per recurring event. nil means the
	// library default, 0 means unbounded.
	MaxIterations    *int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	SkipInvalidDates bool `yaml:"skip_invalid_dates" json:"skip_invalid_dates"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for display and for floating
	// times (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CacheDir holds the per-URL ICS cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// LogLevel is one of debug, info, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Window WindowConfig `yaml:"window" json:"window"`
	Expand ExpandConfig `yaml:"expand" json:"expand"`

	// Calendars is the list of configured sources.
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "UTC",
		RefreshCron: "*/15 * * * *",
		CacheDir:    "./var/ics-cache",
		LogLevel:    "info",
		Window: WindowConfig{
			BackfillDays: 1,
			HorizonDays:  30,
		},
		Calendars: []CalendarConfig{},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Window.BackfillDays < 0 {
		c.Window.BackfillDays = 0
	}
	if c.Window.HorizonDays <= 0 {
		c.Window.HorizonDays = def.Window.HorizonDays
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		if cal.ID != "" {
			continue
		}
		switch {
		case cal.Name != "":
			cal.ID = cal.Name
		case cal.Path != "":
			cal.ID = cal.Path
		default:
			cal.ID = cal.URL
		}
	}
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error

	if _, err := CronParser.Parse(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	if n := c.Expand.MaxIterations; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("expand.max_iterations must not be negative, got %d", *n))
	}

	seen := make(map[string]bool, len(c.Calendars))
	for i, cal := range c.Calendars {
		if cal.URL == "" && cal.Path == "" {
			errs = append(errs, fmt.Errorf("calendars[%d] (%s): url or path is required", i, cal.ID))
		}
		if cal.ID != "" && seen[cal.ID] {
			errs = append(errs, fmt.Errorf("calendars[%d]: duplicate id %q", i, cal.ID))
		}
		seen[cal.ID] = true
	}

	return errors.Join(errs...)
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides c with CALEXPAND_* variables from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTimezone)); v != "" {
		c.Timezone = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRefresh)); v != "" {
		c.RefreshCron = v
	}
}

// MaxIterations returns the configured cap and whether one was set.
func (c *Config) MaxIterations() (int, bool) {
	if c.Expand.MaxIterations == nil {
		return 0, false
	}
	return *c.Expand.MaxIterations, true
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calexpand-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// IntPtr is a small helper for building ExpandConfig values.
func IntPtr(n int) *int {
	return &n
}

// String renders the cap for logs.
func (e ExpandConfig) String() string {
	if e.MaxIterations == nil {
		return "default"
	}
	return strconv.Itoa(*e.MaxIterations)
}
