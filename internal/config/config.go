package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Anchor selects how a pushed event's start time is chosen
type Anchor string

const (
	// AnchorNow schedules pushed events at the moment of reconciliation
	AnchorNow Anchor = "now"
	// AnchorBucket keeps the time of day but uses the date of the file's directory
	AnchorBucket Anchor = "bucket"
)

// Config represents the complete calsyncd configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Auth     AuthConfig     `yaml:"auth"`
	Calendar CalendarConfig `yaml:"calendar"`
	Sync     SyncConfig     `yaml:"sync"`
	Watch    WatchConfig    `yaml:"watch"`
	Log      LogConfig      `yaml:"log"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	Root       string `yaml:"root"`
	CursorFile string `yaml:"cursor_file"`
}

// AuthConfig configures where OAuth client secrets and tokens live
type AuthConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
}

// CalendarConfig selects the remote calendar
type CalendarConfig struct {
	ID       string `yaml:"id"`
	Timezone string `yaml:"timezone"`
	// Endpoint overrides the Calendar API base URL (API proxies, test servers)
	Endpoint string `yaml:"endpoint"`

	location *time.Location // resolved Timezone, set by Validate
}

// SyncConfig configures push and pull behavior
type SyncConfig struct {
	DefaultDuration   time.Duration `yaml:"default_duration"`
	Anchor            Anchor        `yaml:"anchor"`
	ProtectLocalEdits *bool         `yaml:"protect_local_edits"`
}

// WatchConfig configures continuous sync
type WatchConfig struct {
	SelfWriteWindow time.Duration `yaml:"self_write_window"`
	// Resync is an optional cron schedule ("*/15 * * * *", "@every 10m") that
	// pulls remote changes while watching.
	Resync string `yaml:"resync"`
}

// LogConfig configures an optional rotating log file
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// DefaultPath returns $HOME/.config/calsyncd/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calsyncd", "config.yaml"), nil
}

// Load reads and parses the configuration file. A missing file is not an
// error: the defaults describe a working setup rooted at $HOME/calendar.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Variables from a .env next to the config file are visible to expandEnv
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// fall through with an empty config
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like fields
func (c *Config) expandEnv() {
	c.Paths.Root = os.ExpandEnv(c.Paths.Root)
	c.Paths.CursorFile = os.ExpandEnv(c.Paths.CursorFile)
	c.Auth.CredentialsFile = os.ExpandEnv(c.Auth.CredentialsFile)
	c.Auth.TokenFile = os.ExpandEnv(c.Auth.TokenFile)
	c.Log.File = os.ExpandEnv(c.Log.File)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() error {
	if c.Paths.Root == "" || c.Auth.CredentialsFile == "" || c.Auth.TokenFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		if c.Paths.Root == "" {
			c.Paths.Root = filepath.Join(home, "calendar")
		}
		if c.Auth.CredentialsFile == "" {
			c.Auth.CredentialsFile = filepath.Join(home, ".config", "calsyncd", "credentials.json")
		}
		if c.Auth.TokenFile == "" {
			c.Auth.TokenFile = filepath.Join(home, ".config", "calsyncd", "token.json")
		}
	}
	if c.Paths.CursorFile == "" {
		c.Paths.CursorFile = filepath.Join(c.Paths.Root, ".last_sync_time")
	}
	if c.Calendar.ID == "" {
		c.Calendar.ID = "primary"
	}
	if c.Sync.DefaultDuration == 0 {
		c.Sync.DefaultDuration = time.Hour
	}
	if c.Sync.Anchor == "" {
		c.Sync.Anchor = AnchorNow
	}
	if c.Sync.ProtectLocalEdits == nil {
		protect := true
		c.Sync.ProtectLocalEdits = &protect
	}
	if c.Watch.SelfWriteWindow == 0 {
		c.Watch.SelfWriteWindow = 2 * time.Second
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Ensure paths are absolute
	if !filepath.IsAbs(c.Paths.Root) {
		return fmt.Errorf("paths.root must be an absolute path: %s", c.Paths.Root)
	}
	if !filepath.IsAbs(c.Paths.CursorFile) {
		return fmt.Errorf("paths.cursor_file must be an absolute path: %s", c.Paths.CursorFile)
	}
	if c.Auth.CredentialsFile == "" {
		return fmt.Errorf("auth.credentials_file is required")
	}
	if c.Auth.TokenFile == "" {
		return fmt.Errorf("auth.token_file is required")
	}

	c.Calendar.location = time.Local
	if c.Calendar.Timezone != "" {
		loc, err := time.LoadLocation(c.Calendar.Timezone)
		if err != nil {
			return fmt.Errorf("invalid calendar.timezone %q: %w", c.Calendar.Timezone, err)
		}
		c.Calendar.location = loc
	}

	if c.Sync.DefaultDuration < 0 {
		return fmt.Errorf("sync.default_duration must be positive: %s", c.Sync.DefaultDuration)
	}

	switch c.Sync.Anchor {
	case AnchorNow, AnchorBucket:
		// valid
	default:
		return fmt.Errorf("invalid sync.anchor: %s (must be now or bucket)", c.Sync.Anchor)
	}

	if c.Calendar.Endpoint != "" {
		u, err := url.Parse(c.Calendar.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid calendar.endpoint: %s", c.Calendar.Endpoint)
		}
	}

	if c.Watch.SelfWriteWindow < 0 {
		return fmt.Errorf("watch.self_write_window must be positive: %s", c.Watch.SelfWriteWindow)
	}
	if c.Watch.Resync != "" {
		if _, err := cron.ParseStandard(c.Watch.Resync); err != nil {
			return fmt.Errorf("invalid watch.resync schedule %q: %w", c.Watch.Resync, err)
		}
	}

	return nil
}

// Location returns the configured calendar time zone, or time.Local. The zone
// is resolved once by Validate; configs that skipped it resolve on each call.
func (c *Config) Location() *time.Location {
	if c.Calendar.location != nil {
		return c.Calendar.location
	}
	if c.Calendar.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ProtectsLocalEdits reports whether a pull may skip overwriting unpushed local edits
func (c *Config) ProtectsLocalEdits() bool {
	return c.Sync.ProtectLocalEdits == nil || *c.Sync.ProtectLocalEdits
}
