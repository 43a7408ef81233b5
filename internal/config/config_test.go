package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
paths:
  root: "/home/user/calendar"

auth:
  credentials_file: "/home/user/.config/calsyncd/credentials.json"
  token_file: "/home/user/.config/calsyncd/token.json"

calendar:
  id: "work@example.com"
  timezone: "Europe/Zurich"

sync:
  default_duration: 30m
  anchor: "bucket"
  protect_local_edits: false

watch:
  self_write_window: 5s
  resync: "*/15 * * * *"
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Verify loaded values
	if cfg.Paths.Root != "/home/user/calendar" {
		t.Errorf("expected root /home/user/calendar, got %s", cfg.Paths.Root)
	}
	if cfg.Paths.CursorFile != "/home/user/calendar/.last_sync_time" {
		t.Errorf("expected default cursor file under root, got %s", cfg.Paths.CursorFile)
	}
	if cfg.Calendar.ID != "work@example.com" {
		t.Errorf("expected calendar id work@example.com, got %s", cfg.Calendar.ID)
	}
	if cfg.Sync.DefaultDuration != 30*time.Minute {
		t.Errorf("expected default duration 30m, got %s", cfg.Sync.DefaultDuration)
	}
	if cfg.Sync.Anchor != AnchorBucket {
		t.Errorf("expected anchor bucket, got %s", cfg.Sync.Anchor)
	}
	if cfg.ProtectsLocalEdits() {
		t.Error("expected protect_local_edits to be disabled")
	}
	if cfg.Watch.SelfWriteWindow != 5*time.Second {
		t.Errorf("expected self write window 5s, got %s", cfg.Watch.SelfWriteWindow)
	}
	if cfg.Location().String() != "Europe/Zurich" {
		t.Errorf("expected Europe/Zurich location, got %s", cfg.Location())
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Paths.Root != filepath.Join(home, "calendar") {
		t.Errorf("expected default root under HOME, got %s", cfg.Paths.Root)
	}
	if cfg.Calendar.ID != "primary" {
		t.Errorf("expected primary calendar, got %s", cfg.Calendar.ID)
	}
	if cfg.Sync.DefaultDuration != time.Hour {
		t.Errorf("expected 1h default duration, got %s", cfg.Sync.DefaultDuration)
	}
	if cfg.Sync.Anchor != AnchorNow {
		t.Errorf("expected anchor now, got %s", cfg.Sync.Anchor)
	}
	if !cfg.ProtectsLocalEdits() {
		t.Error("expected local edits to be protected by default")
	}
	if cfg.Location() != time.Local {
		t.Error("expected time.Local without a configured timezone")
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	calRoot := filepath.Join(dir, "my-calendar")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CALSYNCD_TEST_ROOT="+calRoot+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("CALSYNCD_TEST_ROOT") })

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("paths:\n  root: \"${CALSYNCD_TEST_ROOT}\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.Root != calRoot {
		t.Errorf("expected root from .env %s, got %s", calRoot, cfg.Paths.Root)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("paths: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func validConfig() Config {
	return Config{
		Paths: PathsConfig{
			Root:       "/absolute/calendar",
			CursorFile: "/absolute/calendar/.last_sync_time",
		},
		Auth: AuthConfig{
			CredentialsFile: "/creds.json",
			TokenFile:       "/token.json",
		},
		Calendar: CalendarConfig{ID: "primary"},
		Sync: SyncConfig{
			DefaultDuration: time.Hour,
			Anchor:          AnchorNow,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "relative root",
			mutate:  func(c *Config) { c.Paths.Root = "calendar" },
			wantErr: true,
		},
		{
			name:    "relative cursor file",
			mutate:  func(c *Config) { c.Paths.CursorFile = ".last_sync_time" },
			wantErr: true,
		},
		{
			name:    "missing token file",
			mutate:  func(c *Config) { c.Auth.TokenFile = "" },
			wantErr: true,
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Calendar.Timezone = "Mars/Olympus_Mons" },
			wantErr: true,
		},
		{
			name:    "invalid anchor",
			mutate:  func(c *Config) { c.Sync.Anchor = "tomorrow" },
			wantErr: true,
		},
		{
			name:    "negative default duration",
			mutate:  func(c *Config) { c.Sync.DefaultDuration = -time.Minute },
			wantErr: true,
		},
		{
			name:    "valid endpoint",
			mutate:  func(c *Config) { c.Calendar.Endpoint = "http://127.0.0.1:8080/" },
			wantErr: false,
		},
		{
			name:    "endpoint without scheme",
			mutate:  func(c *Config) { c.Calendar.Endpoint = "calendar.internal" },
			wantErr: true,
		},
		{
			name:    "valid resync descriptor",
			mutate:  func(c *Config) { c.Watch.Resync = "@every 10m" },
			wantErr: false,
		},
		{
			name:    "invalid resync schedule",
			mutate:  func(c *Config) { c.Watch.Resync = "every now and then" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CAL_HOME", "/srv/cal")

	cfg := Config{
		Paths: PathsConfig{Root: "$CAL_HOME/files", CursorFile: "${CAL_HOME}/cursor"},
		Log:   LogConfig{File: "$CAL_HOME/calsyncd.log"},
	}
	cfg.expandEnv()

	if cfg.Paths.Root != "/srv/cal/files" {
		t.Errorf("root not expanded: %s", cfg.Paths.Root)
	}
	if cfg.Paths.CursorFile != "/srv/cal/cursor" {
		t.Errorf("cursor file not expanded: %s", cfg.Paths.CursorFile)
	}
	if cfg.Log.File != "/srv/cal/calsyncd.log" {
		t.Errorf("log file not expanded: %s", cfg.Log.File)
	}
}

func TestLocation(t *testing.T) {
	cfg := &Config{
		Paths:    PathsConfig{Root: "/cal", CursorFile: "/cal/.last_sync_time"},
		Auth:     AuthConfig{CredentialsFile: "/c.json", TokenFile: "/t.json"},
		Calendar: CalendarConfig{ID: "primary", Timezone: "Europe/Zurich"},
		Sync:     SyncConfig{Anchor: AnchorNow},
	}
	if got := cfg.Location(); got.String() != "Europe/Zurich" {
		t.Errorf("unvalidated config: Location() = %s, want Europe/Zurich", got)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Calendar.location == nil || cfg.Location() != cfg.Calendar.location {
		t.Error("expected Validate to cache the resolved zone")
	}
	if cfg.Location().String() != "Europe/Zurich" {
		t.Errorf("Location() = %s, want Europe/Zurich", cfg.Location())
	}

	cfg.Calendar.Timezone = ""
	cfg.Calendar.location = nil
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Location() != time.Local {
		t.Errorf("expected time.Local without a timezone, got %s", cfg.Location())
	}
}
