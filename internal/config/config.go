// Package config loads the small, enumerated runtime configuration
// described in spec.md §6: log root, database path, listen address,
// polling/reconciliation/idle timings, notification caps, and mux/
// assistant binary paths. All configuration is read once at startup;
// runtime reload is a non-goal (spec.md §6), though Diff is kept for
// operators comparing two loaded configs across restarts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Paths  PathsConfig  `yaml:"paths"`
	Server ServerConfig `yaml:"server"`
	Watch  WatchConfig  `yaml:"watch"`
	Idle   IdleConfig   `yaml:"idle"`
	Notify NotifyConfig `yaml:"notify"`
	Mux    MuxConfig    `yaml:"mux"`
}

// PathsConfig names the two filesystem roots the core depends on.
type PathsConfig struct {
	// LogRoot is the directory tree the File Watcher scans for
	// append-only session transcripts (spec.md §6).
	LogRoot string `yaml:"log_root"`
	// DatabasePath is the embedded Index Store's backing file.
	DatabasePath string `yaml:"database_path"`
}

// ServerConfig controls the transport layer's listen address. The
// transport itself is out of the core's scope (spec.md §1) but the
// composition root still needs somewhere to bind.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WatchConfig controls the File Watcher and Indexer timings (spec.md §4.3).
type WatchConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
	EventCoalesceWindow   time.Duration `yaml:"event_coalesce_window"`
	MaxToolEventsPerBatch int           `yaml:"max_tool_events_per_batch"`
	MaxLineBytes          int           `yaml:"max_line_bytes"`
}

// IdleConfig controls the Idle Detector (spec.md §4.5).
type IdleConfig struct {
	ScanInterval  time.Duration `yaml:"scan_interval"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	IdleCooldown  time.Duration `yaml:"idle_cooldown"`
	RecentWindow  time.Duration `yaml:"recent_window"`
}

// NotifyConfig controls the Notification Dispatcher's rate limits (spec.md §4.8).
type NotifyConfig struct {
	PerSessionCooldown time.Duration `yaml:"per_session_cooldown"`
	GlobalHourlyCap    int           `yaml:"global_hourly_cap"`
	DeliveryTimeout    time.Duration `yaml:"delivery_timeout"`
}

// MuxConfig names the external binaries the Mux Controller shells out to.
type MuxConfig struct {
	MuxBinaryPath       string        `yaml:"mux_binary_path"`
	AssistantBinaryPath string        `yaml:"assistant_binary_path"`
	SessionNamePrefix   string        `yaml:"session_name_prefix"`
	CommandTimeout      time.Duration `yaml:"command_timeout"`
	TerminateGrace      time.Duration `yaml:"terminate_grace"`
}

// Load reads and parses the YAML config file at path, starting from
// defaults so unset fields keep sane values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path if it exists, else returns Default().
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Default returns the documented default configuration (spec.md §6).
func Default() *Config {
	stateDir := defaultStateDir()
	return &Config{
		Paths: PathsConfig{
			LogRoot:      filepath.Join(defaultHome(), ".claude", "projects"),
			DatabasePath: filepath.Join(stateDir, "claude-remote", "index.db"),
		},
		// AuthToken is empty by default: a localhost-bound single-user
		// tool needs no token until the operator sets one.
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Watch: WatchConfig{
			PollInterval:          2 * time.Second,
			ReconcileInterval:     60 * time.Second,
			EventCoalesceWindow:   500 * time.Millisecond,
			MaxToolEventsPerBatch: 10,
			MaxLineBytes:          1 << 20, // 1 MiB
		},
		Idle: IdleConfig{
			ScanInterval:  15 * time.Second,
			IdleThreshold: 30 * time.Second,
			IdleCooldown:  5 * time.Minute,
			RecentWindow:  24 * time.Hour,
		},
		Notify: NotifyConfig{
			PerSessionCooldown: 5 * time.Minute,
			GlobalHourlyCap:    10,
			DeliveryTimeout:    10 * time.Second,
		},
		Mux: MuxConfig{
			MuxBinaryPath:       "tmux",
			AssistantBinaryPath: "claude",
			SessionNamePrefix:   "claude-remote-",
			CommandTimeout:      5 * time.Second,
			TerminateGrace:      5 * time.Second,
		},
	}
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func defaultStateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return v
	}
	return filepath.Join(defaultHome(), ".local", "state")
}

// DefaultConfigPath returns the XDG-compliant default config file path.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(defaultHome(), ".config")
	}
	return filepath.Join(dir, "claude-remote", "config.yaml")
}

// Diff compares two configs and describes what changed, for operator
// visibility across restarts (runtime reload itself remains a non-goal).
func Diff(old, new *Config) []string {
	var changes []string
	cmp := func(name string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			changes = append(changes, fmt.Sprintf("%s: %v → %v", name, a, b))
		}
	}
	cmp("paths.log_root", old.Paths.LogRoot, new.Paths.LogRoot)
	cmp("paths.database_path", old.Paths.DatabasePath, new.Paths.DatabasePath)
	cmp("server.host", old.Server.Host, new.Server.Host)
	cmp("server.port", old.Server.Port, new.Server.Port)
	cmp("server.auth_token_set", old.Server.AuthToken != "", new.Server.AuthToken != "")
	cmp("watch.poll_interval", old.Watch.PollInterval, new.Watch.PollInterval)
	cmp("watch.reconcile_interval", old.Watch.ReconcileInterval, new.Watch.ReconcileInterval)
	cmp("idle.idle_threshold", old.Idle.IdleThreshold, new.Idle.IdleThreshold)
	cmp("idle.idle_cooldown", old.Idle.IdleCooldown, new.Idle.IdleCooldown)
	cmp("notify.global_hourly_cap", old.Notify.GlobalHourlyCap, new.Notify.GlobalHourlyCap)
	cmp("mux.mux_binary_path", old.Mux.MuxBinaryPath, new.Mux.MuxBinaryPath)
	cmp("mux.assistant_binary_path", old.Mux.AssistantBinaryPath, new.Mux.AssistantBinaryPath)
	return changes
}
