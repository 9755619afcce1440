// Package config loads the daemon's settings: an optional YAML file
// layered with the environment variables spec.md §6.4 names, then
// defaulted and validated. Mirrors the shape the example pack's daemon
// configs use — a Default() baseline, loadFromFile/loadFromEnv layered on
// top, and a Validate() pass before the result is handed to the runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/oj-run/oj/internal/limits"
)

// ErrInvalidConfig is returned when Validate finds a config it cannot run
// the daemon with.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// AppName namespaces the on-disk state dir and the daemon's own log
// lines (spec.md §6.1's "<app>").
const AppName = "oj"

// maxSocketPathLen is the conservative SUN_LEN spec.md §4.10 calls for
// ("104 on macOS"); Linux's sockaddr_un is slightly more generous but
// nothing is gained by binding a path that would refuse to connect from
// a Mac peer, so the daemon fails fast against the tighter number on
// every platform.
const maxSocketPathLen = 104

// LogConfig controls the daemon's structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// DaemonConfig controls the daemon's own process lifecycle: where its
// state lives, how it discovers agent logs, and its event-loop cadences.
type DaemonConfig struct {
	// SocketDir is where the per-project control socket is bound.
	// Environment: OJ_SOCKET_DIR. Default: $XDG_RUNTIME_DIR/oj.
	SocketDir string `yaml:"socket_dir,omitempty"`

	// StateHome is the root the per-project state dir is nested under.
	// Environment: XDG_STATE_HOME (used as $XDG_STATE_HOME/oj).
	// Default: $HOME/.local/state/oj.
	StateHome string `yaml:"state_home,omitempty"`

	// ClaudeStateDir tells the agent-log discovery adapter where to
	// look for session logs it did not spawn itself.
	// Environment: CLAUDE_LOCAL_STATE_DIR. Default: $HOME/.claude.
	ClaudeStateDir string `yaml:"claude_state_dir,omitempty"`

	// HeartbeatInterval holds a value for the runtime's heartbeat tick
	// (spec.md §4.8: "1 s heartbeat tick"). The runtime does not read it;
	// it ticks on its own fixed 1s constant.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// SessionCheckInterval holds a value for the supervisor's poll cadence
	// (spec.md §4.7/§4.8: "every 10 s"). The runtime does not read it; it
	// uses its own fixed 10s constant.
	SessionCheckInterval time.Duration `yaml:"session_check_interval,omitempty"`

	// ShutdownGrace holds a value for how long shutdown waits for
	// in-flight work (spec.md §4.10: "5 s grace window"). cmd/ojd does not
	// read it; it uses its own fixed 5s constant.
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`

	// PIDFile holds a daemon.pid path. cmd/ojd does not read it; the PID
	// file always lives at daemon.pid inside the project state dir.
	PIDFile string `yaml:"pid_file,omitempty"`
}

// LimitsConfig is the YAML-facing mirror of limits.ResourceLimits; the
// lower-level type carries no yaml tags of its own since it's exercised
// directly by the runtime's bucketing math, not by file parsing.
type LimitsConfig struct {
	MaxSessions     int64 `yaml:"max_sessions,omitempty"`
	MaxFileHandles  int64 `yaml:"max_file_handles,omitempty"`
	MaxMemoryBytes  int64 `yaml:"max_memory_bytes,omitempty"`
	MaxWALSizeBytes int64 `yaml:"max_wal_size_bytes,omitempty"`
}

// ResourceLimits converts to the type internal/limits actually operates
// on.
func (l LimitsConfig) ResourceLimits() limits.ResourceLimits {
	return limits.ResourceLimits{
		MaxSessions:     l.MaxSessions,
		MaxFileHandles:  l.MaxFileHandles,
		MaxMemoryBytes:  l.MaxMemoryBytes,
		MaxWALSizeBytes: l.MaxWALSizeBytes,
	}
}

func limitsConfigFrom(rl limits.ResourceLimits) LimitsConfig {
	return LimitsConfig{
		MaxSessions:     rl.MaxSessions,
		MaxFileHandles:  rl.MaxFileHandles,
		MaxMemoryBytes:  rl.MaxMemoryBytes,
		MaxWALSizeBytes: rl.MaxWALSizeBytes,
	}
}

// Config is the complete daemon configuration.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Daemon DaemonConfig `yaml:"daemon"`
	Limits LimitsConfig `yaml:"limits,omitempty"`
}

// ResourceLimits is a convenience accessor for c.Limits.ResourceLimits().
func (c *Config) ResourceLimits() limits.ResourceLimits {
	return c.Limits.ResourceLimits()
}

// Default returns a configuration with sensible defaults, computed from
// the environment the way spec.md §6.4 defines the fallback chain for
// each variable.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Daemon: DaemonConfig{
			SocketDir:            defaultSocketDir(),
			StateHome:            defaultStateHome(),
			ClaudeStateDir:       defaultClaudeStateDir(),
			HeartbeatInterval:    time.Second,
			SessionCheckInterval: 10 * time.Second,
			ShutdownGrace:        5 * time.Second,
		},
		Limits: limitsConfigFrom(limits.DefaultLimits()),
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment variables, in that order of increasing precedence, then
// validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyDefaults fills any zero-valued field a partial YAML file left
// empty, so a config naming only one setting still produces a complete,
// runnable Config.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Daemon.SocketDir == "" {
		c.Daemon.SocketDir = d.Daemon.SocketDir
	}
	if c.Daemon.StateHome == "" {
		c.Daemon.StateHome = d.Daemon.StateHome
	}
	if c.Daemon.ClaudeStateDir == "" {
		c.Daemon.ClaudeStateDir = d.Daemon.ClaudeStateDir
	}
	if c.Daemon.HeartbeatInterval == 0 {
		c.Daemon.HeartbeatInterval = d.Daemon.HeartbeatInterval
	}
	if c.Daemon.SessionCheckInterval == 0 {
		c.Daemon.SessionCheckInterval = d.Daemon.SessionCheckInterval
	}
	if c.Daemon.ShutdownGrace == 0 {
		c.Daemon.ShutdownGrace = d.Daemon.ShutdownGrace
	}
	if c.Limits.MaxSessions == 0 {
		c.Limits.MaxSessions = d.Limits.MaxSessions
	}
	if c.Limits.MaxFileHandles == 0 {
		c.Limits.MaxFileHandles = d.Limits.MaxFileHandles
	}
	if c.Limits.MaxMemoryBytes == 0 {
		c.Limits.MaxMemoryBytes = d.Limits.MaxMemoryBytes
	}
	if c.Limits.MaxWALSizeBytes == 0 {
		c.Limits.MaxWALSizeBytes = d.Limits.MaxWALSizeBytes
	}
}

// loadFromEnv overrides cfg from the environment: the variables spec.md
// §6.4 names plus LOG_LEVEL, LOG_FORMAT, LOG_SOURCE, OJ_MAX_SESSIONS and
// OJ_MAX_WAL_SIZE_BYTES. These take precedence over both defaults and the
// YAML file.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("OJ_SOCKET_DIR"); val != "" {
		c.Daemon.SocketDir = val
	}
	if val := os.Getenv("XDG_STATE_HOME"); val != "" {
		c.Daemon.StateHome = filepath.Join(val, AppName)
	}
	if val := os.Getenv("CLAUDE_LOCAL_STATE_DIR"); val != "" {
		c.Daemon.ClaudeStateDir = val
	}
	if val := os.Getenv("OJ_MAX_SESSIONS"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Limits.MaxSessions = n
		}
	}
	if val := os.Getenv("OJ_MAX_WAL_SIZE_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Limits.MaxWALSizeBytes = n
		}
	}
}

// Validate checks that the configuration is runnable.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}
	if c.Daemon.SocketDir == "" {
		errs = append(errs, "daemon.socket_dir must not be empty")
	}
	if c.Daemon.StateHome == "" {
		errs = append(errs, "daemon.state_home must not be empty")
	}
	if c.Daemon.HeartbeatInterval <= 0 {
		errs = append(errs, "daemon.heartbeat_interval must be positive")
	}
	if c.Daemon.SessionCheckInterval <= 0 {
		errs = append(errs, "daemon.session_check_interval must be positive")
	}
	if c.Limits.MaxSessions <= 0 {
		errs = append(errs, "limits.max_sessions must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func defaultSocketDir() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, AppName)
	}
	return filepath.Join(os.TempDir(), AppName)
}

func defaultStateHome() string {
	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), AppName, "state")
	}
	return filepath.Join(home, ".local", "state", AppName)
}

func defaultClaudeStateDir() string {
	if dir := os.Getenv("CLAUDE_LOCAL_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude")
}

// ProjectHash hashes a project's absolute path into the short identifier
// spec.md §6.1/§6.2 nests per-project state and the control socket
// under. Reuses xxhash the way internal/wal checksums entries and
// internal/supervisor locates a project's session-log root, rather than
// adding a second hashing dependency for the same purpose.
func ProjectHash(projectPath string) string {
	return fmt.Sprintf("%x", xxhash.Sum64String(projectPath))
}

// ProjectStateDir returns the per-project state dir spec.md §6.1 lays
// out: $XDG_STATE_HOME/<app>/projects/<hash(project_path)>/.
func (c *Config) ProjectStateDir(projectPath string) string {
	return filepath.Join(c.Daemon.StateHome, "projects", ProjectHash(projectPath))
}

// ValidateSocketPath enforces the SUN_LEN bound spec.md §4.10 requires
// the daemon fail fast against, rather than let bind(2) fail with a
// generic "invalid argument" deep inside the listen call.
func ValidateSocketPath(path string) error {
	if len(path) > maxSocketPathLen {
		return fmt.Errorf("%w: socket path %q is %d bytes, exceeds the %d-byte platform limit", ErrInvalidConfig, path, len(path), maxSocketPathLen)
	}
	return nil
}
