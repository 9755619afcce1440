package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format = %q, want json", cfg.Log.Format)
	}
	if cfg.Daemon.HeartbeatInterval != time.Second {
		t.Errorf("heartbeat interval = %v, want 1s", cfg.Daemon.HeartbeatInterval)
	}
	if cfg.Daemon.SessionCheckInterval != 10*time.Second {
		t.Errorf("session check interval = %v, want 10s", cfg.Daemon.SessionCheckInterval)
	}
	if cfg.Daemon.SocketDir == "" {
		t.Error("socket dir must not be empty")
	}
	if cfg.Limits.MaxSessions <= 0 {
		t.Error("max sessions must default to a positive value")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() must validate, got %v", err)
	}
}

func TestLoadFromEnv_SocketDir(t *testing.T) {
	t.Setenv("OJ_SOCKET_DIR", "/tmp/custom-oj-sockets")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.SocketDir != "/tmp/custom-oj-sockets" {
		t.Errorf("socket dir = %q, want /tmp/custom-oj-sockets", cfg.Daemon.SocketDir)
	}
}

func TestLoadFromEnv_StateHomeNestsAppName(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg-state")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join("/tmp/xdg-state", AppName)
	if cfg.Daemon.StateHome != want {
		t.Errorf("state home = %q, want %q", cfg.Daemon.StateHome, want)
	}
}

func TestLoadFromEnv_ClaudeStateDir(t *testing.T) {
	t.Setenv("CLAUDE_LOCAL_STATE_DIR", "/tmp/claude-state")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.ClaudeStateDir != "/tmp/claude-state" {
		t.Errorf("claude state dir = %q, want /tmp/claude-state", cfg.Daemon.ClaudeStateDir)
	}
}

func TestLoadFromFile_PartialOverridesMergeWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oj.yaml")
	yamlContent := "log:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
	// Untouched fields still come from Default().
	if cfg.Log.Format != "json" {
		t.Errorf("log format = %q, want json (from defaults)", cfg.Log.Format)
	}
	if cfg.Daemon.SessionCheckInterval != 10*time.Second {
		t.Errorf("session check interval = %v, want 10s (from defaults)", cfg.Daemon.SessionCheckInterval)
	}
}

func TestLoadFromFile_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oj.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("log level = %q, want error (env wins over file)", cfg.Log.Level)
	}
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject an unknown log level")
	}
}

func TestValidate_RejectsNonPositiveLimits(t *testing.T) {
	cfg := Default()
	cfg.Limits.MaxSessions = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject max_sessions=0")
	}
}

func TestProjectHash_StableAndPathDependent(t *testing.T) {
	a := ProjectHash("/home/user/project-a")
	b := ProjectHash("/home/user/project-b")
	if a == b {
		t.Fatal("different project paths must hash differently")
	}
	if a != ProjectHash("/home/user/project-a") {
		t.Fatal("hashing the same path twice must be stable")
	}
}

func TestProjectStateDir_NestsUnderStateHomeAndProjects(t *testing.T) {
	cfg := Default()
	cfg.Daemon.StateHome = "/tmp/state/oj"
	dir := cfg.ProjectStateDir("/home/user/myrepo")
	if !strings.HasPrefix(dir, "/tmp/state/oj/projects/") {
		t.Errorf("project state dir = %q, want prefix /tmp/state/oj/projects/", dir)
	}
}

func TestValidateSocketPath_RejectsTooLong(t *testing.T) {
	long := "/tmp/" + strings.Repeat("a", 120) + ".sock"
	if err := ValidateSocketPath(long); err == nil {
		t.Fatal("expected a path over the platform limit to be rejected")
	}
}

func TestValidateSocketPath_AcceptsShort(t *testing.T) {
	if err := ValidateSocketPath("/tmp/oj/abc123.sock"); err != nil {
		t.Errorf("short socket path should be valid, got %v", err)
	}
}

func TestResourceLimits_ConvertsFromConfig(t *testing.T) {
	cfg := Default()
	rl := cfg.ResourceLimits()
	if rl.MaxSessions != cfg.Limits.MaxSessions {
		t.Errorf("MaxSessions = %d, want %d", rl.MaxSessions, cfg.Limits.MaxSessions)
	}
}
