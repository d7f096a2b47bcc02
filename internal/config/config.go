package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all enginelink configuration.
type Config struct {
	// Engine process
	Engine EngineConfig `yaml:"engine"`

	// UI-local session
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig describes how to run the engine.
type EngineConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`

	StartupTimeout    string `yaml:"startup_timeout"`
	ShutdownGrace     string `yaml:"shutdown_grace"`
	HeartbeatInterval string `yaml:"heartbeat_interval"` // empty or "0" disables
}

// SessionConfig configures the session on the UI side.
type SessionConfig struct {
	DefaultMode    string `yaml:"default_mode"` // chat, plan, research
	TranscriptPath string `yaml:"transcript_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Command:        "python",
			Args:           []string{"-m", "core"},
			StartupTimeout: "15s",
			ShutdownGrace:  "3s",
		},
		Session: SessionConfig{
			DefaultMode: "chat",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the per-user config location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "enginelink.yaml"
	}
	return filepath.Join(dir, "enginelink", "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// Environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// ENGINELINK_ENGINE_COMMAND is a full command line: binary plus args
	if cmd := os.Getenv("ENGINELINK_ENGINE_COMMAND"); cmd != "" {
		c.SetEngineCommand(cmd)
	}
	if level := os.Getenv("ENGINELINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
		if level == "debug" {
			c.Logging.DebugMode = true
		}
	}
	if path := os.Getenv("ENGINELINK_TRANSCRIPT"); path != "" {
		c.Session.TranscriptPath = path
	}
}

// SetEngineCommand replaces the engine command and arguments from a
// whitespace-separated command line.
func (c *Config) SetEngineCommand(line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}
	c.Engine.Command = parts[0]
	c.Engine.Args = parts[1:]
}

// EngineEnv returns the extra engine environment as KEY=value pairs, sorted
// by key.
func (c *Config) EngineEnv() []string {
	env := make([]string, 0, len(c.Engine.Env))
	for k, v := range c.Engine.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)
	return env
}

// GetStartupTimeout returns the handshake timeout as a duration.
func (c *Config) GetStartupTimeout() time.Duration {
	return parseDuration(c.Engine.StartupTimeout, 15*time.Second)
}

// GetShutdownGrace returns the wait between SIGTERM and kill.
func (c *Config) GetShutdownGrace() time.Duration {
	return parseDuration(c.Engine.ShutdownGrace, 3*time.Second)
}

// GetHeartbeatInterval returns the heartbeat interval; zero means disabled.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return parseDuration(c.Engine.HeartbeatInterval, 0)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// ValidModes lists the request modes.
var ValidModes = []string{"chat", "plan", "research"}

// ValidLevels lists the accepted log levels.
var ValidLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Command == "" {
		return fmt.Errorf("engine command not configured (set engine.command or ENGINELINK_ENGINE_COMMAND)")
	}
	if !slices.Contains(ValidModes, c.Session.DefaultMode) {
		return fmt.Errorf("invalid default mode: %s (valid: %v)", c.Session.DefaultMode, ValidModes)
	}
	if c.Logging.Level != "" && !slices.Contains(ValidLevels, c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.Logging.Level, ValidLevels)
	}

	for name, value := range map[string]string{
		"engine.startup_timeout":    c.Engine.StartupTimeout,
		"engine.shutdown_grace":     c.Engine.ShutdownGrace,
		"engine.heartbeat_interval": c.Engine.HeartbeatInterval,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			return fmt.Errorf("invalid %s: %q", name, value)
		}
	}
	return nil
}

// IsTranscriptEnabled returns whether sessions are persisted.
func (c *Config) IsTranscriptEnabled() bool {
	return c.Session.TranscriptPath != ""
}
