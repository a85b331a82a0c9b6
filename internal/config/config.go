// Package config loads agent configuration from a file layered with
// environment variable overrides, per the precedence rule: explicit path,
// then AGENT_CONFIG, then the first existing default path, then built-in
// defaults; individual AGENT_* env vars always override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Operator holds the connection manager's dial target and liveness/backoff
// parameters.
type Operator struct {
	URL                  string        `mapstructure:"url"`
	ReconnectInterval     time.Duration `mapstructure:"reconnect_interval"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`
}

// Agent holds this device's identity and declared capabilities.
type Agent struct {
	AgentID      string            `mapstructure:"agent_id"`
	AgentType    string            `mapstructure:"agent_type"`
	Capabilities []string          `mapstructure:"capabilities"`
	Hostname     string            `mapstructure:"hostname"`
	Tags         map[string]string `mapstructure:"tags"`
}

// Telemetry controls heartbeat and metrics cadence.
type Telemetry struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	MetricsInterval    time.Duration `mapstructure:"metrics_interval"`
	ReportSystemMetrics bool         `mapstructure:"report_system_metrics"`
}

// Executor controls the task runner's concurrency, timeout, and command
// policy.
type Executor struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout"`
	AllowedCommands    []string      `mapstructure:"allowed_commands"`
	BlockedCommands    []string      `mapstructure:"blocked_commands"`
}

// Logging controls the zap logger's output.
type Logging struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"`
}

// Config is the agent's full configuration surface.
type Config struct {
	Operator  Operator  `mapstructure:"operator"`
	Agent     Agent     `mapstructure:"agent"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Executor  Executor  `mapstructure:"executor"`
	Logging   Logging   `mapstructure:"logging"`
}

// defaultSearchPaths returns the paths searched, in order, when neither an
// explicit path nor AGENT_CONFIG is set.
func defaultSearchPaths() []string {
	paths := []string{
		"./agent.yaml",
		"/etc/blackroad-agent/agent.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".blackroad-agent", "agent.yaml"))
	}
	return paths
}

func defaults() Config {
	return Config{
		Operator: Operator{
			ReconnectInterval:     5 * time.Second,
			ReconnectMaxAttempts: 0,
			PingInterval:         30 * time.Second,
			PingTimeout:          10 * time.Second,
		},
		Telemetry: Telemetry{
			HeartbeatInterval:   30 * time.Second,
			MetricsInterval:     30 * time.Second,
			ReportSystemMetrics: true,
		},
		Executor: Executor{
			MaxConcurrentTasks: 4,
			TaskTimeout:        5 * time.Minute,
			BlockedCommands:    []string{"rm -rf /", "mkfs", "dd if="},
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}

// Source loads a Config from wherever it is configured to load from.
type Source interface {
	Load() (Config, error)
}

// FileEnvSource is the production Source: a viper-backed file reader
// layered with AGENT_* environment variable overrides.
type FileEnvSource struct {
	// ExplicitPath, if set, is used verbatim and takes precedence over
	// AGENT_CONFIG and the default search path.
	ExplicitPath string
	// Lookup abstracts os.LookupEnv so tests can inject a fixed environment.
	Lookup func(string) (string, bool)
	// Exists abstracts file existence checks for the default-path search.
	Exists func(string) bool
}

// Load resolves the config file path per the documented precedence, reads
// it with viper, layers AGENT_* environment overrides on top, and fills in
// built-in defaults for anything left unset.
func (s FileEnvSource) Load() (Config, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = viperLookupEnv
	}
	exists := s.Exists
	if exists == nil {
		exists = viperFileExists
	}

	path := s.resolvePath(lookup, exists)

	v := viper.New()
	v.SetEnvPrefix("AGENT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := defaults()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: unmarshal: %w", err)
		}
	}

	applyEnvOverrides(&cfg, lookup)

	if cfg.Agent.Hostname == "" {
		cfg.Agent.Hostname = defaultHostname()
	}
	return cfg, nil
}

func (s FileEnvSource) resolvePath(lookup func(string) (string, bool), exists func(string) bool) string {
	if s.ExplicitPath != "" {
		return s.ExplicitPath
	}
	if p, ok := lookup("AGENT_CONFIG"); ok && p != "" {
		return p
	}
	for _, p := range defaultSearchPaths() {
		if exists(p) {
			return p
		}
	}
	return ""
}

// applyEnvOverrides applies the individually documented AGENT_* variables on
// top of whatever the file (or defaults) produced. These are distinct from
// viper's AutomaticEnv binding because they target specific nested fields
// rather than a generic key-replacement scheme.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("AGENT_OPERATOR_URL"); ok && v != "" {
		cfg.Operator.URL = v
	}
	if v, ok := lookup("AGENT_ID"); ok && v != "" {
		cfg.Agent.AgentID = v
	}
	if v, ok := lookup("AGENT_TYPE"); ok && v != "" {
		cfg.Agent.AgentType = v
	}
	if v, ok := lookup("AGENT_HOSTNAME"); ok && v != "" {
		cfg.Agent.Hostname = v
	}
	if v, ok := lookup("AGENT_HEARTBEAT_INTERVAL"); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Telemetry.HeartbeatInterval = d
		} else if secs, err := parseSeconds(v); err == nil {
			cfg.Telemetry.HeartbeatInterval = secs
		}
	}
	if v, ok := lookup("AGENT_LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
}

func parseSeconds(v string) (time.Duration, error) {
	var secs float64
	if _, err := fmt.Sscanf(v, "%f", &secs); err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}
