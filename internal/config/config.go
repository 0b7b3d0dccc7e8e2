package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultPortRangeStart    = 3000
	defaultPortRangeEnd      = 3099
	defaultMaxSessions       = 12
	defaultScanInterval      = 5 * time.Second
	defaultReapInterval      = 60 * time.Second
	defaultAgentPollInterval = 500 * time.Millisecond
	defaultAgentStaleAfter   = 5 * time.Minute
	defaultRegistryKillGrace = 3 * time.Second
	defaultServerStopGrace   = 5 * time.Second
	defaultURLFallbackAfter  = 3 * time.Second
	defaultStatusSweepAfter  = 5 * time.Minute
	defaultLogLevel          = "info"
)

// StateDirName is the per-user directory holding all runtime state.
const StateDirName = ".podium"

// Config stores runtime settings loaded from TOML files.
type Config struct {
	PortRangeStart    int
	PortRangeEnd      int
	MaxSessions       int
	ScanInterval      time.Duration
	ReapInterval      time.Duration
	AgentPollInterval time.Duration
	AgentStaleAfter   time.Duration
	RegistryKillGrace time.Duration
	ServerStopGrace   time.Duration
	URLFallbackAfter  time.Duration
	StatusSweepAfter  time.Duration
	StatusFile        string
	AgentStateDir     string
	LogLevel          string
	Telemetry         TelemetryConfig
}

// TelemetryConfig stores the OTLP exporter settings.
type TelemetryConfig struct {
	Endpoint string
	Enabled  bool
}

type fileConfig struct {
	PortRangeStart    *int                 `toml:"port_range_start"`
	PortRangeEnd      *int                 `toml:"port_range_end"`
	MaxSessions       *int                 `toml:"max_sessions"`
	ScanInterval      *string              `toml:"scan_interval"`
	ReapInterval      *string              `toml:"reap_interval"`
	AgentPollInterval *string              `toml:"agent_poll_interval"`
	AgentStaleAfter   *string              `toml:"agent_stale_after"`
	RegistryKillGrace *string              `toml:"registry_kill_grace"`
	ServerStopGrace   *string              `toml:"server_stop_grace"`
	URLFallbackAfter  *string              `toml:"url_fallback_after"`
	StatusSweepAfter  *string              `toml:"status_sweep_after"`
	StatusFile        *string              `toml:"status_file"`
	AgentStateDir     *string              `toml:"agent_state_dir"`
	LogLevel          *string              `toml:"log_level"`
	Telemetry         *fileTelemetryConfig `toml:"telemetry"`
}

type fileTelemetryConfig struct {
	Endpoint *string `toml:"endpoint"`
	Enabled  *bool   `toml:"enabled"`
}

// StateDir resolves the per-user state directory (~/.podium).
func StateDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, StateDirName), nil
}

// Load reads config from ~/.podium/config.toml and overlays a project-local
// .podium/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	stateDir, err := StateDir()
	if err != nil {
		return nil, err
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(stateDir, "config.toml"),
		filepath.Join(workingDir, StateDirName, "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if cfg.StatusFile == "" {
		cfg.StatusFile = filepath.Join(stateDir, "dev-servers.json")
	}
	if cfg.AgentStateDir == "" {
		cfg.AgentStateDir = filepath.Join(stateDir, "agent-state")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		PortRangeStart:    defaultPortRangeStart,
		PortRangeEnd:      defaultPortRangeEnd,
		MaxSessions:       defaultMaxSessions,
		ScanInterval:      defaultScanInterval,
		ReapInterval:      defaultReapInterval,
		AgentPollInterval: defaultAgentPollInterval,
		AgentStaleAfter:   defaultAgentStaleAfter,
		RegistryKillGrace: defaultRegistryKillGrace,
		ServerStopGrace:   defaultServerStopGrace,
		URLFallbackAfter:  defaultURLFallbackAfter,
		StatusSweepAfter:  defaultStatusSweepAfter,
		LogLevel:          defaultLogLevel,
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyPathOverrides(cfg, decoded)
	applyTelemetryOverrides(cfg, decoded)

	return nil
}

func (c *Config) validate() error {
	if c.PortRangeEnd < c.PortRangeStart {
		return fmt.Errorf("port range end %d before start %d", c.PortRangeEnd, c.PortRangeStart)
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.PortRangeStart != nil {
		if *decoded.PortRangeStart <= 0 {
			return fmt.Errorf("parse port_range_start in %q: must be > 0", path)
		}
		cfg.PortRangeStart = *decoded.PortRangeStart
	}
	if decoded.PortRangeEnd != nil {
		if *decoded.PortRangeEnd <= 0 {
			return fmt.Errorf("parse port_range_end in %q: must be > 0", path)
		}
		cfg.PortRangeEnd = *decoded.PortRangeEnd
	}
	if decoded.MaxSessions != nil {
		if *decoded.MaxSessions <= 0 {
			return fmt.Errorf("parse max_sessions in %q: must be > 0", path)
		}
		cfg.MaxSessions = *decoded.MaxSessions
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		raw    *string
		key    string
		target *time.Duration
	}{
		{decoded.ScanInterval, "scan_interval", &cfg.ScanInterval},
		{decoded.ReapInterval, "reap_interval", &cfg.ReapInterval},
		{decoded.AgentPollInterval, "agent_poll_interval", &cfg.AgentPollInterval},
		{decoded.AgentStaleAfter, "agent_stale_after", &cfg.AgentStaleAfter},
		{decoded.RegistryKillGrace, "registry_kill_grace", &cfg.RegistryKillGrace},
		{decoded.ServerStopGrace, "server_stop_grace", &cfg.ServerStopGrace},
		{decoded.URLFallbackAfter, "url_fallback_after", &cfg.URLFallbackAfter},
		{decoded.StatusSweepAfter, "status_sweep_after", &cfg.StatusSweepAfter},
	}

	for _, override := range overrides {
		if override.raw == nil {
			continue
		}
		value, err := parseDuration(*override.raw, override.key, path)
		if err != nil {
			return err
		}
		*override.target = value
	}
	return nil
}

func applyPathOverrides(cfg *Config, decoded fileConfig) {
	if decoded.StatusFile != nil {
		cfg.StatusFile = strings.TrimSpace(*decoded.StatusFile)
	}
	if decoded.AgentStateDir != nil {
		cfg.AgentStateDir = strings.TrimSpace(*decoded.AgentStateDir)
	}
}

func applyTelemetryOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Telemetry == nil {
		return
	}
	if decoded.Telemetry.Endpoint != nil {
		cfg.Telemetry.Endpoint = strings.TrimSpace(*decoded.Telemetry.Endpoint)
	}
	if decoded.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *decoded.Telemetry.Enabled
	}
}
