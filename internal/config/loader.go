package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Defaults.
const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 18430
	DefaultBufferSize        = 65536
	DefaultEventBufferSize   = 1024
	DefaultPollInterval      = 200 * time.Millisecond
	DefaultWriteTimeout      = 50 * time.Millisecond
	DefaultKillTimeout       = 2 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHistoryKeep       = 10000
	DefaultPruneSchedule     = "@daily"
)

// Load reads a config file, expands ${{ .Env.VAR }} templates, unmarshals it
// into Config and applies defaults. Files ending in .yaml or .yml are read
// as YAML, anything else as JSON with comments and trailing commas.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates before parsing, since templates
	// are in strings.
	expanded := []byte(expandEnvTemplates(string(data)))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		std, err := hujson.Standardize(expanded)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := json.Unmarshal(std, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}

	k := &cfg.Kernel
	if k.Prompt == "" {
		k.Prompt = "$ "
	}
	if k.ContinuePrompt == "" {
		k.ContinuePrompt = "> "
	}
	if k.BufferSize <= 0 {
		k.BufferSize = DefaultBufferSize
	}
	if k.InputPollInterval <= 0 {
		k.InputPollInterval = Duration(DefaultPollInterval)
	}
	if k.PumpInterval <= 0 {
		k.PumpInterval = Duration(DefaultPollInterval)
	}
	if k.WriteTimeout <= 0 {
		k.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if k.KillTimeout <= 0 {
		k.KillTimeout = Duration(DefaultKillTimeout)
	}

	if cfg.History.Path == "" {
		cfg.History.Path = HistoryPath()
	}
	if cfg.History.Keep == 0 {
		cfg.History.Keep = DefaultHistoryKeep
	}
	if cfg.History.PruneSchedule == "" {
		cfg.History.PruneSchedule = DefaultPruneSchedule
	}

	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = DefaultEventBufferSize
	}

	if cfg.Heartbeat.Path == "" {
		cfg.Heartbeat.Path = HeartbeatPath()
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat.Interval = Duration(DefaultHeartbeatInterval)
	}

	if cfg.Log.Level == "" {
		if v := os.Getenv("SHELLKERNEL_LOG_LEVEL"); v != "" {
			cfg.Log.Level = v
		} else {
			cfg.Log.Level = "info"
		}
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
